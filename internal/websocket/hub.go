// Package websocket streams job progress events and log entries to browser
// and CLI observers.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PentesterFlow/SiteScape/internal/logger"
	"github.com/PentesterFlow/SiteScape/internal/models"
)

// Message types carried in an Envelope.
const (
	TypeProgress = "progress"
	TypeLog      = "log"
)

// Envelope is one frame sent to observers.
type Envelope struct {
	Type  string           `json:"type"`
	JobID string           `json:"jobId,omitempty"`
	Event *models.Event    `json:"event,omitempty"`
	Log   *models.LogEntry `json:"log,omitempty"`
}

// Command is a frame sent by an observer. The only action is "subscribe",
// which narrows the connection to JobID ("" for every job).
type Command struct {
	Action string `json:"action"`
	JobID  string `json:"jobId"`
}

// HubConfig holds hub configuration.
type HubConfig struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
	AllowedOrigins []string // empty allows any origin
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    4096,
	}
}

// Hub manages observer connections and broadcasts to them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	config   HubConfig
	log      *logger.Logger
	closed   bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	jobID string
	done  bool
}

// NewHub creates a hub.
func NewHub(config HubConfig, log *logger.Logger) *Hub {
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultHubConfig().SendBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultHubConfig().WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultHubConfig().PingInterval
	}
	if log == nil {
		log = logger.Nop()
	}

	h := &Hub{
		clients: make(map[*client]struct{}),
		config:  config,
		log:     log.WithComponent("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.config.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request. A job query parameter subscribes the
// connection to that job from the start.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, h.config.SendBuffer),
		jobID: r.URL.Query().Get("job"),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.log.WithField("job_filter", c.jobID).Debug("Observer connected")

	go c.writePump()
	go c.readPump()
}

// PublishEvent broadcasts a progress event.
func (h *Hub) PublishEvent(ctx context.Context, event models.Event) error {
	return h.broadcast(event.JobID, Envelope{Type: TypeProgress, JobID: event.JobID, Event: &event})
}

// PublishLog broadcasts a log entry.
func (h *Hub) PublishLog(ctx context.Context, entry models.LogEntry) error {
	return h.broadcast(entry.JobID, Envelope{Type: TypeLog, JobID: entry.JobID, Log: &entry})
}

func (h *Hub) broadcast(jobID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(jobID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			h.log.Debug("Dropping slow observer")
			h.remove(c)
		}
	}
	return nil
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every observer and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
	return nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.shutdown()
}

func (c *client) wants(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID == "" || c.jobID == jobID
}

func (c *client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	close(c.send)
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	if c.hub.config.ReadLimit > 0 {
		c.conn.SetReadLimit(c.hub.config.ReadLimit)
	}
	wait := 2 * c.hub.config.PingInterval
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Action == "subscribe" {
			c.mu.Lock()
			c.jobID = cmd.JobID
			c.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
