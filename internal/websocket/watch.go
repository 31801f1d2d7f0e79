package websocket

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Watcher follows a hub from the client side.
type Watcher struct {
	dialer  *websocket.Dialer
	headers http.Header
}

// NewWatcher creates a watcher.
func NewWatcher() *Watcher {
	return &Watcher{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		headers: make(http.Header),
	}
}

// SetHeaders sets custom headers for the handshake.
func (w *Watcher) SetHeaders(headers map[string]string) {
	for k, v := range headers {
		w.headers.Set(k, v)
	}
}

// Watch connects to hubURL, subscribes to jobID and calls fn for every
// envelope until fn returns false, the connection drops or ctx ends.
func (w *Watcher) Watch(ctx context.Context, hubURL, jobID string, fn func(Envelope) bool) error {
	target, err := wsURL(hubURL)
	if err != nil {
		return err
	}

	conn, _, err := w.dialer.DialContext(ctx, target, w.headers.Clone())
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(Command{Action: "subscribe", JobID: jobID}); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if !fn(env) {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

// wsURL maps http(s) URLs onto ws(s).
func wsURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "wss"
	}
	return parsed.String(), nil
}
