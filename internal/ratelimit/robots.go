package ratelimit

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
	"github.com/PentesterFlow/SiteScape/internal/logger"
)

// DefaultAgent is the identity evaluated against robots rules.
const DefaultAgent = "SiteScapeBot"

// RobotsConfig configures the policy gate.
type RobotsConfig struct {
	Agent    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// DefaultRobotsConfig returns the default policy gate settings.
func DefaultRobotsConfig() RobotsConfig {
	return RobotsConfig{
		Agent:    DefaultAgent,
		Timeout:  5 * time.Second,
		CacheTTL: time.Hour,
	}
}

// RobotsManager fetches, caches and evaluates robots.txt per origin. Any
// failure to obtain a policy means allow.
type RobotsManager struct {
	mu     sync.Mutex
	rules  map[string]*robotsEntry
	client *scrapehttp.Client
	config RobotsConfig
	log    *logger.Logger
}

type robotsEntry struct {
	data      *robotstxt.RobotsData // nil when no usable policy was found
	fetchedAt time.Time
}

// NewRobotsManager creates a new robots.txt manager.
func NewRobotsManager(client *scrapehttp.Client, config RobotsConfig, log *logger.Logger) *RobotsManager {
	if config.Agent == "" {
		config.Agent = DefaultAgent
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RobotsManager{
		rules:  make(map[string]*robotsEntry),
		client: client,
		config: config,
		log:    log.WithComponent("robots"),
	}
}

// IsAllowed reports whether the configured agent may fetch targetURL.
func (m *RobotsManager) IsAllowed(ctx context.Context, targetURL string) bool {
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return true
	}

	data := m.policy(ctx, u)
	if data == nil {
		return true
	}
	return data.TestAgent(u.RequestURI(), m.config.Agent)
}

// Sitemaps returns the Sitemap directives of the cached policy for the origin
// of targetURL.
func (m *RobotsManager) Sitemaps(targetURL string) []string {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.rules[u.Scheme+"://"+u.Host]
	if !ok || entry.data == nil {
		return nil
	}
	return entry.data.Sitemaps
}

func (m *RobotsManager) policy(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	origin := u.Scheme + "://" + u.Host

	m.mu.Lock()
	entry, ok := m.rules[origin]
	m.mu.Unlock()
	if ok && (m.config.CacheTTL <= 0 || time.Since(entry.fetchedAt) < m.config.CacheTTL) {
		return entry.data
	}

	data := m.fetch(ctx, origin)

	m.mu.Lock()
	m.rules[origin] = &robotsEntry{data: data, fetchedAt: time.Now()}
	m.mu.Unlock()

	return data
}

func (m *RobotsManager) fetch(ctx context.Context, origin string) *robotstxt.RobotsData {
	robotsURL := origin + "/robots.txt"
	log := m.log.WithURL(robotsURL)

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	resp, err := m.client.Get(ctx, robotsURL, map[string]string{"Accept": "text/plain,*/*"})
	if err != nil {
		log.WithError(err).Debug("No robots.txt, allowing")
		return nil
	}

	data, err := robotstxt.FromBytes(resp.Body)
	if err != nil {
		log.WithError(err).Warn("Unparseable robots.txt, allowing")
		return nil
	}
	return data
}
