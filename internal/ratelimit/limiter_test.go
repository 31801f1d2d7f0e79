package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
)

// =============================================================================
// Limiter Tests
// =============================================================================

func TestLimiter_Wait_Paces(t *testing.T) {
	l := NewLimiter(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	// first call is immediate, the next three are spaced by the interval
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Errorf("4 waits took %v, want at least ~60ms", elapsed)
	}
}

func TestLimiter_ZeroIntervalDoesNotBlock(t *testing.T) {
	l := NewLimiter(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("unpaced limiter blocked for %v", time.Since(start))
	}
}

func TestLimiter_Wait_ContextCancelled(t *testing.T) {
	l := NewLimiter(time.Hour)
	_ = l.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.Wait(ctx); err == nil {
		t.Error("Wait() should fail with a cancelled context")
	}
}

func TestLimiter_WaitDomain(t *testing.T) {
	l := NewLimiter(0)
	l.SetDomainInterval(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	_ = l.WaitDomain(ctx, "a.example.com")
	_ = l.WaitDomain(ctx, "b.example.com")
	if time.Since(start) > 20*time.Millisecond {
		t.Error("different hosts should not wait on each other")
	}

	_ = l.WaitDomain(ctx, "a.example.com")
	if time.Since(start) < 25*time.Millisecond {
		t.Error("same host should be paced")
	}

	stats := l.Stats()
	if stats.DomainCount != 2 {
		t.Errorf("DomainCount = %d, want 2", stats.DomainCount)
	}
	if stats.DomainInterval != 30*time.Millisecond {
		t.Errorf("DomainInterval = %v", stats.DomainInterval)
	}
}

// =============================================================================
// RobotsManager Tests
// =============================================================================

func newRobotsServer(t *testing.T, status int, body string, hits *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestManager() *RobotsManager {
	return NewRobotsManager(scrapehttp.New(scrapehttp.DefaultConfig()), DefaultRobotsConfig(), nil)
}

func TestDefaultRobotsConfig(t *testing.T) {
	cfg := DefaultRobotsConfig()
	if cfg.Agent != "SiteScapeBot" {
		t.Errorf("Agent = %q", cfg.Agent)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Timeout)
	}
}

func TestRobotsManager_DisallowAll(t *testing.T) {
	server := newRobotsServer(t, 200, "User-agent: *\nDisallow: /\n", nil)

	if newTestManager().IsAllowed(context.Background(), server.URL+"/") {
		t.Error("IsAllowed() = true, want false for Disallow: /")
	}
}

func TestRobotsManager_AgentSpecific(t *testing.T) {
	body := "User-agent: SiteScapeBot\nDisallow: /private\n\nUser-agent: *\nDisallow: /\n"
	server := newRobotsServer(t, 200, body, nil)
	m := newTestManager()

	if !m.IsAllowed(context.Background(), server.URL+"/public") {
		t.Error("/public should be allowed for SiteScapeBot")
	}
	if m.IsAllowed(context.Background(), server.URL+"/private/x") {
		t.Error("/private should be disallowed for SiteScapeBot")
	}
}

func TestRobotsManager_FailuresAllow(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"missing", http.StatusNotFound},
		{"server error", http.StatusServiceUnavailable},
		{"forbidden", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newRobotsServer(t, tt.status, "User-agent: *\nDisallow: /\n", nil)
			if !newTestManager().IsAllowed(context.Background(), server.URL+"/") {
				t.Error("IsAllowed() should default to allow")
			}
		})
	}
}

func TestRobotsManager_UnreachableAllows(t *testing.T) {
	if !newTestManager().IsAllowed(context.Background(), "http://127.0.0.1:1/") {
		t.Error("unreachable robots.txt should allow")
	}
}

func TestRobotsManager_TimeoutAllows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	cfg := DefaultRobotsConfig()
	cfg.Timeout = 50 * time.Millisecond
	m := NewRobotsManager(scrapehttp.New(scrapehttp.DefaultConfig()), cfg, nil)

	if !m.IsAllowed(context.Background(), server.URL+"/") {
		t.Error("timed out robots.txt should allow")
	}
}

func TestRobotsManager_CachesPerOrigin(t *testing.T) {
	var hits int32
	server := newRobotsServer(t, 200, "User-agent: *\nDisallow: /admin\nSitemap: https://example.com/sm.xml\n", &hits)
	m := newTestManager()

	for i := 0; i < 3; i++ {
		m.IsAllowed(context.Background(), server.URL+"/page")
	}

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("robots.txt fetched %d times, want 1", got)
	}

	sitemaps := m.Sitemaps(server.URL + "/anything")
	if len(sitemaps) != 1 || sitemaps[0] != "https://example.com/sm.xml" {
		t.Errorf("Sitemaps() = %v", sitemaps)
	}
}
