package sitescape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PentesterFlow/SiteScape/internal/advisor"
	"github.com/PentesterFlow/SiteScape/internal/asset"
	"github.com/PentesterFlow/SiteScape/internal/browser"
	"github.com/PentesterFlow/SiteScape/internal/errors"
	"github.com/PentesterFlow/SiteScape/internal/logger"
	"github.com/PentesterFlow/SiteScape/internal/models"
	"github.com/PentesterFlow/SiteScape/internal/output"
	"github.com/PentesterFlow/SiteScape/internal/state"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeSession serves markup by URL path and records every fetch.
type fakeSession struct {
	mu      sync.Mutex
	pages   map[string]string
	fetches []string
	block   bool
	panicOn string
	started chan struct{}
	once    sync.Once
}

func newFakeSession(pages map[string]string) *fakeSession {
	return &fakeSession{pages: pages, started: make(chan struct{})}
}

func (s *fakeSession) Fetch(ctx context.Context, targetURL string) (*browser.Snapshot, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	s.mu.Lock()
	s.fetches = append(s.fetches, path)
	s.mu.Unlock()
	s.once.Do(func() { close(s.started) })

	if s.block {
		<-ctx.Done()
		return nil, errors.NewCancelledError(targetURL, "navigate")
	}
	if s.panicOn == path {
		panic("renderer crashed")
	}

	markup, ok := s.pages[path]
	if !ok {
		return nil, errors.NewBrowserError(targetURL, "navigate", fmt.Errorf("net::ERR_ABORTED"))
	}
	return &browser.Snapshot{
		URL:      targetURL,
		FinalURL: targetURL,
		HTML:     markup,
		Title:    "Page " + path,
		Duration: time.Millisecond,
	}, nil
}

func (s *fakeSession) FetchResource(ctx context.Context, resourceURL, referer string) ([]byte, error) {
	return []byte("rendered"), nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) Fetches(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.fetches {
		if path == "" || p == path {
			n++
		}
	}
	return n
}

type fakeProvider struct {
	session  *fakeSession
	acquired int32
	released int32
}

func (p *fakeProvider) Acquire(ctx context.Context) (browser.Session, error) {
	atomic.AddInt32(&p.acquired, 1)
	return p.session, nil
}

func (p *fakeProvider) Release(session browser.Session) {
	atomic.AddInt32(&p.released, 1)
}

// recordingSink keeps every event it receives.
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
	logs   []models.LogEntry
}

func (s *recordingSink) PublishEvent(ctx context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) PublishLog(ctx context.Context, entry models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

// site is the origin the fake browser pretends to render. It serves
// robots.txt and the asset files over real HTTP.
type site struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newSite(t *testing.T, robots string) *site {
	t.Helper()
	s := &site{hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()

		switch r.URL.Path {
		case "/robots.txt":
			if robots == "" {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte(robots))
		case "/a.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("\xff\xd8\xff\xe0jpeg-bytes"))
		case "/b.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("\x89PNG\r\n\x1a\npng-bytes"))
		case "/s.css":
			w.Header().Set("Content-Type", "text/css")
			w.Write([]byte("body { color: black; }"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *site) Hits() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.hits))
	for k, v := range s.hits {
		out[k] = v
	}
	return out
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Page.Backoff = time.Millisecond
	cfg.Download.Backoff = time.Millisecond
	cfg.Download.Pacing = 0
	cfg.Discovery.SitemapTimeout = 2 * time.Second
	cfg.Robots.Timeout = 2 * time.Second
	cfg.State.Backend = "memory"
	cfg.LLM.APIKey = ""
	return cfg
}

func newTestEngine(t *testing.T, cfg *Config, provider browser.Provider, opts ...Option) (*Engine, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	base := []Option{
		WithConfig(cfg),
		WithBrowserProvider(provider),
		WithStore(store),
		WithLogger(logger.Nop()),
	}
	e, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, store
}

const happyMarkup = `<html><head><title>Home</title>
<link rel="stylesheet" href="/s.css"></head>
<body><img src="/a.jpg"></body></html>`

// =============================================================================
// Pipeline Scenarios
// =============================================================================

func TestRun_HappyPath(t *testing.T) {
	s := newSite(t, "User-agent: *\nAllow: /\n")
	session := newFakeSession(map[string]string{"/": happyMarkup})
	provider := &fakeProvider{session: session}
	cfg := testConfig(t)
	e, store := newTestEngine(t, cfg, provider)

	job, err := e.NewJob(s.URL)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), job))

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, []string{"a.jpg"}, job.Assets[asset.Images])
	assert.Equal(t, []string{"s.css"}, job.Assets[asset.CSS])

	stored, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Empty(t, stored.Error)
	assert.Equal(t, []string{"a.jpg"}, stored.Assets[asset.Images])
	assert.Equal(t, 1, stored.Metadata.TotalPages)
	assert.Equal(t, 1, stored.Metadata.PagesProcessed)
	assert.Equal(t, 2, stored.Metadata.TotalAssets)
	assert.False(t, stored.Metadata.ScrapedAt.IsZero())

	dir := e.JobDir(job.ID)
	assert.FileExists(t, filepath.Join(dir, ScrapedDir, "images", "a.jpg"))
	assert.FileExists(t, filepath.Join(dir, ScrapedDir, "css", "s.css"))
	assert.FileExists(t, filepath.Join(dir, ScrapedDir, HTMLDir, "index.html"))
	assert.FileExists(t, filepath.Join(dir, output.ManifestFile))

	assert.Equal(t, int32(1), provider.acquired)
	assert.Equal(t, int32(1), provider.released)
	assert.Equal(t, 1, session.Fetches("/"))
}

func TestRun_RobotsDisallow(t *testing.T) {
	s := newSite(t, "User-agent: *\nDisallow: /\n")
	session := newFakeSession(map[string]string{"/": happyMarkup})
	provider := &fakeProvider{session: session}
	e, store := newTestEngine(t, testConfig(t), provider)

	job, err := e.NewJob(s.URL)
	require.NoError(t, err)

	err = e.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.IsPolicy(err))

	stored, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "robots.txt")

	assert.Equal(t, 0, session.Fetches(""))
	assert.Equal(t, int32(0), provider.acquired)

	hits := s.Hits()
	assert.Equal(t, 1, hits["/robots.txt"])
	assert.Zero(t, hits["/a.jpg"])
}

func TestRun_ProgressIsMonotonic(t *testing.T) {
	s := newSite(t, "")
	markup := `<html><body>
<a href="/about">About</a><a href="/contact">Contact</a>
<img src="/a.jpg"><img src="/b.png"><link rel="stylesheet" href="/s.css">
</body></html>`
	session := newFakeSession(map[string]string{
		"/":        markup,
		"/about":   `<html><body><img src="/b.png"></body></html>`,
		"/contact": `<html><body></body></html>`,
	})
	sink := &recordingSink{}
	e, _ := newTestEngine(t, testConfig(t), &fakeProvider{session: session}, WithSink(sink))

	job, err := e.NewJob(s.URL)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), job))
	e.Close() // drains the sink

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.events)

	last := -1
	statuses := make([]models.JobStatus, 0)
	for _, ev := range sink.events {
		assert.GreaterOrEqual(t, ev.Progress, last, "progress went backwards at %s", ev.Status)
		last = ev.Progress
		if len(statuses) == 0 || statuses[len(statuses)-1] != ev.Status {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Equal(t, []models.JobStatus{
		models.StatusAnalyzing,
		models.StatusDiscovering,
		models.StatusScraping,
		models.StatusDownloading,
		models.StatusConverting,
		models.StatusBuilding,
		models.StatusCompleted,
	}, statuses)
	assert.Equal(t, 100, sink.events[len(sink.events)-1].Progress)
	assert.NotEmpty(t, sink.logs)
}

func TestRun_DedupAcrossPagesAndSkipsBrokenPages(t *testing.T) {
	s := newSite(t, "")
	session := newFakeSession(map[string]string{
		"/": `<html><body><a href="/about">About</a><a href="/broken">Broken</a>
<img src="/a.jpg"></body></html>`,
		"/about": `<html><body><img src="/a.jpg"><img data-src="/b.png"></body></html>`,
	})
	e, store := newTestEngine(t, testConfig(t), &fakeProvider{session: session})

	job, err := e.NewJob(s.URL)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), job))

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.ElementsMatch(t, []string{"a.jpg", "b.png"}, job.Assets[asset.Images])
	assert.Equal(t, 3, session.Fetches("/broken"))
	assert.Equal(t, 1, s.Hits()["/a.jpg"])

	stored, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Metadata.TotalPages)
	assert.Equal(t, 2, stored.Metadata.PagesProcessed)

	htmlDir := filepath.Join(e.JobDir(job.ID), ScrapedDir, HTMLDir)
	assert.FileExists(t, filepath.Join(htmlDir, "index.html"))
	assert.FileExists(t, filepath.Join(htmlDir, "page-1.html"))
	_, err = os.Stat(filepath.Join(htmlDir, "page-2.html"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_SeedFailureFailsJob(t *testing.T) {
	s := newSite(t, "")
	session := newFakeSession(map[string]string{})
	provider := &fakeProvider{session: session}
	e, store := newTestEngine(t, testConfig(t), provider)

	job, err := e.NewJob(s.URL)
	require.NoError(t, err)
	require.Error(t, e.Run(context.Background(), job))

	stored, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "seed page")
	assert.Equal(t, 3, session.Fetches("/"))
	assert.Equal(t, int32(1), provider.released)
}

func TestRun_AdvisorFailureDegradesGracefully(t *testing.T) {
	s := newSite(t, "")
	failing := advisor.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", fmt.Errorf("model unavailable")
	})
	session := newFakeSession(map[string]string{"/": happyMarkup})
	e, _ := newTestEngine(t, testConfig(t), &fakeProvider{session: session}, WithCompleter(failing))
	require.True(t, e.AdvisorEnabled())

	job, err := e.NewJob(s.URL)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), job))

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Empty(t, job.Metadata.AIAnalysis)
	assert.Equal(t, []string{"a.jpg"}, job.Assets[asset.Images])
	assert.Equal(t, []string{"s.css"}, job.Assets[asset.CSS])
	assert.Positive(t, e.MetricsSnapshot().AdvisoryFailures)
}

func TestRun_StoresSiteAnalysis(t *testing.T) {
	s := newSite(t, "")
	completer := advisor.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		return "Simple brochure site", nil
	})
	session := newFakeSession(map[string]string{"/": happyMarkup})
	e, store := newTestEngine(t, testConfig(t), &fakeProvider{session: session}, WithCompleter(completer))

	job, err := e.NewJob(s.URL)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), job))

	stored, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Simple brochure site", stored.Metadata.AIAnalysis)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

func TestRun_Cancellation(t *testing.T) {
	s := newSite(t, "")
	session := newFakeSession(map[string]string{"/": happyMarkup})
	session.block = true
	provider := &fakeProvider{session: session}
	e, store := newTestEngine(t, testConfig(t), provider)

	job, err := e.NewJob(s.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, job) }()

	select {
	case <-session.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never started")
	}
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	stored, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "cancelled")
	assert.Equal(t, int32(1), provider.released)
}

func TestRun_PanicFailsJobAndReleasesBrowser(t *testing.T) {
	s := newSite(t, "")
	session := newFakeSession(map[string]string{"/": happyMarkup})
	session.panicOn = "/"
	provider := &fakeProvider{session: session}
	e, store := newTestEngine(t, testConfig(t), provider)

	job, err := e.NewJob(s.URL)
	require.NoError(t, err)
	require.Error(t, e.Run(context.Background(), job))

	stored, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "renderer crashed")
	assert.Equal(t, int32(1), provider.released)
}

// =============================================================================
// Handoff Tests
// =============================================================================

type failingHandoff struct {
	converted bool
}

func (h *failingHandoff) Convert(ctx context.Context, b *output.Bundle) error {
	h.converted = true
	return nil
}

func (h *failingHandoff) Build(ctx context.Context, b *output.Bundle) error {
	return fmt.Errorf("disk full")
}

func TestRun_HandoffFailureFailsJob(t *testing.T) {
	s := newSite(t, "")
	handoff := &failingHandoff{}
	session := newFakeSession(map[string]string{"/": happyMarkup})
	e, store := newTestEngine(t, testConfig(t), &fakeProvider{session: session}, WithHandoff(handoff))

	job, err := e.NewJob(s.URL)
	require.NoError(t, err)
	require.Error(t, e.Run(context.Background(), job))

	assert.True(t, handoff.converted)
	stored, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "disk full")
	assert.Equal(t, 95, stored.Progress)
}

// =============================================================================
// NewJob Tests
// =============================================================================

func TestNewJob_ValidatesURL(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t), &fakeProvider{session: newFakeSession(nil)})

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com", false},
		{"http://example.com/path#top", false},
		{"", true},
		{"ftp://example.com", true},
		{"javascript:alert(1)", true},
		{"https://", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			job, err := e.NewJob(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.StatusQueued, job.Status)
			assert.NotContains(t, job.URL, "#")
		})
	}
}
