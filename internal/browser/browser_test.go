package browser

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PentesterFlow/SiteScape/internal/errors"
)

// =============================================================================
// Config Tests
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Headless)
	assert.Equal(t, 60*time.Second, cfg.NavigationTimeout)
	assert.Equal(t, 2, cfg.IdleThreshold)
	assert.Equal(t, 100, cfg.ScrollStep)
	assert.Equal(t, 100*time.Millisecond, cfg.ScrollInterval)
	assert.Contains(t, cfg.UserAgent, "Chrome/120")
}

// =============================================================================
// Background Tests
// =============================================================================

func TestBackgroundURLs(t *testing.T) {
	values := []string{
		`url("https://example.com/hero.jpg")`,
		`url(https://cdn.example.com/a.png), linear-gradient(red, blue)`,
		`linear-gradient(rgb(0, 0, 0), rgb(255, 255, 255))`,
		`url('/relative/bg.webp')`,
		`url("data:image/png;base64,AAAA")`,
		`url("https://example.com/hero.jpg#frag")`,
	}

	got := BackgroundURLs(values, "https://example.com/page")

	assert.Equal(t, []string{
		"https://example.com/hero.jpg",
		"https://cdn.example.com/a.png",
		"https://example.com/relative/bg.webp",
	}, got)
}

func TestBackgroundURLs_Empty(t *testing.T) {
	assert.Empty(t, BackgroundURLs(nil, "https://example.com"))
	assert.Empty(t, BackgroundURLs([]string{"none"}, "https://example.com"))
}

// =============================================================================
// Browser Tests
// =============================================================================

func TestBrowser_CloseIdempotent(t *testing.T) {
	b := &Browser{config: DefaultConfig()}

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Fetch(context.Background(), "https://example.com")
	require.Error(t, err)
	assert.Equal(t, errors.Browser, errors.GetErrorType(err))
}

func TestFetchError(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	err := fetchError(cancelled, "https://example.com", "navigate", context.Canceled)
	assert.Equal(t, errors.Cancelled, errors.GetErrorType(err))

	err = fetchError(context.Background(), "https://example.com", "navigate", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	assert.Equal(t, errors.Timeout, errors.GetErrorType(err))
	assert.True(t, errors.IsRetryable(err))

	err = fetchError(context.Background(), "https://example.com", "navigate", fmt.Errorf("net::ERR_NAME_NOT_RESOLVED"))
	assert.Equal(t, errors.Browser, errors.GetErrorType(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status int
		want   errors.ErrorType
		ok     bool
	}{
		{0, errors.Unknown, true},
		{200, errors.Unknown, true},
		{304, errors.Unknown, true},
		{404, errors.NotFound, false},
		{403, errors.Auth, false},
		{429, errors.RateLimit, false},
		{500, errors.ServerError, false},
		{503, errors.ServerError, false},
	}

	for _, tt := range tests {
		err := statusError(tt.status, "https://example.com/a.png")
		if tt.ok {
			assert.NoError(t, err, "status %d", tt.status)
			continue
		}
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.want, errors.GetErrorType(err), "status %d", tt.status)
	}

	assert.False(t, errors.IsRetryable(statusError(404, "u")))
	assert.True(t, errors.IsRetryable(statusError(502, "u")))
}

// launchLocal starts a locally installed Chrome or skips the test.
func launchLocal(t *testing.T) *Browser {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no local Chrome found")
	}

	cfg := DefaultConfig()
	cfg.BinPath = bin
	cfg.NavigationTimeout = 20 * time.Second
	cfg.ResourceTimeout = 20 * time.Second
	cfg.ScrollTimeout = 2 * time.Second
	b, err := Launch(cfg)
	if err != nil {
		t.Skipf("chrome did not start: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBrowser_DocumentStatus(t *testing.T) {
	var pixel bytes.Buffer
	require.NoError(t, png.Encode(&pixel, image.NewRGBA(image.Rect(0, 0, 1, 1))))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html><head><title>home</title></head><body>ok</body></html>"))
		case "/logo.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(pixel.Bytes())
		case "/down":
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("<html><body>bad gateway</body></html>"))
		default:
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("<html><body>not found</body></html>"))
		}
	}))
	defer server.Close()

	b := launchLocal(t)
	ctx := context.Background()

	snap, err := b.Fetch(ctx, server.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "home", snap.Title)

	_, err = b.Fetch(ctx, server.URL+"/down")
	assert.Equal(t, errors.ServerError, errors.GetErrorType(err))

	_, err = b.Fetch(ctx, server.URL+"/gone")
	assert.Equal(t, errors.NotFound, errors.GetErrorType(err))

	body, err := b.FetchResource(ctx, server.URL+"/logo.png", server.URL+"/")
	require.NoError(t, err)
	assert.NotEmpty(t, body)

	body, err = b.FetchResource(ctx, server.URL+"/missing.png", server.URL+"/")
	assert.Equal(t, errors.NotFound, errors.GetErrorType(err))
	assert.Nil(t, body, "error pages are never returned as the resource")
}

// =============================================================================
// Pool Tests
// =============================================================================

type fakeSession struct {
	closed int32
}

func (s *fakeSession) Fetch(ctx context.Context, targetURL string) (*Snapshot, error) {
	return &Snapshot{URL: targetURL, FinalURL: targetURL}, nil
}

func (s *fakeSession) FetchResource(ctx context.Context, resourceURL, referer string) ([]byte, error) {
	return []byte("x"), nil
}

func (s *fakeSession) Close() error {
	atomic.AddInt32(&s.closed, 1)
	return nil
}

func newFakePool(size int) (*Pool, *[]*fakeSession) {
	cfg := DefaultConfig()
	cfg.PoolSize = size
	p := NewPool(cfg)

	sessions := make([]*fakeSession, 0)
	p.launch = func(Config) (Session, error) {
		s := &fakeSession{}
		sessions = append(sessions, s)
		return s, nil
	}
	return p, &sessions
}

func TestPool_AcquireRelease(t *testing.T) {
	p, sessions := newFakePool(1)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Active)

	p.Release(s)
	assert.Equal(t, 0, p.Stats().Active)
	assert.Equal(t, int32(1), atomic.LoadInt32(&(*sessions)[0].closed), "release closes the browser")

	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, s, s2, "each acquire launches a fresh browser")
	assert.Equal(t, 2, p.Stats().Launched)
	p.Release(s2)
}

func TestPool_BoundsConcurrentSessions(t *testing.T) {
	p, _ := newFakePool(1)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release(s)

	s, err = p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s)
}

func TestPool_LaunchFailureFreesSlot(t *testing.T) {
	p, _ := newFakePool(1)
	p.launch = func(Config) (Session, error) {
		return nil, fmt.Errorf("no chrome")
	}

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 0, p.Stats().Active)
}

func TestPool_Close(t *testing.T) {
	p, sessions := newFakePool(2)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&(*sessions)[0].closed))

	_, err = p.Acquire(context.Background())
	assert.Error(t, err)
}
