// Package browser provides headless Chrome integration via Rod.
package browser

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/PentesterFlow/SiteScape/internal/errors"
	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
)

// Config defines browser configuration.
type Config struct {
	PoolSize          int               `json:"pool_size" yaml:"pool_size"`
	Headless          bool              `json:"headless" yaml:"headless"`
	BinPath           string            `json:"bin_path,omitempty" yaml:"bin_path,omitempty"`
	UserAgent         string            `json:"user_agent" yaml:"user_agent"`
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	ViewportWidth     int               `json:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int               `json:"viewport_height" yaml:"viewport_height"`
	IgnoreHTTPSErrors bool              `json:"ignore_https_errors" yaml:"ignore_https_errors"`
	Stealth           bool              `json:"stealth" yaml:"stealth"`

	NavigationTimeout time.Duration `json:"navigation_timeout" yaml:"navigation_timeout"`
	IdleThreshold     int           `json:"idle_threshold" yaml:"idle_threshold"` // max in-flight requests considered idle
	IdleWindow        time.Duration `json:"idle_window" yaml:"idle_window"`       // how long the page must stay idle
	ScrollStep        int           `json:"scroll_step" yaml:"scroll_step"`       // pixels per scroll tick
	ScrollInterval    time.Duration `json:"scroll_interval" yaml:"scroll_interval"`
	ScrollTimeout     time.Duration `json:"scroll_timeout" yaml:"scroll_timeout"`
	ResourceTimeout   time.Duration `json:"resource_timeout" yaml:"resource_timeout"`
}

// DefaultConfig returns default browser configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:          2,
		Headless:          true,
		UserAgent:         scrapehttp.BrowserUserAgent,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		IgnoreHTTPSErrors: true,
		NavigationTimeout: 60 * time.Second,
		IdleThreshold:     2,
		IdleWindow:        500 * time.Millisecond,
		ScrollStep:        100,
		ScrollInterval:    100 * time.Millisecond,
		ScrollTimeout:     30 * time.Second,
		ResourceTimeout:   30 * time.Second,
	}
}

// Snapshot is the settled state of a rendered page.
type Snapshot struct {
	URL         string
	FinalURL    string
	HTML        string
	Title       string
	Backgrounds []string // absolute URLs from computed background-image values
	Duration    time.Duration
}

// Browser is one Chrome process owned by a single job. Every fetch runs in
// its own incognito context which is disposed on every exit path.
type Browser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	config   Config

	mu     sync.Mutex
	closed bool
}

// Launch starts a browser process and connects to it.
func Launch(config Config) (*Browser, error) {
	l := launcher.New().Headless(config.Headless)

	if config.BinPath != "" {
		l = l.Bin(config.BinPath)
	}
	if config.IgnoreHTTPSErrors {
		l = l.Set("ignore-certificate-errors", "true")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, errors.NewBrowserError("", "launch", err)
	}

	rb := rod.New().ControlURL(controlURL)
	if err := rb.Connect(); err != nil {
		l.Kill()
		return nil, errors.NewBrowserError("", "connect", err)
	}

	return &Browser{
		browser:  rb,
		launcher: l,
		config:   config,
	}, nil
}

// Fetch navigates to targetURL, waits for the network to settle, scrolls to
// the bottom to trigger lazy loading and captures the resulting document.
func (b *Browser) Fetch(ctx context.Context, targetURL string) (*Snapshot, error) {
	start := time.Now()

	page, release, err := b.open(ctx, targetURL, nil)
	if err != nil {
		return nil, err
	}
	defer release()

	nav := page.Timeout(b.config.NavigationTimeout)
	defer nav.CancelTimeout()

	status, stop := watchDocumentStatus(page)
	defer stop()

	if err := nav.Navigate(targetURL); err != nil {
		return nil, fetchError(ctx, targetURL, "navigate", err)
	}
	if err := nav.WaitLoad(); err != nil {
		return nil, fetchError(ctx, targetURL, "wait_load", err)
	}
	if err := statusError(status(), targetURL); err != nil {
		return nil, err
	}
	if err := waitNetworkIdle(nav, b.config.IdleThreshold, b.config.IdleWindow); err != nil {
		return nil, fetchError(ctx, targetURL, "network_idle", err)
	}

	scroll := page.Timeout(b.config.ScrollTimeout)
	defer scroll.CancelTimeout()
	if err := autoScroll(scroll, b.config.ScrollStep, b.config.ScrollInterval); err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError(targetURL, "scroll")
		}
		// partially scrolled pages are still worth capturing
	}

	snapshot := &Snapshot{URL: targetURL, FinalURL: targetURL}

	if info, err := page.Info(); err == nil && info.URL != "" {
		snapshot.FinalURL = info.URL
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fetchError(ctx, targetURL, "content", err)
	}
	snapshot.HTML = html

	if res, err := page.Eval(`() => document.title || ''`); err == nil {
		snapshot.Title = res.Value.Str()
	}

	values, err := computedBackgrounds(page)
	if err == nil {
		snapshot.Backgrounds = BackgroundURLs(values, snapshot.FinalURL)
	}

	snapshot.Duration = time.Since(start)
	return snapshot, nil
}

// FetchResource navigates an isolated context directly to resourceURL and
// returns the body the browser received. It is the fallback for assets that
// refuse plain HTTP clients.
func (b *Browser) FetchResource(ctx context.Context, resourceURL, referer string) ([]byte, error) {
	var extra map[string]string
	if referer != "" {
		extra = map[string]string{"Referer": referer}
	}

	page, release, err := b.open(ctx, resourceURL, extra)
	if err != nil {
		return nil, err
	}
	defer release()

	p := page.Timeout(b.config.ResourceTimeout)
	defer p.CancelTimeout()

	status, stop := watchDocumentStatus(page)
	defer stop()

	if err := p.Navigate(resourceURL); err != nil {
		return nil, fetchError(ctx, resourceURL, "navigate", err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fetchError(ctx, resourceURL, "wait_load", err)
	}
	// error pages carry a body, so the status decides
	if err := statusError(status(), resourceURL); err != nil {
		return nil, err
	}

	target := resourceURL
	if info, err := p.Info(); err == nil && info.URL != "" {
		target = info.URL
	}

	body, err := p.GetResource(target)
	if err != nil {
		return nil, fetchError(ctx, resourceURL, "get_resource", err)
	}
	if len(body) == 0 {
		return nil, errors.NewEmptyBodyError(resourceURL)
	}
	return body, nil
}

// watchDocumentStatus records the HTTP status of the main frame's document
// response. status reports 0 until a response has been seen. stop ends the
// subscription.
func watchDocumentStatus(page *rod.Page) (status func() int, stop func()) {
	watch, cancel := page.WithCancel()

	var code atomic.Int32
	wait := watch.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
			return false
		}
		if e.FrameID != "" && e.FrameID != page.FrameID {
			return false
		}
		code.Store(int32(e.Response.Status))
		return false
	})
	go wait()

	return func() int { return int(code.Load()) }, cancel
}

// statusError maps a document status to a fetch error. A 404 is terminal,
// 5xx is retryable. Zero means no response was observed.
func statusError(status int, targetURL string) error {
	if status == 0 {
		return nil
	}
	if err := errors.CategorizeHTTPStatus(status, targetURL); err != nil {
		return err
	}
	return nil
}

// open creates an incognito context and a blank page inside it. The returned
// release func disposes both.
func (b *Browser) open(ctx context.Context, targetURL string, extra map[string]string) (*rod.Page, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, errors.NewBrowserError(targetURL, "open", fmt.Errorf("browser is closed"))
	}
	b.mu.Unlock()

	incognito, err := b.browser.Incognito()
	if err != nil {
		return nil, nil, errors.NewBrowserError(targetURL, "incognito", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, nil, errors.NewBrowserError(targetURL, "create_page", err)
	}

	// Disposing the browser context closes the page even when ctx is done.
	release := func() {
		_ = page.Close()
		_ = incognito.Close()
	}

	if err := b.prepare(page, extra); err != nil {
		release()
		return nil, nil, errors.NewBrowserError(targetURL, "prepare_page", err)
	}

	return page.Context(ctx), release, nil
}

func (b *Browser) prepare(page *rod.Page, extra map[string]string) error {
	if b.config.ViewportWidth > 0 && b.config.ViewportHeight > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             b.config.ViewportWidth,
			Height:            b.config.ViewportHeight,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			return err
		}
	}

	if b.config.UserAgent != "" {
		err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      b.config.UserAgent,
			AcceptLanguage: "en-US,en;q=0.9",
		})
		if err != nil {
			return err
		}
	}

	if len(b.config.Headers)+len(extra) > 0 {
		headers := make(proto.NetworkHeaders, len(b.config.Headers)+len(extra))
		for k, v := range b.config.Headers {
			headers[k] = gson.New(v)
		}
		for k, v := range extra {
			headers[k] = gson.New(v)
		}
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: headers}).Call(page); err != nil {
			return err
		}
	}

	if _, err := page.EvalOnNewDocument(networkMonitorScript); err != nil {
		return err
	}
	if b.config.Stealth {
		if _, err := page.EvalOnNewDocument(stealthScript); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down the browser process. It is safe to call more than once.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var err error
	if b.browser != nil {
		err = b.browser.Close()
	}
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
	}
	return err
}

func fetchError(ctx context.Context, targetURL, operation string, err error) error {
	if stderrors.Is(ctx.Err(), context.Canceled) {
		return errors.NewCancelledError(targetURL, operation)
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError(targetURL, operation, err)
	}
	return errors.NewBrowserError(targetURL, operation, err)
}
