// Package download fetches the assets of a job to disk with validation,
// deduplication, retries, pacing and a browser fallback for images.
package download

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PentesterFlow/SiteScape/internal/asset"
	"github.com/PentesterFlow/SiteScape/internal/errors"
	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
	"github.com/PentesterFlow/SiteScape/internal/logger"
	"github.com/PentesterFlow/SiteScape/internal/metrics"
	"github.com/PentesterFlow/SiteScape/internal/models"
	"github.com/PentesterFlow/SiteScape/internal/ratelimit"
	"github.com/PentesterFlow/SiteScape/internal/state"
)

// ResourceFetcher loads a resource through a real browser. browser.Session
// satisfies it.
type ResourceFetcher interface {
	FetchResource(ctx context.Context, resourceURL, referer string) ([]byte, error)
}

// Config holds download configuration. Request timeout and redirect limits
// belong to the HTTP client.
type Config struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff           time.Duration `json:"backoff" yaml:"backoff"`
	Pacing            time.Duration `json:"pacing" yaml:"pacing"`
	HostPacing        time.Duration `json:"host_pacing" yaml:"host_pacing"` // per asset host, on top of Pacing
	Concurrency       int           `json:"concurrency" yaml:"concurrency"`
	BrowserFallback   bool          `json:"browser_fallback" yaml:"browser_fallback"`
	VerifyContentType bool          `json:"verify_content_type" yaml:"verify_content_type"`
}

// DefaultConfig returns the default download configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		Backoff:         time.Second,
		Pacing:          100 * time.Millisecond,
		Concurrency:     1,
		BrowserFallback: true,
	}
}

// Item is a validated, named asset ready to download.
type Item struct {
	URL      string
	Category asset.Category
	Filename string
}

// Failure describes an asset that failed every attempt.
type Failure struct {
	URL      string         `json:"url"`
	Category asset.Category `json:"category"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error"`
}

// Report is the outcome of DownloadAll.
type Report struct {
	// Assets holds the successful downloads in input order.
	Assets  []models.DownloadedAsset `json:"assets"`
	Failed  []Failure                `json:"failed"`
	Dropped int                      `json:"dropped"`
	Total   int                      `json:"total"`
}

// Progress is passed to the tick callback on every asset state change.
// Attempted only counts assets that reached a terminal state.
type Progress struct {
	Attempted int
	Succeeded int
	Total     int
	Item      Item
	State     models.AssetState
	Err       error
}

// Tick observes download progress. Calls are serialized.
type Tick func(p Progress)

// Manager downloads assets.
type Manager struct {
	client   *scrapehttp.Client
	fallback ResourceFetcher
	limiter  *ratelimit.Limiter
	retrier  *errors.Retrier
	config   Config
	metrics  *metrics.Collector
	log      *logger.Logger
}

// New creates a download manager. fallback may be nil to disable the
// browser path; collector may be nil.
func New(client *scrapehttp.Client, fallback ResourceFetcher, config Config, collector *metrics.Collector, log *logger.Logger) *Manager {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.Pacing < 0 {
		config.Pacing = 0
	}
	if config.HostPacing < 0 {
		config.HostPacing = 0
	}
	if collector == nil {
		collector = metrics.New()
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("download")

	retryConfig := errors.DefaultRetryConfig()
	retryConfig.MaxAttempts = config.MaxAttempts
	retryConfig.InitialDelay = config.Backoff
	retryConfig.Strategy = errors.Linear
	retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
		collector.RecordRetry()
		log.WithError(err).WithField("attempt", attempt).WithDuration(delay).Debug("Retrying download")
	}

	limiter := ratelimit.NewLimiter(config.Pacing)
	limiter.SetDomainInterval(config.HostPacing)

	return &Manager{
		client:   client,
		fallback: fallback,
		limiter:  limiter,
		retrier:  errors.NewRetrier(retryConfig),
		config:   config,
		metrics:  collector,
		log:      log,
	}
}

// Plan resolves references against baseURL, drops the ones that fail
// validation, collapses duplicates by canonical URL and assigns each
// survivor a job-unique filename. It makes no network calls.
func Plan(refs []asset.Reference, baseURL string, namer *Namer) (items []Item, dropped int) {
	seen := state.NewDeduplicator(len(refs))
	items = make([]Item, 0, len(refs))

	for _, ref := range refs {
		u := asset.ResolveString(ref.Raw, baseURL)
		if u == "" || !asset.IsValid(u) {
			dropped++
			continue
		}
		if !seen.Add(u) {
			continue
		}

		category := ref.Category
		if !category.IsValid() || category == asset.Other {
			category = asset.Classify(u)
		}
		items = append(items, Item{
			URL:      u,
			Category: category,
			Filename: namer.Name(u, category),
		})
	}
	return items, dropped
}

// DownloadAll downloads every planned reference into destDir/<category>/.
// Individual failures are logged and reported, never returned. The only
// error is cancellation of ctx, in which case the partial report is
// returned with it.
func (m *Manager) DownloadAll(ctx context.Context, refs []asset.Reference, baseURL, destDir string, tick Tick) (*Report, error) {
	items, dropped := Plan(refs, baseURL, NewNamer())
	for i := 0; i < dropped; i++ {
		m.metrics.RecordAssetDropped()
	}

	report := &Report{
		Assets:  make([]models.DownloadedAsset, 0, len(items)),
		Failed:  make([]Failure, 0),
		Dropped: dropped,
		Total:   len(items),
	}
	m.log.WithFields(map[string]interface{}{
		"total":   len(items),
		"dropped": dropped,
	}).Info("Starting asset downloads")

	results := make([]*models.DownloadedAsset, len(items))
	failures := make([]*Failure, len(items))

	var mu sync.Mutex
	attempted, succeeded := 0, 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)

	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		i, item := i, item
		g.Go(func() error {
			if err := m.limiter.WaitDomain(gctx, hostOf(item.URL)); err != nil {
				return err
			}

			observe := func(s models.AssetState) {
				if tick == nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				tick(Progress{Attempted: attempted, Succeeded: succeeded, Total: len(items), Item: item, State: s})
			}

			downloaded, attempts, err := m.fetchItem(gctx, item, baseURL, destDir, observe)
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			attempted++
			p := Progress{Attempted: attempted, Total: len(items), Item: item, Err: err}
			if err == nil {
				succeeded++
				results[i] = downloaded
				p.State = models.AssetSucceeded
				m.log.AssetEvent(item.URL, string(item.Category), item.Filename, downloaded.Size)
			} else {
				failures[i] = &Failure{URL: item.URL, Category: item.Category, Attempts: attempts, Error: err.Error()}
				p.State = models.AssetFailed
				m.log.WithCategory(string(item.Category)).WithURL(item.URL).WithError(err).Warn("Asset download failed")
			}
			p.Succeeded = succeeded
			if tick != nil {
				tick(p)
			}
			return nil
		})
	}
	waitErr := g.Wait()

	stats := m.limiter.Stats()
	m.log.WithFields(map[string]interface{}{
		"succeeded": succeeded,
		"attempted": attempted,
		"hosts":     stats.DomainCount,
	}).Debug("Asset downloads finished")

	for i := range items {
		if results[i] != nil {
			report.Assets = append(report.Assets, *results[i])
		}
		if failures[i] != nil {
			report.Failed = append(report.Failed, *failures[i])
		}
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if waitErr != nil {
		return report, waitErr
	}
	return report, nil
}

// fetchItem downloads one item, falling back to the browser for images.
func (m *Manager) fetchItem(ctx context.Context, item Item, referer, destDir string, observe func(models.AssetState)) (*models.DownloadedAsset, int, error) {
	dest := filepath.Join(destDir, string(item.Category), item.Filename)

	size, attempts, err := m.download(ctx, item.URL, item.Category, dest, referer, observe)
	fallback := false
	if err != nil && ctx.Err() == nil && item.Category == asset.Images && m.config.BrowserFallback && m.fallback != nil {
		m.log.WithURL(item.URL).Infof("Retrying image through the browser: %s", item.Filename)
		observe(models.AssetDownloading)
		var fbErr error
		size, fbErr = m.browserDownload(ctx, item.URL, dest, referer)
		if fbErr == nil {
			err = nil
			fallback = true
			m.metrics.RecordFallback()
		} else {
			err = fmt.Errorf("%w (browser fallback: %v)", err, fbErr)
		}
	}

	m.metrics.RecordAsset(err == nil, size)
	if err != nil {
		m.metrics.RecordError(errors.GetErrorType(err).String())
		return nil, attempts, err
	}

	return &models.DownloadedAsset{
		URL:      item.URL,
		Category: item.Category,
		Filename: item.Filename,
		Path:     dest,
		Size:     size,
		Success:  true,
		Fallback: fallback,
	}, attempts, nil
}

// Download fetches rawURL to destPath with the retry policy and reports the
// number of bytes written.
func (m *Manager) Download(ctx context.Context, rawURL, destPath, referer string) (int64, error) {
	size, _, err := m.download(ctx, rawURL, asset.Classify(rawURL), destPath, referer, nil)
	return size, err
}

// download runs the per-asset state machine: pending, validating,
// downloading, then succeeded or failed. A retryable failure goes back to
// pending.
func (m *Manager) download(ctx context.Context, rawURL string, category asset.Category, destPath, referer string, observe func(models.AssetState)) (int64, int, error) {
	if observe == nil {
		observe = func(models.AssetState) {}
	}
	headers := map[string]string{}
	if referer != "" {
		headers["Referer"] = referer
	}

	attempt := 0
	body, result := errors.DoWithResult(ctx, m.retrier, "download", rawURL, func(ctx context.Context) ([]byte, error) {
		attempt++
		if attempt > 1 {
			observe(models.AssetPending)
		}
		observe(models.AssetValidating)
		if !asset.IsValid(rawURL) {
			return nil, errors.NewValidationError(rawURL, "not a downloadable asset URL")
		}

		observe(models.AssetDownloading)
		m.metrics.RecordRequest()
		resp, err := m.client.Get(ctx, rawURL, headers)
		if resp != nil {
			m.metrics.RecordStatusCode(resp.StatusCode)
			m.metrics.RecordResponseTime(resp.Duration)
		}
		if err != nil {
			return nil, err
		}
		if len(resp.Body) == 0 {
			return nil, errors.NewEmptyBodyError(rawURL)
		}
		if m.config.VerifyContentType {
			if err := verifyContentType(rawURL, category, resp.ContentType, resp.Body); err != nil {
				return nil, err
			}
		}
		return resp.Body, nil
	})
	if !result.Success {
		return 0, result.Attempts, result.LastError
	}

	if err := writeFile(destPath, body); err != nil {
		return 0, result.Attempts, err
	}
	return int64(len(body)), result.Attempts, nil
}

func (m *Manager) browserDownload(ctx context.Context, rawURL, destPath, referer string) (int64, error) {
	m.metrics.RecordRequest()
	body, err := m.fallback.FetchResource(ctx, rawURL, referer)
	if err != nil {
		return 0, err
	}
	if len(body) == 0 {
		return 0, errors.NewEmptyBodyError(rawURL)
	}
	if err := writeFile(destPath, body); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

// verifyContentType rejects image responses that neither declare nor sniff
// as an image.
func verifyContentType(rawURL string, category asset.Category, declared string, body []byte) error {
	if category != asset.Images {
		return nil
	}
	declared = strings.ToLower(declared)
	if strings.HasPrefix(declared, "image/") {
		return nil
	}
	sniffed := http.DetectContentType(body)
	if strings.HasPrefix(sniffed, "image/") {
		return nil
	}
	// SVG sniffs as XML and is often served as text/plain
	if strings.Contains(sniffed, "xml") && strings.Contains(strings.ToLower(string(body[:min(len(body), 512)])), "<svg") {
		return nil
	}
	return errors.NewValidationError(rawURL, fmt.Sprintf("expected image content, got %q (sniffed %q)", declared, sniffed))
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
