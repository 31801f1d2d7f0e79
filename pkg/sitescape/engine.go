// Package sitescape runs scrape jobs: it crawls a bounded set of pages of a
// site with a scripted browser, downloads every asset they reference and
// hands the result to a packaging stage.
package sitescape

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/PentesterFlow/SiteScape/internal/advisor"
	"github.com/PentesterFlow/SiteScape/internal/asset"
	"github.com/PentesterFlow/SiteScape/internal/browser"
	"github.com/PentesterFlow/SiteScape/internal/discovery"
	"github.com/PentesterFlow/SiteScape/internal/download"
	"github.com/PentesterFlow/SiteScape/internal/errors"
	"github.com/PentesterFlow/SiteScape/internal/extract"
	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
	"github.com/PentesterFlow/SiteScape/internal/logger"
	"github.com/PentesterFlow/SiteScape/internal/metrics"
	"github.com/PentesterFlow/SiteScape/internal/models"
	"github.com/PentesterFlow/SiteScape/internal/output"
	"github.com/PentesterFlow/SiteScape/internal/progress"
	"github.com/PentesterFlow/SiteScape/internal/ratelimit"
	"github.com/PentesterFlow/SiteScape/internal/state"
)

// Directory names inside a job's output directory.
const (
	ScrapedDir = "scraped"
	HTMLDir    = "html"
)

// PolicyGate decides whether a URL may be fetched. *ratelimit.RobotsManager
// satisfies it.
type PolicyGate interface {
	IsAllowed(ctx context.Context, targetURL string) bool
}

// Engine is the job pipeline. It holds only shared, read-mostly services;
// everything a job mutates lives on that job's run.
type Engine struct {
	config    *Config
	log       *logger.Logger
	client    *scrapehttp.Client
	browsers  browser.Provider
	gate      PolicyGate
	completer advisor.Completer
	advisor   *advisor.Advisor
	store     state.Store
	reporter  *progress.Reporter
	sinks     []progress.Sink
	handoff   output.Handoff
	metrics   *metrics.Collector

	ownsPool   *browser.Pool
	ownsStore  bool
	ownsClient bool
}

// New creates an engine with the given options.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{config: DefaultConfig()}

	// Apply options
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// Validate config
	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if e.log == nil {
		level := logger.WarnLevel
		if e.config.Debug {
			level = logger.DebugLevel
		} else if e.config.Verbose {
			level = logger.InfoLevel
		}
		e.log = logger.New(logger.Config{
			Level:  level,
			Pretty: true,
		})
	}
	e.log = e.log.WithComponent("engine")

	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	if e.client == nil {
		e.client = scrapehttp.New(e.config.httpClientConfig())
		e.ownsClient = true
	}

	if e.gate == nil && e.config.Robots.Respect {
		e.gate = ratelimit.NewRobotsManager(e.client, e.config.robotsConfig(), e.log)
	}

	if e.browsers == nil {
		e.ownsPool = browser.NewPool(e.config.Browser)
		e.browsers = e.ownsPool
	}

	if e.completer == nil && e.config.LLM.APIKey != "" {
		completer, err := advisor.NewLLMCompleter(e.config.LLM, e.log)
		if err != nil {
			return nil, fmt.Errorf("failed to create text-generation client: %w", err)
		}
		e.completer = completer
	}
	adv, err := advisor.New(e.completer, e.config.Advisor, e.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create advisor: %w", err)
	}
	e.advisor = adv

	if e.store == nil {
		store, err := state.Open(e.config.State.Backend, e.config.State.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open job store: %w", err)
		}
		e.store = store
		e.ownsStore = true
	}

	e.reporter = progress.New(e.store, progress.DefaultConfig(), e.log)
	for _, sink := range e.sinks {
		e.reporter.AddSink(sink)
	}

	if e.handoff == nil {
		e.handoff = &output.ManifestHandoff{Pretty: e.config.PrettyManifest}
	}

	return e, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() *Config {
	return e.config.Clone()
}

// Reporter returns the progress reporter jobs publish to.
func (e *Engine) Reporter() *progress.Reporter {
	return e.reporter
}

// Store returns the job store.
func (e *Engine) Store() state.Store {
	return e.store
}

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// MetricsSnapshot returns a snapshot of current metrics.
func (e *Engine) MetricsSnapshot() *metrics.Snapshot {
	return e.metrics.Snapshot()
}

// AdvisorEnabled reports whether a text-generation backend is configured.
func (e *Engine) AdvisorEnabled() bool {
	return e.advisor.Enabled()
}

// JobDir returns the output directory of a job.
func (e *Engine) JobDir(jobID string) string {
	return filepath.Join(e.config.OutputDir, jobID)
}

// NewJob validates seedURL and registers a queued job for it.
func (e *Engine) NewJob(seedURL string) (*models.Job, error) {
	seed, err := ValidateSeed(seedURL)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(uuid.NewString(), seed)
	if err := e.store.Save(job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	e.reporter.Track(job)
	e.reporter.Log(job.ID, models.LogInfo, "job", "Job queued", map[string]interface{}{"url": seed})
	return job, nil
}

// Close releases the services the engine created. Providers and stores
// passed in through options are left to their owner.
func (e *Engine) Close() error {
	e.reporter.Close()

	var firstErr error
	if e.ownsPool != nil {
		if err := e.ownsPool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.ownsStore {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.ownsClient {
		e.client.Close()
	}
	return firstErr
}

// Run executes the pipeline for job and returns the error that failed it.
// The job always ends completed or failed; a panic anywhere in the pipeline
// fails the job instead of the process.
func (e *Engine) Run(ctx context.Context, job *models.Job) (err error) {
	if _, _, tracked := e.reporter.Current(job.ID); !tracked {
		if _, getErr := e.store.Get(job.ID); stderrors.Is(getErr, state.ErrJobNotFound) {
			if saveErr := e.store.Save(job); saveErr != nil {
				e.log.WithJob(job.ID).WithError(saveErr).Warn("Failed to save job")
			}
		}
		e.reporter.Track(job)
	}

	r := &run{
		engine:  e,
		job:     job,
		log:     e.log.WithJob(job.ID).WithURL(job.URL),
		state:   state.NewManager(job.ID, e.config.Discovery.Budget*64),
		dir:     e.JobDir(job.ID),
		started: time.Now(),
	}
	r.meta = job.Metadata

	e.metrics.RecordJobStarted()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("stack", string(debug.Stack())).Errorf("Pipeline panic: %v", rec)
			err = fmt.Errorf("internal error: %v", rec)
		}
		if err != nil {
			r.fail(ctx, err)
		}
		e.metrics.RecordJobFinished(err == nil)
	}()

	return r.execute(ctx)
}

// run is the per-job context: the visited set, the asset accumulator and
// the browser session belong to it alone.
type run struct {
	engine  *Engine
	job     *models.Job
	meta    models.Metadata
	log     *logger.Logger
	state   *state.Manager
	session browser.Session
	dir     string
	started time.Time
}

func (r *run) execute(ctx context.Context) error {
	e := r.engine

	if err := r.checkPolicy(ctx); err != nil {
		return err
	}

	session, err := e.browsers.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	r.session = session
	defer func() {
		e.browsers.Release(session)
		r.logf(models.LogInfo, "browser", "Browser released", nil)
	}()
	if pool, ok := e.browsers.(*browser.Pool); ok {
		stats := pool.Stats()
		e.metrics.SetBrowserPoolStats(int64(stats.Size), int64(stats.Active))
	}

	r.report(models.StatusAnalyzing, progress.AnalyzingProgress)
	r.analyze(ctx)

	r.report(models.StatusDiscovering, progress.DiscoveringProgress)
	seed, err := r.fetchPage(ctx, r.job.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to scrape seed page: %w", err)
	}

	pages, err := r.discover(ctx, seed)
	if err != nil {
		return err
	}

	records, refs, err := r.scrape(ctx, pages, seed)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no pages were scraped")
	}

	files, err := r.savePages(records)
	if err != nil {
		return err
	}

	report, err := r.download(ctx, refs)
	if err != nil {
		return err
	}

	return r.handoff(ctx, files, report)
}

// checkPolicy runs the robots gate. A disallowed seed fails the job before
// any fetch.
func (r *run) checkPolicy(ctx context.Context) error {
	e := r.engine
	if !e.config.Robots.Respect || e.gate == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.gate.IsAllowed(ctx, r.job.URL) {
		r.logf(models.LogError, "robots", "Scraping disallowed by robots.txt", nil)
		return errors.NewPolicyError(r.job.URL)
	}
	r.logf(models.LogSuccess, "robots", "Robots policy allows scraping", nil)
	return nil
}

// analyze asks the advisor for a site analysis. Failures contribute nothing.
func (r *run) analyze(ctx context.Context) {
	e := r.engine
	if !e.advisor.Enabled() {
		return
	}
	r.logf(models.LogAI, "ai", "Analyzing website", nil)
	analysis, err := e.advisor.AnalyzeWebsite(ctx, r.job.URL)
	if err != nil {
		e.metrics.RecordAdvisoryFailure()
		r.logf(models.LogWarning, "ai", "Website analysis unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	r.meta.AIAnalysis = analysis
	r.logf(models.LogAI, "ai", "Website analysis complete", nil)
}

// fetchPage renders one page, retrying with linear backoff.
func (r *run) fetchPage(ctx context.Context, pageURL string) (*browser.Snapshot, error) {
	e := r.engine
	retrier := errors.NewRetrier(errors.RetryConfig{
		MaxAttempts:  e.config.Page.MaxAttempts,
		InitialDelay: e.config.Page.Backoff,
		Strategy:     errors.Linear,
		RetryableTypes: []errors.ErrorType{
			errors.Network,
			errors.Timeout,
			errors.ServerError,
			errors.RateLimit,
			errors.Browser,
			errors.Unknown,
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			e.metrics.RecordRetry()
			r.log.WithURL(pageURL).WithError(err).WithField("attempt", attempt).WithDuration(delay).Warn("Retrying page")
		},
	})

	e.metrics.RecordRequest()
	snap, result := errors.DoWithResult(ctx, retrier, "navigate", pageURL, func(ctx context.Context) (*browser.Snapshot, error) {
		return r.session.Fetch(ctx, pageURL)
	})
	if !result.Success {
		e.metrics.RecordError(errors.GetErrorType(result.LastError).String())
		if errors.GetErrorType(result.LastError) != errors.Cancelled {
			r.log.ErrorEvent(result.LastError, pageURL, "render_page")
		}
		return nil, result.LastError
	}
	e.metrics.RecordResponseTime(snap.Duration)
	return snap, nil
}

// discover builds the page frontier from the seed.
func (r *run) discover(ctx context.Context, seed *browser.Snapshot) ([]string, error) {
	e := r.engine

	var pageAdvisor discovery.PageAdvisor
	if e.advisor.Enabled() {
		pageAdvisor = e.advisor
	}
	d := discovery.New(e.client, pageAdvisor, e.config.Discovery, r.log)
	if hints, ok := e.gate.(discovery.SitemapHints); ok && e.config.Robots.Respect {
		d.WithSitemapHints(hints)
	}

	result, err := d.Discover(ctx, r.job.URL, seed.HTML)
	if err != nil {
		return nil, err
	}
	for source, msg := range result.Errors {
		if source == discovery.SourceAdvisor {
			e.metrics.RecordAdvisoryFailure()
		}
		r.logf(models.LogWarning, "discovery", "Page source unavailable", map[string]interface{}{
			"source": string(source),
			"error":  msg,
		})
	}

	pages := result.URLs()
	r.state.SetPagesDiscovered(len(pages))
	e.metrics.RecordPagesDiscovered(len(pages))
	r.meta.TotalPages = len(pages)

	found := make(map[string]interface{}, len(result.Found))
	for source, n := range result.Found {
		found[string(source)] = n
	}
	r.logf(models.LogSuccess, "discovery", fmt.Sprintf("Discovered %d pages", len(pages)), found)
	return pages, nil
}

// scrape fetches the frontier one page at a time and extracts assets from
// each page before moving on. Pages after the seed are skipped on failure.
func (r *run) scrape(ctx context.Context, pages []string, seed *browser.Snapshot) ([]models.PageRecord, []asset.Reference, error) {
	e := r.engine

	var assetAdvisor extract.AssetAdvisor
	if e.advisor.Enabled() {
		assetAdvisor = e.advisor
	}
	x := extract.New(e.client, assetAdvisor, e.config.Extract, r.log)

	records := make([]models.PageRecord, 0, len(pages))
	refs := make([]asset.Reference, 0)

	for i, pageURL := range pages {
		if err := ctx.Err(); err != nil {
			return records, refs, err
		}
		r.meta.PagesProcessed = len(records)
		r.report(models.StatusScraping, progress.ScrapeProgress(i, len(pages)))

		if !r.state.MarkVisited(pageURL) {
			continue
		}

		snap := seed
		if i > 0 {
			var err error
			snap, err = r.fetchPage(ctx, pageURL)
			if err != nil {
				if ctx.Err() != nil {
					return records, refs, ctx.Err()
				}
				r.state.AddPageError(pageURL, err)
				e.metrics.RecordPage(false)
				r.logf(models.LogWarning, "scrape", "Skipping page", map[string]interface{}{
					"url":   pageURL,
					"error": err.Error(),
				})
				continue
			}
		}

		result, err := x.Extract(ctx, pageURL, snap.HTML, snap.Backgrounds)
		if err != nil {
			if ctx.Err() != nil {
				return records, refs, ctx.Err()
			}
			r.state.AddPageError(pageURL, err)
			e.metrics.RecordPage(false)
			r.logf(models.LogWarning, "scrape", "Skipping page", map[string]interface{}{
				"url":   pageURL,
				"error": err.Error(),
			})
			continue
		}

		title := snap.Title
		if title == "" {
			title = result.Title
		}
		if r.meta.Title == "" {
			r.meta.Title = title
		}

		added := 0
		for _, ref := range result.References {
			if r.state.AcceptAsset(ref.Raw) {
				refs = append(refs, ref)
				added++
			}
		}

		records = append(records, models.PageRecord{
			URL:    pageURL,
			HTML:   snap.HTML,
			Title:  title,
			Assets: result.URLs(),
		})
		r.state.AddPage()
		e.metrics.RecordPage(true)
		e.metrics.RecordAssetsFound(added)
		r.log.PageEvent(pageURL, i+1, len(pages), snap.Duration)
		r.logf(models.LogSuccess, "scrape", "Scraped page", map[string]interface{}{
			"url":    pageURL,
			"assets": len(result.References),
			"new":    added,
		})
	}

	r.meta.PagesProcessed = len(records)
	return records, refs, nil
}

// savePages writes the markup of every page: the seed as index.html and the
// rest as page-N.html.
func (r *run) savePages(records []models.PageRecord) ([]output.PageFile, error) {
	htmlDir := filepath.Join(r.dir, ScrapedDir, HTMLDir)
	if err := os.MkdirAll(htmlDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create html directory: %w", err)
	}

	files := make([]output.PageFile, 0, len(records))
	for i, rec := range records {
		name := "index.html"
		if i > 0 {
			name = "page-" + strconv.Itoa(i) + ".html"
		}
		path := filepath.Join(htmlDir, name)
		if err := os.WriteFile(path, []byte(rec.HTML), 0644); err != nil {
			return nil, fmt.Errorf("failed to save page %s: %w", rec.URL, err)
		}
		files = append(files, output.PageFile{Record: rec, Path: path})
	}
	return files, nil
}

// download fetches every accepted reference and records the results on the
// job.
func (r *run) download(ctx context.Context, refs []asset.Reference) (*download.Report, error) {
	e := r.engine

	r.meta.TotalAssets = 0
	r.meta.AssetsTotal = len(refs)
	r.report(models.StatusDownloading, progress.DownloadingProgress)
	r.logf(models.LogInfo, "download", fmt.Sprintf("Downloading %d assets", len(refs)), nil)

	var fallback download.ResourceFetcher
	if e.config.Download.BrowserFallback {
		fallback = r.session
	}
	m := download.New(e.client, fallback, e.config.Download, e.metrics, r.log)

	tick := func(p download.Progress) {
		if !p.State.IsTerminal() {
			r.log.WithURL(p.Item.URL).WithField("state", string(p.State)).Debug("Asset state")
			return
		}
		r.meta.TotalAssets = p.Succeeded
		r.meta.AssetsTotal = p.Total
		r.report(models.StatusDownloading, progress.DownloadProgress(p.Attempted, p.Total))
	}

	report, err := m.DownloadAll(ctx, refs, r.job.URL, filepath.Join(r.dir, ScrapedDir), tick)
	if err != nil {
		return nil, err
	}

	buckets := asset.NewBuckets()
	for _, a := range report.Assets {
		buckets.Add(a.Category, a.Filename)
		r.state.AddDownload(true, a.Size)
	}
	for range report.Failed {
		r.state.AddDownload(false, 0)
	}
	r.job.Assets = buckets
	r.engine.reporter.Persist(r.job.ID, func(job *models.Job) {
		job.Assets = buckets
	})

	r.logf(models.LogSuccess, "download", "Downloads finished", map[string]interface{}{
		"downloaded": len(report.Assets),
		"failed":     len(report.Failed),
		"dropped":    report.Dropped,
	})
	return report, nil
}

// handoff runs the packaging stages and completes the job.
func (r *run) handoff(ctx context.Context, files []output.PageFile, report *download.Report) error {
	e := r.engine

	bundle := &output.Bundle{
		Job:       r.job,
		Pages:     files,
		Assets:    report.Assets,
		Failed:    make([]output.FailedAsset, 0, len(report.Failed)),
		Dir:       r.dir,
		StartedAt: r.started,
	}
	for _, f := range report.Failed {
		bundle.Failed = append(bundle.Failed, output.FailedAsset{URL: f.URL, Category: f.Category, Error: f.Error})
	}
	for _, pe := range r.state.PageErrors() {
		bundle.FailedPages = append(bundle.FailedPages, output.FailedPage{URL: pe.URL, Error: pe.Error})
	}

	r.report(models.StatusConverting, progress.ConvertingProgress)
	if err := e.handoff.Convert(ctx, bundle); err != nil {
		return fmt.Errorf("convert failed: %w", err)
	}

	r.report(models.StatusBuilding, progress.BuildingProgress)
	if err := e.handoff.Build(ctx, bundle); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	r.meta.ScrapedAt = time.Now().UTC()
	r.report(models.StatusCompleted, progress.CompletedProgress)

	stats := r.state.GetStats()
	r.log.StatsEvent(map[string]interface{}{
		"pages":        stats.PagesScraped,
		"pages_failed": stats.PagesFailed,
		"assets":       len(bundle.Assets),
		"failed":       len(bundle.Failed),
		"duration":     time.Since(r.started).String(),
	})
	r.logf(models.LogSuccess, "job", "Scrape complete", map[string]interface{}{
		"pages":  len(files),
		"assets": len(bundle.Assets),
	})
	return nil
}

// report publishes a status update and mirrors it on the in-memory job.
func (r *run) report(status models.JobStatus, pct int) {
	meta := r.meta
	event, ok := r.engine.reporter.Report(r.job.ID, status, pct, &meta)
	if !ok {
		return
	}
	r.job.Status = event.Status
	r.job.Progress = event.Progress
	r.job.Metadata = meta
	r.job.UpdatedAt = time.Now().UTC()
}

// fail moves the job to failed with a message describing err.
func (r *run) fail(ctx context.Context, err error) {
	msg := err.Error()
	if ctx.Err() != nil || errors.GetErrorType(err) == errors.Cancelled || stderrors.Is(err, context.Canceled) {
		msg = "job cancelled: " + msg
	}

	event, ok := r.engine.reporter.Fail(r.job.ID, msg)
	if ok {
		r.job.Status = event.Status
		r.job.Error = msg
		r.job.UpdatedAt = time.Now().UTC()
	}
	r.logf(models.LogError, "job", "Scrape failed", map[string]interface{}{"error": msg})
}

func (r *run) logf(level models.LogLevel, category, message string, details map[string]interface{}) {
	r.engine.reporter.Log(r.job.ID, level, category, message, details)
}
