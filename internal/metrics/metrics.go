// Package metrics provides metrics collection for scrape jobs.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects and aggregates metrics. A Collector may be shared by
// concurrent jobs; every method is safe for concurrent use.
type Collector struct {
	// Jobs
	jobsStarted   atomic.Int64
	jobsCompleted atomic.Int64
	jobsFailed    atomic.Int64
	activeJobs    atomic.Int64

	// Pages
	pagesDiscovered atomic.Int64
	pagesScraped    atomic.Int64
	pagesFailed     atomic.Int64

	// Assets
	assetsFound      atomic.Int64
	assetsDropped    atomic.Int64
	assetsDownloaded atomic.Int64
	assetsFailed     atomic.Int64
	fallbacks        atomic.Int64
	bytesTotal       atomic.Int64

	requestsTotal    atomic.Int64
	retriesTotal     atomic.Int64
	advisoryFailures atomic.Int64

	// Response time tracking
	responseTimesSum atomic.Int64
	responseTimesNum atomic.Int64

	// Histograms (buckets for response times in ms)
	responseTimeBuckets [10]atomic.Int64 // <10, <50, <100, <250, <500, <1000, <2500, <5000, <10000, >=10000

	// Gauges
	browserPoolSize  atomic.Int64
	browserPoolInUse atomic.Int64

	// Error breakdown
	errorCounts map[string]*atomic.Int64
	errorMu     sync.RWMutex

	// Status code breakdown
	statusCodes map[int]*atomic.Int64
	statusMu    sync.RWMutex

	startTime atomic.Int64
}

// New creates a new metrics collector.
func New() *Collector {
	c := &Collector{
		errorCounts: make(map[string]*atomic.Int64),
		statusCodes: make(map[int]*atomic.Int64),
	}
	c.startTime.Store(time.Now().UnixNano())
	return c
}

// RecordJobStarted counts a job entering the pipeline.
func (c *Collector) RecordJobStarted() {
	c.jobsStarted.Add(1)
	c.activeJobs.Add(1)
}

// RecordJobFinished counts a job reaching a terminal state.
func (c *Collector) RecordJobFinished(success bool) {
	if success {
		c.jobsCompleted.Add(1)
	} else {
		c.jobsFailed.Add(1)
	}
	c.activeJobs.Add(-1)
}

// RecordRequest records an outgoing request (page navigation or asset GET).
func (c *Collector) RecordRequest() {
	c.requestsTotal.Add(1)
}

// RecordError records an error by type.
func (c *Collector) RecordError(errorType string) {
	c.errorMu.Lock()
	if c.errorCounts[errorType] == nil {
		c.errorCounts[errorType] = &atomic.Int64{}
	}
	c.errorCounts[errorType].Add(1)
	c.errorMu.Unlock()
}

// RecordResponseTime records a response time.
func (c *Collector) RecordResponseTime(d time.Duration) {
	ms := d.Milliseconds()
	c.responseTimesSum.Add(ms)
	c.responseTimesNum.Add(1)
	c.responseTimeBuckets[bucket(ms)].Add(1)
}

func bucket(ms int64) int {
	switch {
	case ms < 10:
		return 0
	case ms < 50:
		return 1
	case ms < 100:
		return 2
	case ms < 250:
		return 3
	case ms < 500:
		return 4
	case ms < 1000:
		return 5
	case ms < 2500:
		return 6
	case ms < 5000:
		return 7
	case ms < 10000:
		return 8
	default:
		return 9
	}
}

// RecordStatusCode records an HTTP status code.
func (c *Collector) RecordStatusCode(code int) {
	c.statusMu.Lock()
	if c.statusCodes[code] == nil {
		c.statusCodes[code] = &atomic.Int64{}
	}
	c.statusCodes[code].Add(1)
	c.statusMu.Unlock()
}

// RecordPagesDiscovered adds n pages to the discovered count.
func (c *Collector) RecordPagesDiscovered(n int) {
	c.pagesDiscovered.Add(int64(n))
}

// RecordPage counts a page fetch outcome.
func (c *Collector) RecordPage(success bool) {
	if success {
		c.pagesScraped.Add(1)
	} else {
		c.pagesFailed.Add(1)
	}
}

// RecordAssetsFound adds n extracted references.
func (c *Collector) RecordAssetsFound(n int) {
	c.assetsFound.Add(int64(n))
}

// RecordAssetDropped counts a reference rejected before any request.
func (c *Collector) RecordAssetDropped() {
	c.assetsDropped.Add(1)
}

// RecordAsset counts a finished asset download.
func (c *Collector) RecordAsset(success bool, bytes int64) {
	if success {
		c.assetsDownloaded.Add(1)
		c.bytesTotal.Add(bytes)
	} else {
		c.assetsFailed.Add(1)
	}
}

// RecordFallback counts an asset recovered through the browser.
func (c *Collector) RecordFallback() {
	c.fallbacks.Add(1)
}

// RecordRetry records a retry attempt.
func (c *Collector) RecordRetry() {
	c.retriesTotal.Add(1)
}

// RecordAdvisoryFailure counts a swallowed advisor failure.
func (c *Collector) RecordAdvisoryFailure() {
	c.advisoryFailures.Add(1)
}

// SetBrowserPoolStats sets browser pool statistics.
func (c *Collector) SetBrowserPoolStats(size, inUse int64) {
	c.browserPoolSize.Store(size)
	c.browserPoolInUse.Store(inUse)
}

// GetAverageResponseTime returns the average response time.
func (c *Collector) GetAverageResponseTime() time.Duration {
	sum := c.responseTimesSum.Load()
	num := c.responseTimesNum.Load()
	if num == 0 {
		return 0
	}
	return time.Duration(sum/num) * time.Millisecond
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:           time.Now(),
		Uptime:              time.Since(time.Unix(0, c.startTime.Load())),
		JobsStarted:         c.jobsStarted.Load(),
		JobsCompleted:       c.jobsCompleted.Load(),
		JobsFailed:          c.jobsFailed.Load(),
		ActiveJobs:          c.activeJobs.Load(),
		PagesDiscovered:     c.pagesDiscovered.Load(),
		PagesScraped:        c.pagesScraped.Load(),
		PagesFailed:         c.pagesFailed.Load(),
		AssetsFound:         c.assetsFound.Load(),
		AssetsDropped:       c.assetsDropped.Load(),
		AssetsDownloaded:    c.assetsDownloaded.Load(),
		AssetsFailed:        c.assetsFailed.Load(),
		Fallbacks:           c.fallbacks.Load(),
		BytesTotal:          c.bytesTotal.Load(),
		RequestsTotal:       c.requestsTotal.Load(),
		RetriesTotal:        c.retriesTotal.Load(),
		AdvisoryFailures:    c.advisoryFailures.Load(),
		BrowserPoolSize:     c.browserPoolSize.Load(),
		BrowserPoolInUse:    c.browserPoolInUse.Load(),
		AverageResponseTime: c.GetAverageResponseTime(),
		ErrorCounts:         make(map[string]int64),
		StatusCodes:         make(map[int]int64),
		ResponseTimeHist:    make([]int64, 10),
	}

	c.errorMu.RLock()
	for k, v := range c.errorCounts {
		s.ErrorCounts[k] = v.Load()
		s.ErrorsTotal += v.Load()
	}
	c.errorMu.RUnlock()

	c.statusMu.RLock()
	for k, v := range c.statusCodes {
		s.StatusCodes[k] = v.Load()
	}
	c.statusMu.RUnlock()

	for i := 0; i < 10; i++ {
		s.ResponseTimeHist[i] = c.responseTimeBuckets[i].Load()
	}

	return s
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp           time.Time        `json:"timestamp"`
	Uptime              time.Duration    `json:"uptime"`
	JobsStarted         int64            `json:"jobs_started"`
	JobsCompleted       int64            `json:"jobs_completed"`
	JobsFailed          int64            `json:"jobs_failed"`
	ActiveJobs          int64            `json:"active_jobs"`
	PagesDiscovered     int64            `json:"pages_discovered"`
	PagesScraped        int64            `json:"pages_scraped"`
	PagesFailed         int64            `json:"pages_failed"`
	AssetsFound         int64            `json:"assets_found"`
	AssetsDropped       int64            `json:"assets_dropped"`
	AssetsDownloaded    int64            `json:"assets_downloaded"`
	AssetsFailed        int64            `json:"assets_failed"`
	Fallbacks           int64            `json:"fallbacks"`
	BytesTotal          int64            `json:"bytes_total"`
	RequestsTotal       int64            `json:"requests_total"`
	RetriesTotal        int64            `json:"retries_total"`
	AdvisoryFailures    int64            `json:"advisory_failures"`
	ErrorsTotal         int64            `json:"errors_total"`
	BrowserPoolSize     int64            `json:"browser_pool_size"`
	BrowserPoolInUse    int64            `json:"browser_pool_in_use"`
	AverageResponseTime time.Duration    `json:"average_response_time"`
	ErrorCounts         map[string]int64 `json:"error_counts"`
	StatusCodes         map[int]int64    `json:"status_codes"`
	ResponseTimeHist    []int64          `json:"response_time_histogram"`
}

// ErrorRate returns the error rate (errors/requests).
func (s *Snapshot) ErrorRate() float64 {
	if s.RequestsTotal == 0 {
		return 0
	}
	return float64(s.ErrorsTotal) / float64(s.RequestsTotal)
}

// DownloadSuccessRate returns downloaded / (downloaded + failed).
func (s *Snapshot) DownloadSuccessRate() float64 {
	attempted := s.AssetsDownloaded + s.AssetsFailed
	if attempted == 0 {
		return 0
	}
	return float64(s.AssetsDownloaded) / float64(attempted)
}

// BrowserPoolUtilization returns the browser pool utilization (0-1).
func (s *Snapshot) BrowserPoolUtilization() float64 {
	if s.BrowserPoolSize == 0 {
		return 0
	}
	return float64(s.BrowserPoolInUse) / float64(s.BrowserPoolSize)
}

// Summary returns a human-readable summary.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":                s.Uptime.String(),
		"active_jobs":           s.ActiveJobs,
		"jobs_completed":        s.JobsCompleted,
		"jobs_failed":           s.JobsFailed,
		"pages_scraped":         s.PagesScraped,
		"assets_downloaded":     s.AssetsDownloaded,
		"download_success_rate": s.DownloadSuccessRate(),
		"fallbacks":             s.Fallbacks,
		"retries_total":         s.RetriesTotal,
		"advisory_failures":     s.AdvisoryFailures,
		"error_rate":            s.ErrorRate(),
		"avg_response_time_ms":  s.AverageResponseTime.Milliseconds(),
		"browser_pool_util":     s.BrowserPoolUtilization(),
	}
}
