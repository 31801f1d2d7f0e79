// Package state holds job-scoped crawl state and persists job records.
package state

import (
	"sync"
	"time"
)

// Manager is the mutable state of a single job: the pages it has visited,
// the asset URLs it has accepted and its running statistics. One Manager
// is created per job and never shared between jobs.
type Manager struct {
	mu         sync.Mutex
	jobID      string
	visited    *Deduplicator
	assets     *Deduplicator
	stats      CrawlStats
	pageErrors []PageError
	startTime  time.Time
}

// NewManager creates the state for jobID.
func NewManager(jobID string, estimatedURLs int) *Manager {
	return &Manager{
		jobID:     jobID,
		visited:   NewDeduplicator(estimatedURLs),
		assets:    NewDeduplicator(estimatedURLs),
		startTime: time.Now(),
	}
}

// JobID returns the id of the job this state belongs to.
func (m *Manager) JobID() string {
	return m.jobID
}

// MarkVisited records a page URL and reports whether it had not been
// visited before.
func (m *Manager) MarkVisited(url string) bool {
	return m.visited.Add(url)
}

// AcceptAsset records a canonical asset URL and reports whether it is new
// to this job.
func (m *Manager) AcceptAsset(url string) bool {
	if !m.assets.Add(url) {
		return false
	}
	m.mu.Lock()
	m.stats.AssetsFound++
	m.mu.Unlock()
	return true
}

// Assets returns the accepted asset URLs in acceptance order.
func (m *Manager) Assets() []string {
	return m.assets.GetAll()
}

// SetPagesDiscovered records the size of the frontier.
func (m *Manager) SetPagesDiscovered(n int) {
	m.mu.Lock()
	m.stats.PagesDiscovered = n
	m.mu.Unlock()
}

// AddPage counts a successfully scraped page.
func (m *Manager) AddPage() {
	m.mu.Lock()
	m.stats.PagesScraped++
	m.mu.Unlock()
}

// AddPageError records a page that failed all attempts.
func (m *Manager) AddPageError(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.PagesFailed++
	m.pageErrors = append(m.pageErrors, PageError{URL: url, Error: err.Error(), Timestamp: time.Now()})
}

// AddDownload counts a finished download attempt.
func (m *Manager) AddDownload(success bool, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.stats.AssetsDownloaded++
		m.stats.BytesTransferred += bytes
	} else {
		m.stats.AssetsFailed++
	}
}

// GetStats returns the current statistics.
func (m *Manager) GetStats() CrawlStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	stats.Duration = time.Since(m.startTime)
	return stats
}

// PageErrors returns the recorded page failures.
func (m *Manager) PageErrors() []PageError {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PageError, len(m.pageErrors))
	copy(out, m.pageErrors)
	return out
}
