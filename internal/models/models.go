// Package models holds the records shared by the pipeline, the job store and
// the observers.
package models

import (
	"time"

	"github.com/PentesterFlow/SiteScape/internal/asset"
)

// Job identifies one scrape run.
type Job struct {
	ID        string        `json:"jobId"`
	URL       string        `json:"url"`
	Status    JobStatus     `json:"status"`
	Progress  int           `json:"progress"`
	Assets    asset.Buckets `json:"assets"`
	Metadata  Metadata      `json:"metadata"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// NewJob returns a queued job for seedURL.
func NewJob(id, seedURL string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		URL:       seedURL,
		Status:    StatusQueued,
		Assets:    asset.NewBuckets(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Metadata summarizes a job for observers.
type Metadata struct {
	Title          string    `json:"title,omitempty"`
	TotalPages     int       `json:"totalPages"`
	PagesProcessed int       `json:"pagesProcessed"`
	TotalAssets    int       `json:"totalAssets"`
	AssetsTotal    int       `json:"assetsTotal"`
	ScrapedAt      time.Time `json:"scrapedAt,omitempty"`
	AIAnalysis     string    `json:"aiAnalysis,omitempty"`
}

// PageRecord is one successfully fetched page. It is not mutated after the
// extractor fills Assets.
type PageRecord struct {
	URL    string   `json:"url"`
	HTML   string   `json:"-"`
	Title  string   `json:"title"`
	Assets []string `json:"assets"`
}

// DownloadedAsset is an asset written to disk.
type DownloadedAsset struct {
	URL      string         `json:"url"`
	Category asset.Category `json:"category"`
	Filename string         `json:"filename"`
	Path     string         `json:"path"`
	Size     int64          `json:"size"`
	Success  bool           `json:"success"`
	Fallback bool           `json:"fallback,omitempty"`
}

// LogLevel is the level of an entry on the job log stream.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogAI      LogLevel = "ai"
)

// LogEntry is one structured entry on the job log stream.
type LogEntry struct {
	JobID     string                 `json:"jobId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Category  string                 `json:"category"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Event is one progress update published to observers.
type Event struct {
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Error    string    `json:"error,omitempty"`
}
