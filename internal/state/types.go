package state

import (
	"time"
)

// CrawlStats contains statistics about one job's crawl.
type CrawlStats struct {
	PagesDiscovered  int           `json:"pages_discovered"`
	PagesScraped     int           `json:"pages_scraped"`
	PagesFailed      int           `json:"pages_failed"`
	AssetsFound      int           `json:"assets_found"`
	AssetsDownloaded int           `json:"assets_downloaded"`
	AssetsFailed     int           `json:"assets_failed"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Duration         time.Duration `json:"duration"`
}

// PageError records a page that could not be fetched.
type PageError struct {
	URL       string    `json:"url"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
