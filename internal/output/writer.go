// Package output writes what a finished scrape hands to packaging: the job
// manifest, plus an NDJSON stream of progress for machine consumers.
package output

import (
	"io"

	"github.com/PentesterFlow/SiteScape/internal/models"
)

// Writer defines the interface for output writers.
type Writer interface {
	// WriteManifest writes the complete job manifest
	WriteManifest(m *Manifest) error

	// WriteEvent writes a progress event (for streaming)
	WriteEvent(event *models.Event) error

	// WriteLog writes a log entry (for streaming)
	WriteLog(entry *models.LogEntry) error

	// Flush flushes any buffered output
	Flush() error

	// Close closes the writer
	Close() error
}

// Config holds output configuration.
type Config struct {
	Format string
	Pretty bool
	Stream bool
}

// NewWriter creates a new output writer.
func NewWriter(w io.Writer, config Config) Writer {
	switch config.Format {
	case "json":
		return NewJSONWriter(w, config.Pretty, config.Stream)
	default:
		return NewJSONWriter(w, config.Pretty, config.Stream)
	}
}
