package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/PentesterFlow/SiteScape/internal/models"
)

// ManifestFile is the name of the manifest written into a job directory.
const ManifestFile = "manifest.json"

// Handoff is the packaging stage that consumes a finished scrape. Convert
// runs while the job is converting and Build while it is building. An
// error from either fails the job.
type Handoff interface {
	Convert(ctx context.Context, b *Bundle) error
	Build(ctx context.Context, b *Bundle) error
}

// ManifestHandoff checks the scraped files during Convert and writes
// manifest.json next to them during Build.
type ManifestHandoff struct {
	Pretty bool
}

// Convert verifies that every page and asset in b exists on disk. Missing
// assets are moved to b.Failed; a missing page is an error.
func (h *ManifestHandoff) Convert(ctx context.Context, b *Bundle) error {
	for _, p := range b.Pages {
		if p.Path == "" {
			continue
		}
		if _, err := os.Stat(p.Path); err != nil {
			return fmt.Errorf("page %s: %w", p.Record.URL, err)
		}
	}

	kept := b.Assets[:0]
	for _, a := range b.Assets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.Stat(a.Path); err != nil {
			b.Failed = append(b.Failed, FailedAsset{URL: a.URL, Category: a.Category, Error: err.Error()})
			continue
		}
		kept = append(kept, a)
	}
	b.Assets = kept
	return nil
}

// Build writes the manifest.
func (h *ManifestHandoff) Build(ctx context.Context, b *Bundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(filepath.Join(b.Dir, ManifestFile))
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}

	w := NewJSONWriter(f, h.Pretty, false)
	if err := w.WriteManifest(BuildManifest(b)); err != nil {
		w.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return w.Close()
}

// StreamSink adapts a Writer into a progress sink so a foreground job can
// stream its events as NDJSON.
type StreamSink struct {
	W Writer
}

// PublishEvent writes the event.
func (s StreamSink) PublishEvent(ctx context.Context, event models.Event) error {
	if err := s.W.WriteEvent(&event); err != nil {
		return err
	}
	return s.W.Flush()
}

// PublishLog writes the log entry.
func (s StreamSink) PublishLog(ctx context.Context, entry models.LogEntry) error {
	if err := s.W.WriteLog(&entry); err != nil {
		return err
	}
	return s.W.Flush()
}
