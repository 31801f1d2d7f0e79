package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/PentesterFlow/SiteScape/internal/asset"
	"github.com/PentesterFlow/SiteScape/internal/metrics"
	"github.com/PentesterFlow/SiteScape/internal/models"
)

// Display renders a progress bar for a foreground job.
type Display struct {
	mu      sync.Mutex
	out     io.Writer
	started bool
	stopped bool

	startTime time.Time
	target    string
	last      models.Event

	lastLine string
}

// NewDisplay creates a display writing to out (stderr when nil).
func NewDisplay(out io.Writer) *Display {
	if out == nil {
		out = os.Stderr
	}
	return &Display{out: out}
}

// Start begins the progress display.
func (d *Display) Start(target string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}

	d.started = true
	d.startTime = time.Now()
	d.target = target
}

// Update redraws the bar for event.
func (d *Display) Update(event models.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return
	}
	d.last = event

	barWidth := 30
	filled := event.Progress * barWidth / 100
	if filled > barWidth {
		filled = barWidth
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	line := fmt.Sprintf("\r[%s] %3d%% | %-11s", bar, event.Progress, event.Status)
	if m := event.Metadata; m != nil {
		line += fmt.Sprintf(" | Pages: %d/%d | Assets: %d/%d", m.PagesProcessed, m.TotalPages, m.TotalAssets, m.AssetsTotal)
	}
	line += " | " + formatDuration(time.Since(d.startTime))

	if len(line) < len(d.lastLine) {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine)))
	}
	fmt.Fprint(d.out, line)
	d.lastLine = line
}

// Stop stops the progress display.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}

	d.stopped = true
	fmt.Fprintln(d.out)
}

// PrintSummary prints the outcome of job. snap may be nil.
func (d *Display) PrintSummary(job *models.Job, snap *metrics.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	duration := time.Since(d.startTime)
	title := "Scrape Complete"
	if job.Status == models.StatusFailed {
		title = "Scrape Failed"
	}

	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintf(d.out, "║%s║\n", centre(title, 62))
	fmt.Fprintln(d.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(d.out)
	fmt.Fprintf(d.out, "  Job:                 %s\n", job.ID)
	fmt.Fprintf(d.out, "  Target:              %s\n", truncateURL(job.URL, 50))
	if job.Metadata.Title != "" {
		fmt.Fprintf(d.out, "  Title:               %s\n", truncateURL(job.Metadata.Title, 50))
	}
	fmt.Fprintf(d.out, "  Duration:            %s\n", formatDuration(duration))
	fmt.Fprintf(d.out, "  Pages Scraped:       %d\n", job.Metadata.TotalPages)
	fmt.Fprintf(d.out, "  Assets Downloaded:   %d of %d\n", job.Metadata.TotalAssets, job.Metadata.AssetsTotal)
	for _, c := range asset.Categories {
		if n := len(job.Assets[c]); n > 0 {
			fmt.Fprintf(d.out, "    %-18s %d\n", c.String()+":", n)
		}
	}
	if job.Error != "" {
		fmt.Fprintf(d.out, "  Error:               %s\n", job.Error)
	}

	if snap != nil {
		fmt.Fprintln(d.out)
		fmt.Fprintf(d.out, "  Downloaded:          %s\n", humanize.Bytes(uint64(snap.BytesTotal)))
		fmt.Fprintf(d.out, "  Retries:             %d\n", snap.RetriesTotal)
		fmt.Fprintf(d.out, "  Browser Fallbacks:   %d\n", snap.Fallbacks)
		fmt.Fprintf(d.out, "  Success Rate:        %.1f%%\n", snap.DownloadSuccessRate()*100)
	}
	fmt.Fprintln(d.out)
}

// Last returns the most recent event drawn.
func (d *Display) Last() models.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func centre(s string, width int) string {
	n := len([]rune(s))
	if n >= width {
		return s
	}
	left := (width - n) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-n-left)
}

// truncateURL truncates a URL to maxLen characters.
func truncateURL(url string, maxLen int) string {
	if len(url) <= maxLen {
		return url
	}
	return url[:maxLen-3] + "..."
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
