package output

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/PentesterFlow/SiteScape/internal/asset"
	"github.com/PentesterFlow/SiteScape/internal/models"
)

// Bundle is everything a finished scrape hands to the packaging stages.
type Bundle struct {
	Job    *models.Job
	Pages  []PageFile
	Assets []models.DownloadedAsset
	Failed []FailedAsset
	// FailedPages are frontier pages that failed every attempt.
	FailedPages []FailedPage
	// Dir is the job's scrape directory; manifest paths are relative to it.
	Dir       string
	StartedAt time.Time
}

// PageFile is a scraped page and the file its markup was saved to.
type PageFile struct {
	Record models.PageRecord
	Path   string
}

// FailedAsset is an asset that could not be downloaded.
type FailedAsset struct {
	URL      string         `json:"url"`
	Category asset.Category `json:"category"`
	Error    string         `json:"error"`
}

// FailedPage is a page that could not be scraped.
type FailedPage struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Manifest describes the output of one job on disk.
type Manifest struct {
	Job         *models.Job                     `json:"job"`
	GeneratedAt time.Time                       `json:"generatedAt"`
	Pages       []PageEntry                     `json:"pages"`
	Assets      map[asset.Category][]AssetEntry `json:"assets"`
	Failed      []FailedAsset                   `json:"failed,omitempty"`
	FailedPages []FailedPage                    `json:"failedPages,omitempty"`
	Stats       Statistics                      `json:"stats"`
}

// PageEntry is one page in the manifest.
type PageEntry struct {
	URL    string   `json:"url"`
	Title  string   `json:"title"`
	File   string   `json:"file"`
	Assets []string `json:"assets"`
}

// AssetEntry is one downloaded asset in the manifest.
type AssetEntry struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	File     string `json:"file"`
	Size     int64  `json:"size"`
	Fallback bool   `json:"fallback,omitempty"`
}

// Statistics summarizes the job.
type Statistics struct {
	Pages            int           `json:"pages"`
	PagesFailed      int           `json:"pagesFailed"`
	AssetsDownloaded int           `json:"assetsDownloaded"`
	AssetsFailed     int           `json:"assetsFailed"`
	Bytes            int64         `json:"bytes"`
	Duration         time.Duration `json:"duration"`
}

// BuildManifest assembles the manifest for b.
func BuildManifest(b *Bundle) *Manifest {
	m := &Manifest{
		Job:         b.Job,
		GeneratedAt: time.Now().UTC(),
		Pages:       make([]PageEntry, 0, len(b.Pages)),
		Assets:      make(map[asset.Category][]AssetEntry),
		Failed:      b.Failed,
		FailedPages: b.FailedPages,
	}

	for _, p := range b.Pages {
		assets := p.Record.Assets
		if assets == nil {
			assets = []string{}
		}
		m.Pages = append(m.Pages, PageEntry{
			URL:    p.Record.URL,
			Title:  p.Record.Title,
			File:   relative(b.Dir, p.Path),
			Assets: assets,
		})
	}

	for _, c := range asset.Categories {
		m.Assets[c] = []AssetEntry{}
	}
	for _, a := range b.Assets {
		m.Assets[a.Category] = append(m.Assets[a.Category], AssetEntry{
			URL:      a.URL,
			Filename: a.Filename,
			File:     relative(b.Dir, a.Path),
			Size:     a.Size,
			Fallback: a.Fallback,
		})
		m.Stats.Bytes += a.Size
	}
	for _, entries := range m.Assets {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Filename < entries[j].Filename })
	}

	m.Stats.Pages = len(b.Pages)
	m.Stats.AssetsDownloaded = len(b.Assets)
	m.Stats.AssetsFailed = len(b.Failed)
	m.Stats.PagesFailed = len(b.FailedPages)
	if !b.StartedAt.IsZero() {
		m.Stats.Duration = time.Since(b.StartedAt)
	}
	return m
}

func relative(dir, path string) string {
	if dir == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
