package extract

import (
	"context"
	"time"

	"github.com/PentesterFlow/SiteScape/internal/advisor"
	"github.com/PentesterFlow/SiteScape/internal/asset"
	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
	"github.com/PentesterFlow/SiteScape/internal/logger"
)

// AssetAdvisor suggests asset references hidden in markup. *advisor.Advisor
// satisfies it.
type AssetAdvisor interface {
	AnalyzeAssets(ctx context.Context, html string) (*advisor.AssetHints, error)
}

// Config holds extractor configuration.
type Config struct {
	StylesheetLimit   int           `json:"stylesheet_limit" yaml:"stylesheet_limit"`
	StylesheetTimeout time.Duration `json:"stylesheet_timeout" yaml:"stylesheet_timeout"`
	UseAdvisor        bool          `json:"use_advisor" yaml:"use_advisor"`
}

// DefaultConfig returns the default extractor configuration.
func DefaultConfig() Config {
	return Config{
		StylesheetLimit:   10,
		StylesheetTimeout: 10 * time.Second,
		UseAdvisor:        true,
	}
}

// Extractor combines the markup scan with the sources that need network
// access.
type Extractor struct {
	client  *scrapehttp.Client
	advisor AssetAdvisor
	config  Config
	log     *logger.Logger
}

// Result is the outcome of extracting one page.
type Result struct {
	References  []asset.Reference
	Title       string
	Stylesheets int
	Fonts       int
	Backgrounds int
	Hinted      int
}

// URLs returns the reference URLs in order.
func (r *Result) URLs() []string {
	out := make([]string, len(r.References))
	for i, ref := range r.References {
		out[i] = ref.Raw
	}
	return out
}

// New creates an extractor. client is used for stylesheet fetches and may be
// nil to skip the @font-face scan; adv may be nil.
func New(client *scrapehttp.Client, adv AssetAdvisor, config Config, log *logger.Logger) *Extractor {
	if config.StylesheetLimit < 0 {
		config.StylesheetLimit = 0
	}
	if config.StylesheetTimeout <= 0 {
		config.StylesheetTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Extractor{
		client:  client,
		advisor: adv,
		config:  config,
		log:     log.WithComponent("extract"),
	}
}

// Extract returns every deduplicated asset reference of a fetched page.
// backgrounds are the computed background-image URLs reported by the
// browser. Stylesheet and advisor failures only reduce the result.
func (e *Extractor) Extract(ctx context.Context, pageURL, markup string, backgrounds []string) (*Result, error) {
	scanner, err := NewScanner(pageURL)
	if err != nil {
		return nil, err
	}
	scan, err := scanner.Scan(markup)
	if err != nil {
		return nil, err
	}

	c := newCollector()
	for _, ref := range scan.References {
		c.add(ref.Raw, ref.Category)
	}
	result := &Result{Title: scan.Title, Stylesheets: len(scan.Stylesheets)}

	for _, font := range e.scanStylesheets(ctx, scan.Stylesheets) {
		if c.add(font, asset.Fonts) {
			result.Fonts++
		}
	}

	for _, bg := range backgrounds {
		if c.add(scanner.resolve(bg), asset.Images) {
			result.Backgrounds++
		}
	}

	if e.config.UseAdvisor && e.advisor != nil && ctx.Err() == nil {
		hints, err := e.advisor.AnalyzeAssets(ctx, markup)
		if err != nil {
			e.log.WithURL(pageURL).WithError(err).Warn("Advisor asset analysis failed")
		} else if hints != nil {
			add := func(values []string, category asset.Category) {
				for _, v := range values {
					if c.add(scanner.resolve(v), category) {
						result.Hinted++
					}
				}
			}
			add(hints.Videos, asset.Videos)
			add(hints.Fonts, asset.Fonts)
			add(hints.Audio, asset.Audio)
		}
	}

	result.References = c.refs
	if result.References == nil {
		result.References = []asset.Reference{}
	}

	e.log.WithURL(pageURL).WithFields(map[string]interface{}{
		"references":  len(result.References),
		"fonts":       result.Fonts,
		"backgrounds": result.Backgrounds,
		"hinted":      result.Hinted,
	}).Debug("Extracted assets")

	return result, nil
}

// scanStylesheets fetches up to the configured number of stylesheets and
// collects their @font-face files.
func (e *Extractor) scanStylesheets(ctx context.Context, sheets []string) []string {
	if e.client == nil || e.config.StylesheetLimit == 0 {
		return nil
	}
	if len(sheets) > e.config.StylesheetLimit {
		sheets = sheets[:e.config.StylesheetLimit]
	}

	fonts := make([]string, 0)
	for _, sheet := range sheets {
		if ctx.Err() != nil {
			break
		}
		css, err := e.client.GetText(ctx, sheet, e.config.StylesheetTimeout)
		if err != nil {
			e.log.WithURL(sheet).WithError(err).Debug("Stylesheet fetch failed")
			continue
		}
		fonts = append(fonts, FontFaceURLs(css, sheet)...)
	}
	return fonts
}
