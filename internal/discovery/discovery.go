package discovery

import (
	"context"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PentesterFlow/SiteScape/internal/advisor"
	"github.com/PentesterFlow/SiteScape/internal/asset"
	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
	"github.com/PentesterFlow/SiteScape/internal/logger"
	"github.com/PentesterFlow/SiteScape/internal/scope"
	"github.com/PentesterFlow/SiteScape/internal/state"
)

// PageAdvisor suggests additional pages for a site. *advisor.Advisor
// satisfies it.
type PageAdvisor interface {
	DiscoverPages(ctx context.Context, pageURL, html string) (*advisor.PageSuggestions, error)
}

// SitemapHints names sitemaps announced for a site, such as the Sitemap
// directives of its robots.txt. *ratelimit.RobotsManager satisfies it.
type SitemapHints interface {
	Sitemaps(targetURL string) []string
}

// Config holds discovery configuration.
type Config struct {
	Budget         int           `json:"budget" yaml:"budget"`
	SitemapTimeout time.Duration `json:"sitemap_timeout" yaml:"sitemap_timeout"`
	FollowIndex    bool          `json:"follow_sitemap_index" yaml:"follow_sitemap_index"`
	UseSitemap     bool          `json:"use_sitemap" yaml:"use_sitemap"`
	UseLinks       bool          `json:"use_links" yaml:"use_links"`
	UseAdvisor     bool          `json:"use_advisor" yaml:"use_advisor"`
	Scope          scope.Rules   `json:"scope" yaml:"scope"`
}

// DefaultConfig returns the default discovery configuration.
func DefaultConfig() Config {
	return Config{
		Budget:         10,
		SitemapTimeout: 10 * time.Second,
		FollowIndex:    true,
		UseSitemap:     true,
		UseLinks:       true,
		UseAdvisor:     true,
		Scope:          scope.DefaultRules(),
	}
}

// Discoverer merges the page sources into one bounded frontier.
type Discoverer struct {
	config  Config
	sitemap *SitemapParser
	advisor PageAdvisor
	hints   SitemapHints
	scope   *scope.Checker
	log     *logger.Logger
}

// New creates a discoverer. adv may be nil.
func New(client *scrapehttp.Client, adv PageAdvisor, config Config, log *logger.Logger) *Discoverer {
	if config.Budget <= 0 {
		config.Budget = 10
	}
	if config.SitemapTimeout <= 0 {
		config.SitemapTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("discovery")

	checker, err := scope.NewChecker(config.Scope)
	if err != nil {
		log.WithError(err).Warn("Ignoring invalid page scope")
		checker = nil
	}
	return &Discoverer{
		config:  config,
		sitemap: NewSitemapParser(client, config.SitemapTimeout, config.FollowIndex),
		advisor: adv,
		scope:   checker,
		log:     log,
	}
}

// WithSitemapHints adds the sitemaps named by hints to the sitemap source.
func (d *Discoverer) WithSitemapHints(hints SitemapHints) *Discoverer {
	d.hints = hints
	return d
}

// Budget returns the crawl budget.
func (d *Discoverer) Budget() int {
	return d.config.Budget
}

// Discover returns the frontier for seedURL: the seed first, then sitemap,
// link and advisor candidates in that order, deduplicated by canonical URL
// and truncated to the budget. Source failures are recorded in the result and
// never returned; only cancellation of ctx produces an error.
func (d *Discoverer) Discover(ctx context.Context, seedURL, seedMarkup string) (*Result, error) {
	seed := canonicalPage(seedURL, seedURL)
	if seed == "" {
		seed = seedURL
	}

	var sitemapURLs, linkURLs, advisorURLs []string
	var sitemapErr, advisorErr error

	g, gctx := errgroup.WithContext(ctx)
	if d.config.UseSitemap && d.sitemap.client != nil {
		g.Go(func() error {
			var extra []string
			if d.hints != nil {
				extra = d.hints.Sitemaps(seed)
			}
			sitemapURLs, sitemapErr = d.sitemap.Discover(gctx, asset.Origin(seed), extra...)
			return nil
		})
	}
	if d.config.UseAdvisor && d.advisor != nil {
		g.Go(func() error {
			advisorURLs, advisorErr = d.suggested(gctx, seed, seedMarkup)
			return nil
		})
	}
	if d.config.UseLinks {
		linkURLs = ExtractLinks(seedMarkup, seed)
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{
		Pages:  make([]Page, 0, d.config.Budget),
		Found:  make(map[Source]int),
		Errors: make(map[Source]string),
	}
	if sitemapErr != nil {
		result.Errors[SourceSitemap] = sitemapErr.Error()
		d.log.WithError(sitemapErr).Debug("Sitemap unavailable")
	}
	if advisorErr != nil {
		result.Errors[SourceAdvisor] = advisorErr.Error()
		d.log.WithError(advisorErr).Warn("Advisor page discovery failed")
	}

	seen := state.NewDeduplicator(len(sitemapURLs) + len(linkURLs) + len(advisorURLs) + 1)
	add := func(u string, src Source) {
		if src != SourceSeed && d.scope != nil && !d.scope.Allows(u, seed) {
			result.OutOfScope++
			return
		}
		if !seen.Add(u) {
			return
		}
		result.Found[src]++
		if len(result.Pages) < d.config.Budget {
			result.Pages = append(result.Pages, Page{URL: u, Source: src})
		}
	}

	add(seed, SourceSeed)
	for _, u := range sitemapURLs {
		if c := canonicalPage(u, seed); c != "" {
			add(c, SourceSitemap)
		}
	}
	for _, u := range linkURLs {
		add(canonicalPage(u, seed), SourceLinks)
	}
	for _, u := range advisorURLs {
		add(u, SourceAdvisor)
	}

	d.log.WithFields(map[string]interface{}{
		"pages":   len(result.Pages),
		"sitemap": result.Found[SourceSitemap],
		"links":   result.Found[SourceLinks],
		"advisor": result.Found[SourceAdvisor],
		"skipped": result.OutOfScope,
	}).Info("Discovery finished")

	return result, nil
}

// suggested returns the same-host pages named by the advisor.
func (d *Discoverer) suggested(ctx context.Context, seed, markup string) ([]string, error) {
	suggestions, err := d.advisor.DiscoverPages(ctx, seed, markup)
	if err != nil {
		return nil, err
	}
	if suggestions == nil {
		return nil, nil
	}

	urls := make([]string, 0, len(suggestions.Pages))
	for _, p := range suggestions.Pages {
		resolved := canonicalPage(p, seed)
		if resolved != "" && asset.SameHost(resolved, seed) {
			urls = append(urls, resolved)
		}
	}
	return urls, nil
}

// canonicalPage resolves raw against base and gives an empty path its root
// slash, so https://example.com and https://example.com/ are one page.
func canonicalPage(raw, base string) string {
	resolved := asset.ResolveString(raw, base)
	if resolved == "" {
		return ""
	}
	u, err := url.Parse(resolved)
	if err != nil {
		return resolved
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
