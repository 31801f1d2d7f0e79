// Package extract finds every asset reference a page makes: markup
// attributes, lazy-load attributes, srcset lists, inline backgrounds,
// stylesheet @font-face rules, computed backgrounds and advisor hints.
package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/PentesterFlow/SiteScape/internal/asset"
)

// imageAttributes are read on every image-bearing element, in order.
var imageAttributes = []string{
	"src",
	"data-src",
	"data-lazy-src",
	"data-original",
	"data-lazy",
	"data-image",
	"data-bg",
}

var srcsetAttributes = []string{"srcset", "data-srcset"}

// documentExts are the link targets collected as documents. The extension
// is read from the resolved path, so case and query strings do not matter.
var documentExts = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".zip":  true,
}

var cssURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'")]+?)['"]?\s*\)`)

// Scanner scans page markup for asset references.
type Scanner struct {
	baseURL *url.URL
}

// NewScanner creates a scanner resolving references against pageURL.
func NewScanner(pageURL string) (*Scanner, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	return &Scanner{baseURL: u}, nil
}

// ScanResult contains the references found in a document.
type ScanResult struct {
	References []asset.Reference
	// Stylesheets lists stylesheet URLs in document order, including font
	// provider stylesheets, for the @font-face scan.
	Stylesheets []string
	Title       string
}

// Scan parses markup and returns the resolved, deduplicated references in
// document order.
func (s *Scanner) Scan(markup string) (*ScanResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, err
	}

	c := newCollector()
	result := &ScanResult{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}

	// Images and lazy-loaded images
	doc.Find("img, source").Each(func(i int, sel *goquery.Selection) {
		// media sources are handled below
		if sel.Is("source") && sel.Parent().Is("video, audio") {
			return
		}
		for _, attr := range imageAttributes {
			if v, ok := sel.Attr(attr); ok {
				c.add(s.resolve(v), asset.Images)
			}
		}
		for _, attr := range srcsetAttributes {
			if v, ok := sel.Attr(attr); ok {
				for _, candidate := range ParseSrcset(v) {
					c.add(s.resolve(candidate), asset.Images)
				}
			}
		}
	})

	// Inline style backgrounds
	doc.Find(`[style*="background"]`).Each(func(i int, sel *goquery.Selection) {
		style, _ := sel.Attr("style")
		for _, raw := range CSSURLs(style) {
			c.add(s.resolve(raw), asset.Images)
		}
	})

	// Videos, including embeds from known hosts
	doc.Find(`video[src], video source[src], iframe[src*="youtube"], iframe[src*="vimeo"]`).Each(func(i int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		c.add(s.resolve(src), asset.Videos)
	})

	// Audio
	doc.Find("audio[src], audio source[src]").Each(func(i int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		c.add(s.resolve(src), asset.Audio)
	})

	// Stylesheets
	sheets := make(map[string]bool)
	doc.Find(`link[rel="stylesheet"], link[href*="fonts.googleapis.com"]`).Each(func(i int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved := s.resolve(href)
		if resolved == "" {
			return
		}
		if rel, _ := sel.Attr("rel"); strings.Contains(strings.ToLower(rel), "stylesheet") {
			c.add(resolved, asset.CSS)
		}
		if !sheets[resolved] {
			sheets[resolved] = true
			result.Stylesheets = append(result.Stylesheets, resolved)
		}
	})

	// Scripts
	doc.Find("script[src]").Each(func(i int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		c.add(s.resolve(src), asset.JS)
	})

	// Documents
	doc.Find("a[href]").Each(func(i int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved := s.resolve(href)
		if resolved != "" && documentExts[asset.Ext(resolved)] {
			c.add(resolved, asset.Documents)
		}
	})

	result.References = c.refs
	return result, nil
}

func (s *Scanner) resolve(raw string) string {
	return asset.Resolve(raw, s.baseURL)
}

// ParseSrcset returns the URL part of each comma-separated candidate,
// dropping width and density descriptors.
func ParseSrcset(srcset string) []string {
	urls := make([]string, 0)
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		urls = append(urls, fields[0])
	}
	return urls
}

// CSSURLs returns the arguments of every url(...) in css, unquoted.
func CSSURLs(css string) []string {
	matches := cssURLPattern.FindAllStringSubmatch(css, -1)
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		if v := strings.TrimSpace(m[1]); v != "" {
			urls = append(urls, v)
		}
	}
	return urls
}

// collector keeps the first category seen for each canonical URL.
type collector struct {
	seen map[string]bool
	refs []asset.Reference
}

func newCollector() *collector {
	return &collector{seen: make(map[string]bool)}
}

func (c *collector) add(resolved string, category asset.Category) bool {
	if resolved == "" || c.seen[resolved] {
		return false
	}
	c.seen[resolved] = true
	c.refs = append(c.refs, asset.Reference{Raw: resolved, Category: category})
	return true
}
