package discovery

import (
	"bytes"
	"context"
	"encoding/xml"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
)

// SitemapParser fetches {origin}/sitemap.xml and returns the page URLs it
// lists for that origin.
type SitemapParser struct {
	client   *scrapehttp.Client
	timeout  time.Duration
	maxDepth int
}

// SitemapURL represents a URL entry in a sitemap.
type SitemapURL struct {
	Loc        string  `xml:"loc"`
	LastMod    string  `xml:"lastmod"`
	ChangeFreq string  `xml:"changefreq"`
	Priority   float64 `xml:"priority"`
}

// Sitemap represents a sitemap.xml structure.
type Sitemap struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []SitemapURL `xml:"url"`
}

// SitemapIndex represents a sitemap index file.
type SitemapIndex struct {
	XMLName  xml.Name       `xml:"sitemapindex"`
	Sitemaps []SitemapEntry `xml:"sitemap"`
}

// SitemapEntry represents an entry in a sitemap index.
type SitemapEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

// NewSitemapParser creates a new sitemap parser. followIndex allows one
// level of sitemap index indirection.
func NewSitemapParser(client *scrapehttp.Client, timeout time.Duration, followIndex bool) *SitemapParser {
	depth := 0
	if followIndex {
		depth = 1
	}
	return &SitemapParser{
		client:   client,
		timeout:  timeout,
		maxDepth: depth,
	}
}

// Discover returns the <url><loc> entries of {origin}/sitemap.xml, and of
// any extra sitemap roots, that belong to origin. The error is reported only
// when no root could be read.
func (p *SitemapParser) Discover(ctx context.Context, origin string, extra ...string) ([]string, error) {
	origin = strings.TrimRight(origin, "/")

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	seen := make(map[string]bool)
	roots := append([]string{origin + "/sitemap.xml"}, extra...)

	var entries []SitemapURL
	var firstErr error
	read := 0
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if !strings.HasPrefix(root, "http://") && !strings.HasPrefix(root, "https://") {
			continue
		}
		found, err := p.parseSitemap(ctx, root, 0, seen)
		if err != nil {
			if ctx.Err() != nil {
				return []string{}, err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		read++
		entries = append(entries, found...)
	}
	if read == 0 && firstErr != nil {
		return []string{}, firstErr
	}

	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		loc := strings.TrimSpace(entry.Loc)
		if loc != "" && belongsTo(loc, origin) {
			urls = append(urls, loc)
		}
	}
	return urls, nil
}

// parseSitemap fetches and parses a sitemap.
func (p *SitemapParser) parseSitemap(ctx context.Context, sitemapURL string, depth int, seen map[string]bool) ([]SitemapURL, error) {
	if seen[sitemapURL] {
		return nil, nil
	}
	seen[sitemapURL] = true

	resp, err := p.client.Get(ctx, sitemapURL, map[string]string{
		"Accept": "application/xml,text/xml;q=0.9,*/*;q=0.8",
	})
	if err != nil {
		return nil, err
	}

	// Try parsing as sitemap index first
	var index SitemapIndex
	if err := decodeXML(resp.Body, &index); err == nil && len(index.Sitemaps) > 0 {
		if depth >= p.maxDepth {
			return nil, nil
		}
		all := make([]SitemapURL, 0)
		for _, entry := range index.Sitemaps {
			urls, err := p.parseSitemap(ctx, strings.TrimSpace(entry.Loc), depth+1, seen)
			if err != nil {
				if ctx.Err() != nil {
					return all, err
				}
				continue
			}
			all = append(all, urls...)
		}
		return all, nil
	}

	var sitemap Sitemap
	if err := decodeXML(resp.Body, &sitemap); err != nil {
		return nil, err
	}
	return sitemap.URLs, nil
}

func decodeXML(data []byte, v interface{}) error {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.CharsetReader = charset.NewReaderLabel
	return decoder.Decode(v)
}

// belongsTo reports whether u starts with origin at a path boundary.
func belongsTo(u, origin string) bool {
	if !strings.HasPrefix(u, origin) {
		return false
	}
	rest := u[len(origin):]
	return rest == "" || rest[0] == '/' || rest[0] == '?'
}
