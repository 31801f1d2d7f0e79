package discovery

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/PentesterFlow/SiteScape/internal/asset"
)

// ExtractLinks returns the same-host page links of markup in document order,
// resolved against pageURL. Links pointing at asset files are skipped.
func ExtractLinks(markup, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return []string{}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return []string{}
	}

	seen := make(map[string]bool)
	links := make([]string, 0)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved := asset.Resolve(href, base)
		if resolved == "" || seen[resolved] {
			return
		}
		if !asset.SameHost(resolved, pageURL) || asset.HasAssetExt(resolved) {
			return
		}
		seen[resolved] = true
		links = append(links, resolved)
	})
	return links
}
