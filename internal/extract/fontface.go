package extract

import (
	"regexp"

	"github.com/PentesterFlow/SiteScape/internal/asset"
)

var fontFacePattern = regexp.MustCompile(`(?is)@font-face\s*\{[^}]*\}`)

var fontExtensions = map[string]bool{
	".woff":  true,
	".woff2": true,
	".ttf":   true,
	".eot":   true,
	".otf":   true,
}

// FontFaceURLs returns the font files referenced from @font-face blocks of a
// stylesheet, resolved against the stylesheet's own URL.
func FontFaceURLs(css, sheetURL string) []string {
	c := newCollector()
	for _, block := range fontFacePattern.FindAllString(css, -1) {
		for _, raw := range CSSURLs(block) {
			resolved := asset.ResolveString(raw, sheetURL)
			if resolved != "" && fontExtensions[asset.Ext(resolved)] {
				c.add(resolved, asset.Fonts)
			}
		}
	}

	urls := make([]string, len(c.refs))
	for i, ref := range c.refs {
		urls[i] = ref.Raw
	}
	return urls
}
