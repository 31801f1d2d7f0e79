// Package discovery builds the page frontier of a job from the seed page,
// the site's sitemap, static links and advisor suggestions.
package discovery

// Source records where a frontier URL came from.
type Source string

const (
	SourceSeed    Source = "seed"
	SourceSitemap Source = "sitemap"
	SourceLinks   Source = "links"
	SourceAdvisor Source = "advisor"
)

// Page is one frontier entry.
type Page struct {
	URL    string `json:"url"`
	Source Source `json:"source"`
}

// Result is the outcome of a discovery run. Pages always starts with the
// seed and never exceeds the configured budget.
type Result struct {
	Pages []Page `json:"pages"`
	// Found counts unique candidates per source before the budget cut.
	Found map[Source]int `json:"found"`
	// OutOfScope counts candidates rejected by the page scope.
	OutOfScope int `json:"outOfScope,omitempty"`
	// Errors holds per-source failures that were tolerated.
	Errors map[Source]string `json:"errors,omitempty"`
}

// URLs returns the frontier URLs in order.
func (r *Result) URLs() []string {
	out := make([]string, len(r.Pages))
	for i, p := range r.Pages {
		out[i] = p.URL
	}
	return out
}
