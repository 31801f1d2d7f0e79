package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PentesterFlow/SiteScape/internal/advisor"
	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
)

func testClient() *scrapehttp.Client {
	return scrapehttp.New(scrapehttp.DefaultConfig())
}

func urlset(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, loc := range locs {
		fmt.Fprintf(&b, "<url><loc>%s</loc></url>", loc)
	}
	b.WriteString("</urlset>")
	return b.String()
}

type fakeAdvisor struct {
	pages []string
	err   error
	calls int
}

func (f *fakeAdvisor) DiscoverPages(ctx context.Context, pageURL, html string) (*advisor.PageSuggestions, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &advisor.PageSuggestions{Pages: f.pages}, nil
}

// =============================================================================
// Sitemap Tests
// =============================================================================

func TestSitemapParser_FiltersByOrigin(t *testing.T) {
	var origin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sitemap.xml" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, urlset(
			origin+"/about",
			origin+"/blog/post-1",
			"https://other.example.org/page",
			origin+"evil.test/page",
		))
	}))
	defer server.Close()
	origin = server.URL

	p := NewSitemapParser(testClient(), 5*time.Second, true)
	got, err := p.Discover(context.Background(), origin)

	require.NoError(t, err)
	assert.Equal(t, []string{origin + "/about", origin + "/blog/post-1"}, got)
}

func TestSitemapParser_FollowsIndexOneLevel(t *testing.T) {
	var origin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprintf(w, `<sitemapindex><sitemap><loc>%s/pages.xml</loc></sitemap><sitemap><loc>%s/nested.xml</loc></sitemap></sitemapindex>`, origin, origin)
		case "/pages.xml":
			fmt.Fprint(w, urlset(origin+"/a", origin+"/b"))
		case "/nested.xml":
			fmt.Fprintf(w, `<sitemapindex><sitemap><loc>%s/deep.xml</loc></sitemap></sitemapindex>`, origin)
		case "/deep.xml":
			fmt.Fprint(w, urlset(origin+"/too-deep"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	origin = server.URL

	p := NewSitemapParser(testClient(), 5*time.Second, true)
	got, err := p.Discover(context.Background(), origin)

	require.NoError(t, err)
	assert.Equal(t, []string{origin + "/a", origin + "/b"}, got)
}

func TestSitemapParser_MissingOrBroken(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }},
		{"not xml", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "<html>nope") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			p := NewSitemapParser(testClient(), 5*time.Second, true)
			got, err := p.Discover(context.Background(), server.URL)
			assert.Error(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestSitemapParser_ExtraRoots(t *testing.T) {
	var origin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemaps/pages.xml":
			fmt.Fprint(w, urlset(origin+"/pricing", origin+"/docs"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	origin = server.URL

	p := NewSitemapParser(testClient(), 5*time.Second, true)
	got, err := p.Discover(context.Background(), origin, origin+"/sitemaps/pages.xml", "not-a-url")

	require.NoError(t, err, "a readable extra root hides the missing default")
	assert.Equal(t, []string{origin + "/pricing", origin + "/docs"}, got)
}

func TestBelongsTo(t *testing.T) {
	assert.True(t, belongsTo("https://example.com", "https://example.com"))
	assert.True(t, belongsTo("https://example.com/a", "https://example.com"))
	assert.True(t, belongsTo("https://example.com?x=1", "https://example.com"))
	assert.False(t, belongsTo("https://example.com.evil.io/a", "https://example.com"))
	assert.False(t, belongsTo("http://example.com/a", "https://example.com"))
}

// =============================================================================
// Link Tests
// =============================================================================

func TestExtractLinks(t *testing.T) {
	markup := `<html><body>
		<a href="/about">About</a>
		<a href="contact#form">Contact</a>
		<a href="#top">Top</a>
		<a href="https://example.com/about">Dup</a>
		<a href="https://twitter.com/example">Social</a>
		<a href="mailto:hi@example.com">Mail</a>
		<a href="/files/brochure.pdf">PDF</a>
		<a href="javascript:void(0)">JS</a>
	</body></html>`

	got := ExtractLinks(markup, "https://example.com/")
	assert.Equal(t, []string{"https://example.com/about", "https://example.com/contact"}, got)
}

// =============================================================================
// Discoverer Tests
// =============================================================================

func TestDiscover_BudgetBound(t *testing.T) {
	var origin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		locs := make([]string, 500)
		for i := range locs {
			locs[i] = fmt.Sprintf("%s/page-%d", origin, i)
		}
		fmt.Fprint(w, urlset(locs...))
	}))
	defer server.Close()
	origin = server.URL

	d := New(testClient(), nil, DefaultConfig(), nil)
	result, err := d.Discover(context.Background(), origin, "<html></html>")

	require.NoError(t, err)
	assert.Len(t, result.Pages, 10)
	assert.Equal(t, origin+"/", result.Pages[0].URL)
	assert.Equal(t, SourceSeed, result.Pages[0].Source)
	assert.Equal(t, 500, result.Found[SourceSitemap])
}

func TestDiscover_MergesSourcesSeedFirst(t *testing.T) {
	var origin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sitemap.xml" {
			fmt.Fprint(w, urlset(origin+"/", origin+"/from-sitemap", origin+"/shared"))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()
	origin = server.URL

	adv := &fakeAdvisor{pages: []string{"/from-advisor", "https://elsewhere.example/x", "/shared"}}
	markup := `<a href="/shared">s</a><a href="/from-links">l</a>`

	d := New(testClient(), adv, DefaultConfig(), nil)
	result, err := d.Discover(context.Background(), origin+"/", markup)
	require.NoError(t, err)

	assert.Equal(t, []string{
		origin + "/",
		origin + "/from-sitemap",
		origin + "/shared",
		origin + "/from-links",
		origin + "/from-advisor",
	}, result.URLs())
	assert.Equal(t, SourceAdvisor, result.Pages[4].Source)
	assert.Equal(t, 1, adv.calls)
}

func TestDiscover_AdvisorFailureDegradesGracefully(t *testing.T) {
	var origin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sitemap.xml" {
			fmt.Fprint(w, urlset(origin+"/a"))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()
	origin = server.URL

	markup := `<a href="/b">b</a>`

	plain := New(testClient(), nil, DefaultConfig(), nil)
	want, err := plain.Discover(context.Background(), origin, markup)
	require.NoError(t, err)

	failing, err := advisor.New(advisor.CompleterFunc(func(ctx context.Context, p string) (string, error) {
		return "", fmt.Errorf("model unavailable")
	}), advisor.DefaultConfig(), nil)
	require.NoError(t, err)

	d := New(testClient(), failing, DefaultConfig(), nil)
	got, err := d.Discover(context.Background(), origin, markup)
	require.NoError(t, err)

	assert.Equal(t, want.URLs(), got.URLs())
	assert.Contains(t, got.Errors, SourceAdvisor)
}

func TestDiscover_NoSitemapStillReturnsSeed(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	d := New(testClient(), nil, DefaultConfig(), nil)
	result, err := d.Discover(context.Background(), server.URL+"/start#intro", "")

	require.NoError(t, err)
	assert.Equal(t, []string{server.URL + "/start"}, result.URLs())
	assert.Contains(t, result.Errors, SourceSitemap)
}

type fakeHints map[string][]string

func (f fakeHints) Sitemaps(targetURL string) []string {
	return f[targetURL]
}

func TestDiscover_UsesSitemapHints(t *testing.T) {
	var origin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/news-sitemap.xml" {
			fmt.Fprint(w, urlset(origin+"/news/1"))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()
	origin = server.URL

	d := New(testClient(), nil, DefaultConfig(), nil).
		WithSitemapHints(fakeHints{origin + "/": {origin + "/news-sitemap.xml"}})
	result, err := d.Discover(context.Background(), origin+"/", "")

	require.NoError(t, err)
	assert.Equal(t, []string{origin + "/", origin + "/news/1"}, result.URLs())
	assert.Equal(t, 1, result.Found[SourceSitemap])
	assert.NotContains(t, result.Errors, SourceSitemap)
}

func TestDiscover_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(testClient(), nil, DefaultConfig(), nil)
	_, err := d.Discover(ctx, server.URL, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiscover_AppliesScope(t *testing.T) {
	var origin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sitemap.xml" {
			fmt.Fprint(w, urlset(origin+"/blog/one", origin+"/shop/two", origin+"/blog/logout"))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()
	origin = server.URL

	config := DefaultConfig()
	config.Scope.Include = []string{`/blog/`}
	markup := `<a href="/blog/three">3</a><a href="/about">a</a>`

	d := New(testClient(), nil, config, nil)
	result, err := d.Discover(context.Background(), origin+"/", markup)
	require.NoError(t, err)

	assert.Equal(t, []string{
		origin + "/",
		origin + "/blog/one",
		origin + "/blog/three",
	}, result.URLs())
	assert.Equal(t, 3, result.OutOfScope)
}

func TestDiscover_InvalidScopeIsIgnored(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	config := DefaultConfig()
	config.Scope.Include = []string{"("}
	d := New(testClient(), nil, config, nil)
	result, err := d.Discover(context.Background(), server.URL, `<a href="/x">x</a>`)

	require.NoError(t, err)
	assert.Equal(t, []string{server.URL + "/", server.URL + "/x"}, result.URLs())
}
