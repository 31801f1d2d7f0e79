package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PentesterFlow/SiteScape/internal/advisor"
	"github.com/PentesterFlow/SiteScape/internal/asset"
	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
)

func scan(t *testing.T, pageURL, markup string) *ScanResult {
	t.Helper()
	s, err := NewScanner(pageURL)
	require.NoError(t, err)
	result, err := s.Scan(markup)
	require.NoError(t, err)
	return result
}

func refsByURL(refs []asset.Reference) map[string]asset.Category {
	out := make(map[string]asset.Category, len(refs))
	for _, r := range refs {
		out[r.Raw] = r.Category
	}
	return out
}

// =============================================================================
// Scanner Tests
// =============================================================================

func TestScan_Encodings(t *testing.T) {
	tests := []struct {
		name     string
		markup   string
		want     string
		category asset.Category
	}{
		{"img src", `<img src="/a.jpg">`, "https://example.com/a.jpg", asset.Images},
		{"lazy data-src", `<img data-src="/lazy.png">`, "https://example.com/lazy.png", asset.Images},
		{"data-lazy-src", `<img data-lazy-src="/l2.webp">`, "https://example.com/l2.webp", asset.Images},
		{"data-original", `<img data-original="o.gif">`, "https://example.com/blog/o.gif", asset.Images},
		{"data-bg", `<div><img data-bg="/bg.jpg"></div>`, "https://example.com/bg.jpg", asset.Images},
		{"picture source srcset", `<picture><source srcset="/p-1x.avif 1x, /p-2x.avif 2x"></picture>`, "https://example.com/p-2x.avif", asset.Images},
		{"data-srcset", `<img data-srcset="/s-400.jpg 400w">`, "https://example.com/s-400.jpg", asset.Images},
		{"inline background", `<div style="background-image: url('/hero.jpg')"></div>`, "https://example.com/hero.jpg", asset.Images},
		{"inline background unquoted", `<section style="background:url(/unq.png) no-repeat"></section>`, "https://example.com/unq.png", asset.Images},
		{"stylesheet", `<link rel="stylesheet" href="/s.css">`, "https://example.com/s.css", asset.CSS},
		{"script", `<script src="/app.js"></script>`, "https://example.com/app.js", asset.JS},
		{"video", `<video src="/intro.mp4"></video>`, "https://example.com/intro.mp4", asset.Videos},
		{"video source", `<video><source src="/clip.webm"></video>`, "https://example.com/clip.webm", asset.Videos},
		{"youtube embed", `<iframe src="https://www.youtube.com/embed/abc"></iframe>`, "https://www.youtube.com/embed/abc", asset.Videos},
		{"audio source", `<audio><source src="/song.mp3"></audio>`, "https://example.com/song.mp3", asset.Audio},
		{"document", `<a href="/files/menu.pdf">Menu</a>`, "https://example.com/files/menu.pdf", asset.Documents},
		{"document upper case", `<a href="/files/Report.PDF">Report</a>`, "https://example.com/files/Report.PDF", asset.Documents},
		{"document with query", `<a href="/files/brochure.docx?dl=1">Get</a>`, "https://example.com/files/brochure.docx?dl=1", asset.Documents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := scan(t, "https://example.com/blog/post", tt.markup)
			refs := refsByURL(result.References)
			category, ok := refs[tt.want]
			require.True(t, ok, "missing %s in %v", tt.want, result.References)
			assert.Equal(t, tt.category, category)
		})
	}
}

func TestScan_DropsUnusableReferences(t *testing.T) {
	result := scan(t, "https://example.com/", `
		<img src="data:image/png;base64,AAAA">
		<img src="#">
		<img src="javascript:void(0)">
		<img src="">
		<a href="/about">not an asset</a>
		<iframe src="https://maps.example.com/embed"></iframe>`)

	assert.Empty(t, result.References)
}

func TestScan_DeduplicatesByCanonicalURL(t *testing.T) {
	result := scan(t, "https://example.com/", `
		<img src="/a.jpg">
		<img data-src="/a.jpg#frag">
		<img srcset="https://example.com/a.jpg 2x">
		<div style="background: url(/a.jpg)"></div>`)

	require.Len(t, result.References, 1)
	assert.Equal(t, "https://example.com/a.jpg", result.References[0].Raw)
}

func TestScan_StylesheetsAndTitle(t *testing.T) {
	result := scan(t, "https://example.com/", `<html><head>
		<title> Home </title>
		<link rel="stylesheet" href="/main.css">
		<link rel="preconnect" href="https://fonts.googleapis.com/css2?family=Inter">
		<link rel="stylesheet" href="/main.css">
	</head></html>`)

	assert.Equal(t, "Home", result.Title)
	assert.Equal(t, []string{
		"https://example.com/main.css",
		"https://fonts.googleapis.com/css2?family=Inter",
	}, result.Stylesheets)
}

func TestParseSrcset(t *testing.T) {
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, ParseSrcset("a.jpg 1x, b.jpg 2x"))
	assert.Equal(t, []string{"/only.png"}, ParseSrcset("  /only.png  "))
	assert.Empty(t, ParseSrcset(" , "))
}

func TestCSSURLs(t *testing.T) {
	css := `background: url("/a.png"), url('/b.png'), url( /c.png );`
	assert.Equal(t, []string{"/a.png", "/b.png", "/c.png"}, CSSURLs(css))
}

func TestFontFaceURLs(t *testing.T) {
	css := `
	body { background: url(/bg.png); }
	@font-face {
		font-family: "Inter";
		src: url("../fonts/inter.woff2") format("woff2"),
		     url(../fonts/inter.woff) format("woff"),
		     url(../fonts/inter.svg#inter) format("svg");
	}
	@FONT-FACE { src: url(https://cdn.example.net/x.ttf); }`

	got := FontFaceURLs(css, "https://example.com/assets/css/site.css")
	assert.Equal(t, []string{
		"https://example.com/assets/fonts/inter.woff2",
		"https://example.com/assets/fonts/inter.woff",
		"https://cdn.example.net/x.ttf",
	}, got)
}

// =============================================================================
// Extractor Tests
// =============================================================================

type fakeAssetAdvisor struct {
	hints *advisor.AssetHints
	err   error
}

func (f *fakeAssetAdvisor) AnalyzeAssets(ctx context.Context, html string) (*advisor.AssetHints, error) {
	return f.hints, f.err
}

func newStyleServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		var n int
		if _, err := fmt.Sscanf(r.URL.Path, "/css/%d.css", &n); err != nil {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `@font-face { src: url(/fonts/f%d.woff2); }`, n)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestExtractor_ScansFirstStylesheets(t *testing.T) {
	server := newStyleServer(t)

	markup := ""
	for i := 0; i < 12; i++ {
		markup += fmt.Sprintf(`<link rel="stylesheet" href="/css/%d.css">`, i)
	}

	e := New(scrapehttp.New(scrapehttp.DefaultConfig()), nil, DefaultConfig(), nil)
	result, err := e.Extract(context.Background(), server.URL+"/", markup, nil)
	require.NoError(t, err)

	refs := refsByURL(result.References)
	assert.Equal(t, 10, result.Fonts)
	assert.Equal(t, asset.Fonts, refs[server.URL+"/fonts/f0.woff2"])
	assert.Contains(t, refs, server.URL+"/fonts/f9.woff2")
	assert.NotContains(t, refs, server.URL+"/fonts/f10.woff2")
	assert.Equal(t, asset.CSS, refs[server.URL+"/css/11.css"])
}

func TestExtractor_BackgroundsAndHints(t *testing.T) {
	adv := &fakeAssetAdvisor{hints: &advisor.AssetHints{
		Videos: []string{"/hidden.mp4"},
		Fonts:  []string{"https://example.com/f.woff2"},
		Audio:  []string{"/a.jpg"},
		Images: []string{"/ignored.png"},
	}}

	e := New(nil, adv, DefaultConfig(), nil)
	result, err := e.Extract(context.Background(), "https://example.com/", `<img src="/a.jpg">`, []string{
		"https://example.com/bg.jpg",
		"https://example.com/a.jpg",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.com/a.jpg",
		"https://example.com/bg.jpg",
		"https://example.com/hidden.mp4",
		"https://example.com/f.woff2",
	}, result.URLs())
	assert.Equal(t, 1, result.Backgrounds)
	assert.Equal(t, 2, result.Hinted)
}

func TestExtractor_AdvisorFailureDegradesGracefully(t *testing.T) {
	markup := `<img data-src="/lazy.png"><link rel="stylesheet" href="/s.css">`

	plain := New(nil, nil, DefaultConfig(), nil)
	want, err := plain.Extract(context.Background(), "https://example.com/", markup, nil)
	require.NoError(t, err)

	failing := New(nil, &fakeAssetAdvisor{err: fmt.Errorf("model unavailable")}, DefaultConfig(), nil)
	got, err := failing.Extract(context.Background(), "https://example.com/", markup, nil)
	require.NoError(t, err)

	assert.Equal(t, want.References, got.References)
	assert.Contains(t, got.URLs(), "https://example.com/lazy.png")
}

func TestExtractor_StylesheetFailuresIgnored(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	e := New(scrapehttp.New(scrapehttp.DefaultConfig()), nil, DefaultConfig(), nil)
	result, err := e.Extract(context.Background(), server.URL+"/", `<link rel="stylesheet" href="/missing.css">`, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{server.URL + "/missing.css"}, result.URLs())
	assert.Zero(t, result.Fonts)
}
