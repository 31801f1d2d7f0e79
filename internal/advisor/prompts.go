package advisor

import (
	"bytes"
	"fmt"
	"text/template"
)

// Prompt names accepted in Config.Prompts.
const (
	PromptDiscoverPages  = "discover_pages"
	PromptAnalyzeAssets  = "analyze_assets"
	PromptAnalyzeWebsite = "analyze_website"
)

var defaultPrompts = map[string]string{
	PromptDiscoverPages: `Analyze this website to discover all pages and navigation structure:

URL: {{.URL}}

HTML Sample:
` + "```html" + `
{{.HTML}}
` + "```" + `

Tasks:
1. Identify all internal links and navigation menus
2. Detect sitemap.xml location if exists
3. Find pagination patterns
4. Discover dynamic routes (e.g., /blog/:slug)
5. Identify multi-language versions
6. Suggest crawling strategy

Return JSON: { "pages": ["url1", "url2"], "sitemap": "url", "patterns": [], "strategy": "description" }`,

	PromptAnalyzeAssets: `Analyze this HTML to find ALL assets including hidden/lazy-loaded ones:

` + "```html" + `
{{.HTML}}
` + "```" + `

Find:
1. All images (including data-src, srcset, background-image in styles)
2. Videos (video tags, embedded players, background videos)
3. Fonts (Google Fonts, custom fonts, @font-face)
4. Icons (SVG, icon fonts, sprite sheets)
5. Audio files
6. Documents (PDFs, etc.)
7. Lazy-loaded content patterns

Return JSON: { "images": [], "videos": [], "fonts": [], "icons": [], "audio": [], "documents": [], "lazyPatterns": [] }`,

	PromptAnalyzeWebsite: `Analyze the website at {{.URL}} for structure, animations, and data flows. Describe:
1. Key sections (header, footer, navigation, content blocks)
2. Detected animations and transitions (CSS/JS based)
3. Interactive elements (forms, sliders, modals, etc.)
4. Asset-heavy areas (galleries, background videos, custom fonts)
5. Responsive design considerations

Format your response as a structured JSON with these keys: sections, animations, interactions, assets, responsive.`,
}

type promptData struct {
	URL  string
	HTML string
}

// promptSet renders the prompt templates, with per-name overrides.
type promptSet struct {
	templates map[string]*template.Template
}

func newPromptSet(overrides map[string]string) (*promptSet, error) {
	set := &promptSet{templates: make(map[string]*template.Template)}

	for name, text := range defaultPrompts {
		if custom, ok := overrides[name]; ok && custom != "" {
			text = custom
		}
		tmpl, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse prompt %q: %w", name, err)
		}
		set.templates[name] = tmpl
	}

	for name := range overrides {
		if _, ok := defaultPrompts[name]; !ok {
			return nil, fmt.Errorf("unknown prompt %q", name)
		}
	}
	return set, nil
}

func (s *promptSet) render(name string, data promptData) (string, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return buf.String(), nil
}

// sample returns at most n bytes of s without splitting a UTF-8 sequence.
func sample(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
