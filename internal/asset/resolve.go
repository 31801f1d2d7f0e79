package asset

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

var rejectedPrefixes = []string{"#", "javascript:", "mailto:", "tel:", "data:"}

// Resolve turns a raw reference into a canonical absolute URL: resolved
// against base, fragment removed. It returns "" for fragment-only,
// javascript:, mailto:, tel: and data: references, for anything that does
// not parse, and for schemes other than http and https.
func Resolve(raw string, base *url.URL) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	lower := strings.ToLower(raw)
	for _, p := range rejectedPrefixes {
		if strings.HasPrefix(lower, p) {
			return ""
		}
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	resolved := ref
	if base != nil {
		resolved = base.ResolveReference(ref)
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	if resolved.Host == "" {
		return ""
	}

	resolved.Fragment = ""
	resolved.RawFragment = ""
	return resolved.String()
}

// ResolveString is Resolve with a string base.
func ResolveString(raw, base string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return Resolve(raw, b)
}

// Origin returns scheme://host[:port] for u, or "" when u does not parse.
func Origin(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// SameHost reports whether a and b share a host (including port).
func SameHost(a, b string) bool {
	pa, err := url.Parse(a)
	if err != nil {
		return false
	}
	pb, err := url.Parse(b)
	if err != nil {
		return false
	}
	return pa.Host != "" && strings.EqualFold(pa.Host, pb.Host)
}

var extensionTable = map[string]Category{
	".jpg": Images, ".jpeg": Images, ".png": Images, ".gif": Images,
	".svg": Images, ".webp": Images, ".ico": Images, ".bmp": Images,

	".mp4": Videos, ".webm": Videos, ".ogg": Videos, ".avi": Videos, ".mov": Videos,

	".woff": Fonts, ".woff2": Fonts, ".ttf": Fonts, ".otf": Fonts, ".eot": Fonts,

	".css": CSS,

	".js": JS, ".mjs": JS,

	".mp3": Audio, ".wav": Audio, ".m4a": Audio,

	".pdf": Documents, ".doc": Documents, ".docx": Documents, ".zip": Documents,
}

var imageQueryPattern = regexp.MustCompile(`\.(jpg|jpeg|png|gif|webp|svg|ico|bmp)\?`)

var imagePathHints = []string{"/image", "/img", "/photo", "/picture"}

// Classify maps a URL to a category by extension first, then by the image
// heuristics used for extension-less CDN and resizing endpoints. It is a pure
// function of its input.
func Classify(u string) Category {
	if c, ok := extensionTable[Ext(u)]; ok {
		return c
	}

	lower := strings.ToLower(u)
	for _, hint := range imagePathHints {
		if strings.Contains(lower, hint) {
			return Images
		}
	}
	if strings.Contains(lower, "cdn") && (strings.Contains(lower, "?") || strings.Contains(lower, "=")) {
		return Images
	}
	if imageQueryPattern.MatchString(lower) {
		return Images
	}

	return Other
}

// Ext returns the lower-cased extension of the URL path, ignoring any query
// string or fragment.
func Ext(u string) string {
	p := u
	if parsed, err := url.Parse(u); err == nil {
		p = parsed.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.ToLower(path.Ext(p))
}

// HasAssetExt reports whether the URL path ends in a known asset extension.
func HasAssetExt(u string) bool {
	_, ok := extensionTable[Ext(u)]
	return ok
}

// IsValid is the pre-download gate: the URL must be absolute http(s) and
// either carry a known asset extension or match the image heuristics.
// Anything classified as Other is rejected.
func IsValid(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return Classify(u) != Other
}
