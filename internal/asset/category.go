// Package asset resolves raw references found on a page into canonical
// absolute URLs and classifies them into asset categories.
package asset

import "fmt"

// Category is the fixed set of buckets an asset can fall into.
type Category string

const (
	Images    Category = "images"
	Videos    Category = "videos"
	Fonts     Category = "fonts"
	CSS       Category = "css"
	JS        Category = "js"
	Audio     Category = "audio"
	Documents Category = "documents"
	Other     Category = "other"
)

// Categories lists every category in reporting order.
var Categories = []Category{Images, Videos, Fonts, CSS, JS, Audio, Documents, Other}

// String implements fmt.Stringer.
func (c Category) String() string {
	if c == "" {
		return "unset"
	}
	return string(c)
}

// IsValid reports whether c is one of the known categories.
func (c Category) IsValid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// DefaultExt returns the extension used when a filename has to be
// synthesized for an asset of this category.
func (c Category) DefaultExt() string {
	switch c {
	case Images:
		return ".jpg"
	case Videos:
		return ".mp4"
	case Fonts:
		return ".woff2"
	case CSS:
		return ".css"
	case JS:
		return ".js"
	case Audio:
		return ".mp3"
	case Documents:
		return ".pdf"
	default:
		return ".bin"
	}
}

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown asset category %q", s)
	}
	return c, nil
}

// Reference is a candidate asset before download: the string as it appeared
// on the page plus the category inferred for it.
type Reference struct {
	Raw      string   `json:"raw"`
	Category Category `json:"category"`
}

// Buckets groups values by category.
type Buckets map[Category][]string

// NewBuckets returns Buckets with an empty slice for every category, which
// keeps the JSON shape stable for observers.
func NewBuckets() Buckets {
	b := make(Buckets, len(Categories))
	for _, c := range Categories {
		b[c] = []string{}
	}
	return b
}

// Add appends v to the bucket for c.
func (b Buckets) Add(c Category, v string) {
	b[c] = append(b[c], v)
}

// Total returns the number of values across all buckets.
func (b Buckets) Total() int {
	n := 0
	for _, vs := range b {
		n += len(vs)
	}
	return n
}
