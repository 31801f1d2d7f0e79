package download

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/PentesterFlow/SiteScape/internal/asset"
)

const (
	hashLength     = 12
	maxNameLength  = 100
	imageProxyPath = "/_next/image"
)

// Filename derives the on-disk name for an asset URL: the basename of the
// path, or of the decoded url parameter for image-proxy URLs. Missing or
// degenerate names are replaced by <category>_<hash><ext>.
func Filename(rawURL string, category asset.Category) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = baseName(u.Path)
		if strings.Contains(u.Path, imageProxyPath) {
			if inner := u.Query().Get("url"); inner != "" {
				if iu, err := url.Parse(inner); err == nil {
					name = baseName(iu.Path)
				} else {
					name = baseName(inner)
				}
			}
		}
	}

	name = sanitize(name)
	if name == "" || name == "image" || len(name) < 3 {
		return string(category) + "_" + shortHash(rawURL, hashLength) + category.DefaultExt()
	}
	return name
}

func baseName(p string) string {
	b := path.Base(p)
	if b == "." || b == "/" {
		return ""
	}
	return b
}

// sanitize keeps names safe for any filesystem and bounded in length.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if len(out) > maxNameLength {
		ext := path.Ext(out)
		if len(ext) > 10 {
			ext = ""
		}
		out = out[:maxNameLength-len(ext)] + ext
	}
	return out
}

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

// Namer hands out filenames that are unique within one job. The same URL
// always gets the same name.
type Namer struct {
	mu    sync.Mutex
	owner map[string]string // lower-cased name -> url
	names map[string]string // url -> name
}

// NewNamer creates a namer for one job.
func NewNamer() *Namer {
	return &Namer{
		owner: make(map[string]string),
		names: make(map[string]string),
	}
}

// Name returns the filename for rawURL. A name already held by a different
// URL gets a hash suffix derived from rawURL. Names are compared without
// case so two assets never share a file on case-insensitive filesystems.
func (n *Namer) Name(rawURL string, category asset.Category) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if name, ok := n.names[rawURL]; ok {
		return name
	}

	name := Filename(rawURL, category)
	if _, taken := n.owner[strings.ToLower(name)]; taken {
		ext := path.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		name = stem + "_" + shortHash(rawURL, 8) + ext
		for i := 2; ; i++ {
			if _, taken := n.owner[strings.ToLower(name)]; !taken {
				break
			}
			name = stem + "_" + shortHash(rawURL, 8) + "-" + strconv.Itoa(i) + ext
		}
	}

	n.owner[strings.ToLower(name)] = rawURL
	n.names[rawURL] = name
	return name
}

// Len returns the number of names handed out.
func (n *Namer) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.names)
}
