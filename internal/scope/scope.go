// Package scope decides which discovered pages a job may visit.
package scope

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultExcludePatterns keeps the frontier away from pages that change
// session or account state.
var DefaultExcludePatterns = []string{
	`[?&](logout|signout|logoff)\b`,
	`/(logout|signout|log-out|sign-out)\b`,
	`/delete-account`,
	`/unsubscribe`,
	`/reset-password`,
	`/cart/(add|remove|clear)`,
}

// Rules holds the page scope of a job. Patterns are regular expressions
// matched against the absolute page URL.
type Rules struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	// AllowSubdomains admits hosts under the seed's host, e.g. blog.example.com
	// for example.com.
	AllowSubdomains bool `json:"allow_subdomains" yaml:"allow_subdomains"`
}

// DefaultRules returns the default page scope.
func DefaultRules() Rules {
	return Rules{
		Exclude: append([]string(nil), DefaultExcludePatterns...),
	}
}

// Checker validates page URLs against compiled rules. It is safe for
// concurrent use.
type Checker struct {
	include         []*regexp.Regexp
	exclude         []*regexp.Regexp
	allowSubdomains bool
}

// NewChecker compiles rules.
func NewChecker(rules Rules) (*Checker, error) {
	include, err := compile(rules.Include)
	if err != nil {
		return nil, fmt.Errorf("include pattern: %w", err)
	}
	exclude, err := compile(rules.Exclude)
	if err != nil {
		return nil, fmt.Errorf("exclude pattern: %w", err)
	}
	return &Checker{
		include:         include,
		exclude:         exclude,
		allowSubdomains: rules.AllowSubdomains,
	}, nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Allows reports whether pageURL is in scope for a job seeded at seedURL.
// Exclude patterns win over include patterns; with no include patterns every
// same-site page is included.
func (c *Checker) Allows(pageURL, seedURL string) bool {
	page, err := url.Parse(pageURL)
	if err != nil || page.Host == "" {
		return false
	}
	if page.Scheme != "http" && page.Scheme != "https" {
		return false
	}
	seed, err := url.Parse(seedURL)
	if err != nil || !c.hostAllowed(page.Hostname(), seed.Hostname()) {
		return false
	}

	for _, re := range c.exclude {
		if re.MatchString(pageURL) {
			return false
		}
	}
	if len(c.include) == 0 {
		return true
	}
	for _, re := range c.include {
		if re.MatchString(pageURL) {
			return true
		}
	}
	return false
}

func (c *Checker) hostAllowed(host, seedHost string) bool {
	host = strings.ToLower(host)
	seedHost = strings.ToLower(seedHost)
	if host == seedHost {
		return true
	}
	return c.allowSubdomains && strings.HasSuffix(host, "."+seedHost)
}
