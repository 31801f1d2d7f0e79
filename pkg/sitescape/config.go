package sitescape

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/SiteScape/internal/advisor"
	"github.com/PentesterFlow/SiteScape/internal/browser"
	"github.com/PentesterFlow/SiteScape/internal/discovery"
	"github.com/PentesterFlow/SiteScape/internal/download"
	"github.com/PentesterFlow/SiteScape/internal/extract"
	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
	"github.com/PentesterFlow/SiteScape/internal/ratelimit"
	"github.com/PentesterFlow/SiteScape/internal/scope"
)

// Config holds all scraper configuration.
type Config struct {
	// Root directory for job output. Each job writes to <OutputDir>/<jobId>.
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// Page fetch policy
	Page PageConfig `json:"page" yaml:"page"`

	// Plain HTTP transport used for robots, sitemaps, stylesheets and assets
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Robots policy gate
	Robots RobotsConfig `json:"robots" yaml:"robots"`

	// Browser configuration
	Browser browser.Config `json:"browser" yaml:"browser"`

	// Page discovery
	Discovery discovery.Config `json:"discovery" yaml:"discovery"`

	// Asset extraction
	Extract extract.Config `json:"extract" yaml:"extract"`

	// Asset downloads
	Download download.Config `json:"download" yaml:"download"`

	// Advisory text generation
	Advisor advisor.Config    `json:"advisor" yaml:"advisor"`
	LLM     advisor.LLMConfig `json:"llm" yaml:"llm"`

	// Job scheduling
	Jobs JobsConfig `json:"jobs" yaml:"jobs"`

	// Job persistence
	State StateConfig `json:"state" yaml:"state"`

	// Optional Redis progress sink
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Manifest output
	PrettyManifest bool `json:"pretty_manifest" yaml:"pretty_manifest"`

	// Verbose output
	Verbose bool `json:"verbose" yaml:"verbose"`

	// Debug mode
	Debug bool `json:"debug" yaml:"debug"`
}

// PageConfig holds the retry policy for page fetches.
type PageConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff"` // linear: attempt x Backoff
}

// HTTPConfig configures the shared HTTP client.
type HTTPConfig struct {
	Timeout       time.Duration     `json:"timeout" yaml:"timeout"`
	MaxRedirects  int               `json:"max_redirects" yaml:"max_redirects"`
	UserAgent     string            `json:"user_agent" yaml:"user_agent"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	SkipTLSVerify bool              `json:"skip_tls_verify" yaml:"skip_tls_verify"`
	MaxBodyBytes  int64             `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// RobotsConfig configures the policy gate.
type RobotsConfig struct {
	Respect  bool          `json:"respect" yaml:"respect"`
	Agent    string        `json:"agent" yaml:"agent"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// JobsConfig bounds concurrent jobs.
type JobsConfig struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	ListLimit     int `json:"list_limit" yaml:"list_limit"`
}

// StateConfig selects the job store.
type StateConfig struct {
	Backend string `json:"backend" yaml:"backend"` // bolt, file, file+gzip or memory
	Path    string `json:"path" yaml:"path"`
}

// RedisConfig configures the Redis progress sink. An empty Addr disables it.
type RedisConfig struct {
	Addr   string        `json:"addr,omitempty" yaml:"addr,omitempty"`
	Prefix string        `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	TTL    time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	httpDefaults := scrapehttp.DefaultConfig()
	robots := ratelimit.DefaultRobotsConfig()
	browserConfig := browser.DefaultConfig()

	return &Config{
		OutputDir: "output",
		Page: PageConfig{
			MaxAttempts: 3,
			Backoff:     2 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:       httpDefaults.Timeout,
			MaxRedirects:  httpDefaults.MaxRedirects,
			UserAgent:     httpDefaults.UserAgent,
			SkipTLSVerify: httpDefaults.SkipTLSVerify,
			MaxBodyBytes:  httpDefaults.MaxBodyBytes,
		},
		Robots: RobotsConfig{
			Respect:  true,
			Agent:    robots.Agent,
			Timeout:  robots.Timeout,
			CacheTTL: robots.CacheTTL,
		},
		Browser:   browserConfig,
		Discovery: discovery.DefaultConfig(),
		Extract:   extract.DefaultConfig(),
		Download:  download.DefaultConfig(),
		Advisor:   advisor.DefaultConfig(),
		LLM:       advisor.DefaultLLMConfig(),
		Jobs: JobsConfig{
			MaxConcurrent: browserConfig.PoolSize,
			ListLimit:     20,
		},
		State: StateConfig{
			Backend: "bolt",
			Path:    "sitescape.db",
		},
		PrettyManifest: true,
	}
}

// LoadFromFile loads configuration from a file (JSON or YAML).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// SaveToFile saves configuration to a file. The API key is never written.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}

	if c.Page.MaxAttempts < 1 {
		return fmt.Errorf("page attempts must be at least 1")
	}

	if c.Page.Backoff < 0 {
		return fmt.Errorf("page backoff must not be negative")
	}

	if c.Browser.PoolSize < 1 {
		return fmt.Errorf("browser pool size must be at least 1")
	}

	if c.Discovery.Budget < 1 {
		return fmt.Errorf("crawl budget must be at least 1")
	}

	if _, err := scope.NewChecker(c.Discovery.Scope); err != nil {
		return fmt.Errorf("invalid page scope: %w", err)
	}

	if c.Download.MaxAttempts < 1 {
		return fmt.Errorf("download attempts must be at least 1")
	}

	if c.Download.Concurrency < 1 {
		return fmt.Errorf("download concurrency must be at least 1")
	}

	if c.Download.Pacing < 0 || c.Download.HostPacing < 0 {
		return fmt.Errorf("download pacing must not be negative")
	}

	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("max redirects must not be negative")
	}

	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent jobs must be at least 1")
	}

	switch c.State.Backend {
	case "", "bolt", "file", "file+gzip", "memory":
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)

	// Fields hidden from serialization.
	clone.LLM.APIKey = c.LLM.APIKey
	clone.Advisor.Breaker = c.Advisor.Breaker
	return clone
}

// httpClientConfig converts the HTTP section into client settings.
func (c *Config) httpClientConfig() scrapehttp.Config {
	cfg := scrapehttp.DefaultConfig()
	if c.HTTP.Timeout > 0 {
		cfg.Timeout = c.HTTP.Timeout
	}
	cfg.MaxRedirects = c.HTTP.MaxRedirects
	if c.HTTP.UserAgent != "" {
		cfg.UserAgent = c.HTTP.UserAgent
	}
	for k, v := range c.HTTP.Headers {
		cfg.Headers[k] = v
	}
	cfg.SkipTLSVerify = c.HTTP.SkipTLSVerify
	cfg.MaxBodyBytes = c.HTTP.MaxBodyBytes
	return cfg
}

func (c *Config) robotsConfig() ratelimit.RobotsConfig {
	return ratelimit.RobotsConfig{
		Agent:    c.Robots.Agent,
		Timeout:  c.Robots.Timeout,
		CacheTTL: c.Robots.CacheTTL,
	}
}

// ValidateSeed checks that raw is an absolute http or https URL.
func ValidateSeed(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url must use http or https")
	}
	if u.Host == "" {
		return "", fmt.Errorf("url must include a host")
	}
	u.Fragment = ""
	return u.String(), nil
}
