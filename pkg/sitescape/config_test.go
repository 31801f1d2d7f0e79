package sitescape

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// DefaultConfig Tests
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if config.Discovery.Budget != 10 {
		t.Errorf("Discovery.Budget = %d, want 10", config.Discovery.Budget)
	}
	if config.Page.MaxAttempts != 3 {
		t.Errorf("Page.MaxAttempts = %d, want 3", config.Page.MaxAttempts)
	}
	if config.Page.Backoff != 2*time.Second {
		t.Errorf("Page.Backoff = %v, want 2s", config.Page.Backoff)
	}
	if config.Download.MaxAttempts != 3 {
		t.Errorf("Download.MaxAttempts = %d, want 3", config.Download.MaxAttempts)
	}
	if config.Download.Pacing != 100*time.Millisecond {
		t.Errorf("Download.Pacing = %v, want 100ms", config.Download.Pacing)
	}
	if config.Download.Concurrency != 1 {
		t.Errorf("Download.Concurrency = %d, want 1", config.Download.Concurrency)
	}
	if config.Download.VerifyContentType {
		t.Error("VerifyContentType should be off by default")
	}
	if config.HTTP.Timeout != 30*time.Second {
		t.Errorf("HTTP.Timeout = %v, want 30s", config.HTTP.Timeout)
	}
	if config.HTTP.MaxRedirects != 5 {
		t.Errorf("HTTP.MaxRedirects = %d, want 5", config.HTTP.MaxRedirects)
	}
	if !config.Robots.Respect {
		t.Error("Robots.Respect should be true")
	}
	if config.Robots.Timeout != 5*time.Second {
		t.Errorf("Robots.Timeout = %v, want 5s", config.Robots.Timeout)
	}
	if config.Browser.NavigationTimeout != 60*time.Second {
		t.Errorf("Browser.NavigationTimeout = %v, want 60s", config.Browser.NavigationTimeout)
	}
	if config.Extract.StylesheetLimit != 10 {
		t.Errorf("Extract.StylesheetLimit = %d, want 10", config.Extract.StylesheetLimit)
	}
	if config.Advisor.PageSampleSize != 3000 || config.Advisor.AssetSampleSize != 4000 {
		t.Errorf("Advisor sample sizes = %d/%d, want 3000/4000", config.Advisor.PageSampleSize, config.Advisor.AssetSampleSize)
	}
	if config.Jobs.ListLimit != 20 {
		t.Errorf("Jobs.ListLimit = %d, want 20", config.Jobs.ListLimit)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("DefaultConfig should validate: %v", err)
	}
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }, true},
		{"zero page attempts", func(c *Config) { c.Page.MaxAttempts = 0 }, true},
		{"negative page backoff", func(c *Config) { c.Page.Backoff = -time.Second }, true},
		{"zero pool size", func(c *Config) { c.Browser.PoolSize = 0 }, true},
		{"zero budget", func(c *Config) { c.Discovery.Budget = 0 }, true},
		{"bad scope pattern", func(c *Config) { c.Discovery.Scope.Exclude = []string{"("} }, true},
		{"zero download attempts", func(c *Config) { c.Download.MaxAttempts = 0 }, true},
		{"zero concurrency", func(c *Config) { c.Download.Concurrency = 0 }, true},
		{"negative pacing", func(c *Config) { c.Download.Pacing = -1 }, true},
		{"zero pacing", func(c *Config) { c.Download.Pacing = 0 }, false},
		{"negative redirects", func(c *Config) { c.HTTP.MaxRedirects = -1 }, true},
		{"zero concurrent jobs", func(c *Config) { c.Jobs.MaxConcurrent = 0 }, true},
		{"unknown backend", func(c *Config) { c.State.Backend = "postgres" }, true},
		{"memory backend", func(c *Config) { c.State.Backend = "memory" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// File Tests
// =============================================================================

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `output_dir: /tmp/sites
page:
  max_attempts: 5
discovery:
  budget: 25
download:
  pacing: 250ms
  verify_content_type: true
robots:
  respect: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if config.OutputDir != "/tmp/sites" {
		t.Errorf("OutputDir = %s, want /tmp/sites", config.OutputDir)
	}
	if config.Page.MaxAttempts != 5 {
		t.Errorf("Page.MaxAttempts = %d, want 5", config.Page.MaxAttempts)
	}
	if config.Discovery.Budget != 25 {
		t.Errorf("Discovery.Budget = %d, want 25", config.Discovery.Budget)
	}
	if config.Download.Pacing != 250*time.Millisecond {
		t.Errorf("Download.Pacing = %v, want 250ms", config.Download.Pacing)
	}
	if !config.Download.VerifyContentType {
		t.Error("VerifyContentType should be true")
	}
	if config.Robots.Respect {
		t.Error("Robots.Respect should be false")
	}
	// Unset fields keep their defaults.
	if config.Download.MaxAttempts != 3 {
		t.Errorf("Download.MaxAttempts = %d, want 3", config.Download.MaxAttempts)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"output_dir": "json-out", "jobs": {"max_concurrent": 4, "list_limit": 50}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if config.OutputDir != "json-out" {
		t.Errorf("OutputDir = %s, want json-out", config.OutputDir)
	}
	if config.Jobs.MaxConcurrent != 4 {
		t.Errorf("Jobs.MaxConcurrent = %d, want 4", config.Jobs.MaxConcurrent)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	os.WriteFile(path, []byte("output_dir: [unclosed"), 0644)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for unparseable file")
	}
}

func TestConfig_SaveToFile_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			config := DefaultConfig()
			config.OutputDir = "saved"
			config.Discovery.Budget = 7
			config.LLM.APIKey = "secret-key"

			if err := config.SaveToFile(path); err != nil {
				t.Fatalf("SaveToFile() error = %v", err)
			}

			data, _ := os.ReadFile(path)
			if strings.Contains(string(data), "secret-key") {
				t.Error("API key must not be written to disk")
			}

			loaded, err := LoadFromFile(path)
			if err != nil {
				t.Fatalf("LoadFromFile() error = %v", err)
			}
			if loaded.OutputDir != "saved" || loaded.Discovery.Budget != 7 {
				t.Errorf("loaded = %s/%d, want saved/7", loaded.OutputDir, loaded.Discovery.Budget)
			}
		})
	}
}

// =============================================================================
// Clone Tests
// =============================================================================

func TestConfig_Clone(t *testing.T) {
	config := DefaultConfig()
	config.LLM.APIKey = "k"
	config.HTTP.Headers = map[string]string{"X-Test": "1"}

	clone := config.Clone()
	if clone == config {
		t.Fatal("Clone returned the same pointer")
	}
	if clone.LLM.APIKey != "k" {
		t.Error("Clone dropped the API key")
	}
	if clone.Advisor.Breaker.FailureThreshold != config.Advisor.Breaker.FailureThreshold {
		t.Error("Clone dropped the breaker settings")
	}

	clone.HTTP.Headers["X-Test"] = "2"
	if config.HTTP.Headers["X-Test"] != "1" {
		t.Error("Clone shares the headers map")
	}
}

// =============================================================================
// ValidateSeed Tests
// =============================================================================

func TestValidateSeed(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://example.com", "https://example.com", false},
		{"  http://example.com/a#frag ", "http://example.com/a", false},
		{"", "", true},
		{"example.com", "", true},
		{"mailto:someone@example.com", "", true},
		{"http://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateSeed(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSeed(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateSeed(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
