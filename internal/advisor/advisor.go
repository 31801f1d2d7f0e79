// Package advisor asks an external text-generation model for hints the
// crawler could not find on its own: extra pages, hidden assets and a short
// site analysis. Every answer is advisory. A missing, failing or malformed
// model contributes nothing and never fails a job.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PentesterFlow/SiteScape/internal/errors"
	"github.com/PentesterFlow/SiteScape/internal/logger"
)

// Completer turns a prompt into model text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Config configures the advisor.
type Config struct {
	PageSampleSize  int                         `json:"page_sample_size" yaml:"page_sample_size"`
	AssetSampleSize int                         `json:"asset_sample_size" yaml:"asset_sample_size"`
	Timeout         time.Duration               `json:"timeout" yaml:"timeout"`
	Prompts         map[string]string           `json:"prompts,omitempty" yaml:"prompts,omitempty"`
	Breaker         errors.CircuitBreakerConfig `json:"-" yaml:"-"`
}

// DefaultConfig returns the default advisor configuration.
func DefaultConfig() Config {
	return Config{
		PageSampleSize:  3000,
		AssetSampleSize: 4000,
		Timeout:         90 * time.Second,
		Breaker:         errors.DefaultCircuitBreakerConfig(),
	}
}

// PageSuggestions is the model's answer to page discovery.
type PageSuggestions struct {
	Pages    stringList `json:"pages"`
	Sitemap  string     `json:"sitemap"`
	Patterns stringList `json:"patterns"`
	Strategy string     `json:"strategy"`
}

// AssetHints is the model's answer to asset analysis.
type AssetHints struct {
	Images       stringList `json:"images"`
	Videos       stringList `json:"videos"`
	Fonts        stringList `json:"fonts"`
	Icons        stringList `json:"icons"`
	Audio        stringList `json:"audio"`
	Documents    stringList `json:"documents"`
	LazyPatterns stringList `json:"lazyPatterns"`
}

// Advisor wraps a Completer with prompts, lenient parsing and a circuit
// breaker so a dead endpoint is not hammered for every page.
type Advisor struct {
	completer Completer
	config    Config
	prompts   *promptSet
	breaker   *errors.CircuitBreaker
	log       *logger.Logger
}

// New creates an advisor. A nil completer yields a disabled advisor whose
// calls fail fast with an advisory error.
func New(completer Completer, config Config, log *logger.Logger) (*Advisor, error) {
	if config.PageSampleSize <= 0 {
		config.PageSampleSize = 3000
	}
	if config.AssetSampleSize <= 0 {
		config.AssetSampleSize = 4000
	}
	if config.Breaker.FailureThreshold <= 0 {
		config.Breaker = errors.DefaultCircuitBreakerConfig()
	}
	if log == nil {
		log = logger.Nop()
	}

	prompts, err := newPromptSet(config.Prompts)
	if err != nil {
		return nil, err
	}

	a := &Advisor{
		completer: completer,
		config:    config,
		prompts:   prompts,
		breaker:   errors.NewCircuitBreaker(config.Breaker),
		log:       log.WithComponent("advisor"),
	}
	a.breaker.OnStateChange(func(from, to errors.CircuitState) {
		a.log.WithField("from", from.String()).WithField("to", to.String()).Warn("Advisor circuit changed state")
	})
	return a, nil
}

// Enabled reports whether a completer is configured.
func (a *Advisor) Enabled() bool {
	return a != nil && a.completer != nil
}

// DiscoverPages asks for additional pages of the site at pageURL.
func (a *Advisor) DiscoverPages(ctx context.Context, pageURL, html string) (*PageSuggestions, error) {
	if !a.Enabled() {
		return nil, errDisabled(PromptDiscoverPages)
	}
	text, err := a.ask(ctx, PromptDiscoverPages, promptData{
		URL:  pageURL,
		HTML: sample(html, a.config.PageSampleSize),
	})
	if err != nil {
		return nil, err
	}

	var out PageSuggestions
	if !Decode(text, &out) {
		return nil, errors.NewAdvisoryError(PromptDiscoverPages, fmt.Errorf("no JSON object in response"))
	}
	return &out, nil
}

// AnalyzeAssets asks for asset references hidden in the markup.
func (a *Advisor) AnalyzeAssets(ctx context.Context, html string) (*AssetHints, error) {
	if !a.Enabled() {
		return nil, errDisabled(PromptAnalyzeAssets)
	}
	text, err := a.ask(ctx, PromptAnalyzeAssets, promptData{
		HTML: sample(html, a.config.AssetSampleSize),
	})
	if err != nil {
		return nil, err
	}

	var out AssetHints
	if !Decode(text, &out) {
		return nil, errors.NewAdvisoryError(PromptAnalyzeAssets, fmt.Errorf("no JSON object in response"))
	}
	return &out, nil
}

// AnalyzeWebsite asks for a free-form structural analysis of siteURL. When
// the answer contains JSON it is returned compacted, otherwise as text.
func (a *Advisor) AnalyzeWebsite(ctx context.Context, siteURL string) (string, error) {
	if !a.Enabled() {
		return "", errDisabled(PromptAnalyzeWebsite)
	}
	text, err := a.ask(ctx, PromptAnalyzeWebsite, promptData{URL: siteURL})
	if err != nil {
		return "", err
	}

	if raw, ok := ExtractJSON(text); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			return buf.String(), nil
		}
		return string(raw), nil
	}
	return strings.TrimSpace(text), nil
}

func (a *Advisor) ask(ctx context.Context, name string, data promptData) (string, error) {
	prompt, err := a.prompts.render(name, data)
	if err != nil {
		return "", errors.NewAdvisoryError(name, err)
	}

	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	var text string
	err = a.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		text, callErr = a.completer.Complete(ctx, prompt)
		if callErr == nil && strings.TrimSpace(text) == "" {
			callErr = fmt.Errorf("empty response")
		}
		return callErr
	})
	if err != nil {
		a.log.WithField("prompt", name).WithError(err).Debug("Advisor request failed")
		if errors.GetErrorType(err) == errors.Cancelled {
			return "", err
		}
		return "", errors.NewAdvisoryError(name, err)
	}

	a.log.WithField("prompt", name).WithDuration(time.Since(start)).Debug("Advisor answered")
	return text, nil
}

func errDisabled(name string) error {
	return errors.NewAdvisoryError(name, fmt.Errorf("no completer configured"))
}
