package advisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/PentesterFlow/SiteScape/internal/errors"
	"github.com/PentesterFlow/SiteScape/internal/logger"
)

// APIKeyEnv is the environment variable holding the OpenRouter key.
const APIKeyEnv = "OPENROUTER_API_KEY"

// LLMConfig configures the OpenAI-compatible completer.
type LLMConfig struct {
	APIKey      string        `json:"-" yaml:"-"`
	Model       string        `json:"model" yaml:"model"`
	BaseURL     string        `json:"base_url" yaml:"base_url"`
	Referer     string        `json:"referer,omitempty" yaml:"referer,omitempty"`
	Title       string        `json:"title,omitempty" yaml:"title,omitempty"`
	Temperature float64       `json:"temperature" yaml:"temperature"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff"`
}

// DefaultLLMConfig returns the OpenRouter defaults. The key is read from
// OPENROUTER_API_KEY.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		APIKey:      os.Getenv(APIKeyEnv),
		Model:       "openai/gpt-4o-mini-2024-07-18",
		BaseURL:     "https://openrouter.ai/api/v1",
		Referer:     "http://localhost:3000",
		Title:       "SiteScape",
		Temperature: 0.2,
		MaxTokens:   2048,
		MaxAttempts: 3,
		Backoff:     time.Second,
	}
}

// ErrNoAPIKey is returned by NewLLMCompleter when no key is configured.
var ErrNoAPIKey = fmt.Errorf("%s is not set", APIKeyEnv)

// LLMCompleter sends prompts to an OpenAI-compatible chat endpoint through
// langchaingo and retries failed calls with linear backoff.
type LLMCompleter struct {
	model   llms.Model
	config  LLMConfig
	retrier *errors.Retrier
	log     *logger.Logger
}

// NewLLMCompleter builds a completer for config.
func NewLLMCompleter(config LLMConfig, log *logger.Logger) (*LLMCompleter, error) {
	if config.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	opts := []openai.Option{
		openai.WithToken(config.APIKey),
		openai.WithModel(config.Model),
		openai.WithHTTPClient(&http.Client{
			Timeout: 2 * time.Minute,
			Transport: &headerTransport{
				base: http.DefaultTransport,
				headers: map[string]string{
					"HTTP-Referer": config.Referer,
					"X-Title":      config.Title,
				},
			},
		}),
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return NewLLMCompleterWithModel(llm, config, log), nil
}

// NewLLMCompleterWithModel wraps an existing langchaingo model.
func NewLLMCompleterWithModel(model llms.Model, config LLMConfig, log *logger.Logger) *LLMCompleter {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("llm")

	retryConfig := errors.RetryConfig{
		MaxAttempts:    config.MaxAttempts,
		InitialDelay:   config.Backoff,
		Strategy:       errors.Linear,
		RetryableTypes: []errors.ErrorType{errors.Advisory, errors.Network, errors.Timeout, errors.RateLimit, errors.ServerError},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.WithError(err).WithField("attempt", attempt).WithDuration(delay).Warn("LLM call failed, retrying")
		},
	}

	return &LLMCompleter{
		model:   model,
		config:  config,
		retrier: errors.NewRetrier(retryConfig),
		log:     log,
	}
}

// Complete implements Completer.
func (c *LLMCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	opts := []llms.CallOption{llms.WithTemperature(c.config.Temperature)}
	if c.config.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.config.MaxTokens))
	}

	text, result := errors.DoWithResult(ctx, c.retrier, "llm_complete", c.config.BaseURL,
		func(ctx context.Context) (string, error) {
			out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, opts...)
			if err != nil {
				return "", classifyLLMError(err)
			}
			return out, nil
		})
	if !result.Success {
		return "", result.LastError
	}
	return text, nil
}

// classifyLLMError keeps authentication failures out of the retry loop.
func classifyLLMError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401"), strings.Contains(strings.ToLower(msg), "unauthorized"):
		return errors.NewAuthError("", 401, "invalid API key")
	case strings.Contains(msg, "429"):
		return errors.NewRateLimitError("")
	default:
		return errors.NewAdvisoryError("llm_complete", err)
	}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}
