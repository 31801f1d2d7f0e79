package sitescape

import (
	"github.com/PentesterFlow/SiteScape/internal/advisor"
	"github.com/PentesterFlow/SiteScape/internal/browser"
	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
	"github.com/PentesterFlow/SiteScape/internal/logger"
	"github.com/PentesterFlow/SiteScape/internal/metrics"
	"github.com/PentesterFlow/SiteScape/internal/output"
	"github.com/PentesterFlow/SiteScape/internal/progress"
	"github.com/PentesterFlow/SiteScape/internal/state"
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine) error

// WithConfig replaces the whole configuration.
func WithConfig(config *Config) Option {
	return func(e *Engine) error {
		if config != nil {
			e.config = config.Clone()
		}
		return nil
	}
}

// WithOutputDir sets the root output directory.
func WithOutputDir(dir string) Option {
	return func(e *Engine) error {
		e.config.OutputDir = dir
		return nil
	}
}

// WithBudget sets the crawl budget.
func WithBudget(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			n = 1
		}
		e.config.Discovery.Budget = n
		return nil
	}
}

// WithRespectRobots enables or disables the robots policy gate.
func WithRespectRobots(respect bool) Option {
	return func(e *Engine) error {
		e.config.Robots.Respect = respect
		return nil
	}
}

// WithVerbose enables verbose logging.
func WithVerbose(verbose bool) Option {
	return func(e *Engine) error {
		e.config.Verbose = verbose
		return nil
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) Option {
	return func(e *Engine) error {
		e.config.Debug = debug
		return nil
	}
}

// WithLogger sets the logger. It overrides the Verbose and Debug levels.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) error {
		e.log = log
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for robots, sitemaps,
// stylesheets and asset downloads.
func WithHTTPClient(client *scrapehttp.Client) Option {
	return func(e *Engine) error {
		e.client = client
		return nil
	}
}

// WithBrowserProvider sets where jobs obtain their browser session. The
// engine does not close a provider it did not create.
func WithBrowserProvider(provider browser.Provider) Option {
	return func(e *Engine) error {
		e.browsers = provider
		return nil
	}
}

// WithCompleter sets the text-generation backend of the advisor.
func WithCompleter(completer advisor.Completer) Option {
	return func(e *Engine) error {
		e.completer = completer
		return nil
	}
}

// WithPolicyGate sets the robots policy gate.
func WithPolicyGate(gate PolicyGate) Option {
	return func(e *Engine) error {
		e.gate = gate
		return nil
	}
}

// WithStore sets the job store. The engine does not close a store it did
// not open.
func WithStore(store state.Store) Option {
	return func(e *Engine) error {
		e.store = store
		return nil
	}
}

// WithSink adds a progress sink.
func WithSink(sink progress.Sink) Option {
	return func(e *Engine) error {
		if sink != nil {
			e.sinks = append(e.sinks, sink)
		}
		return nil
	}
}

// WithHandoff sets the packaging stage run after downloads.
func WithHandoff(handoff output.Handoff) Option {
	return func(e *Engine) error {
		e.handoff = handoff
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) error {
		e.metrics = collector
		return nil
	}
}
