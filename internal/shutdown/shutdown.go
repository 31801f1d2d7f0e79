// Package shutdown runs cleanup callbacks in reverse registration order when
// the process is asked to stop.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/PentesterFlow/SiteScape/internal/logger"
)

// Callback is run during shutdown. ctx expires at the shutdown deadline.
type Callback func(ctx context.Context) error

// Config holds shutdown configuration.
type Config struct {
	Timeout time.Duration
	Signals []os.Signal
	Logger  *logger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

type entry struct {
	name string
	fn   Callback
}

// Handler manages graceful shutdown. Its context is cancelled as soon as
// shutdown begins so running jobs can stop at their next suspension point.
type Handler struct {
	mu        sync.Mutex
	callbacks []entry

	shuttingDown atomic.Bool
	done         chan struct{}
	timeout      time.Duration
	result       *Result

	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal
	log     *logger.Logger
}

// New creates a handler and starts receiving the configured signals.
func New(cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = DefaultConfig().Signals
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		done:    make(chan struct{}),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
		log:     cfg.Logger.WithComponent("shutdown"),
	}
	signal.Notify(h.sigChan, cfg.Signals...)
	return h
}

// Register adds a named callback. Callbacks run last-registered first.
func (h *Handler) Register(name string, fn Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, entry{name: name, fn: fn})
}

// RegisterFunc registers a cleanup function that cannot fail.
func (h *Handler) RegisterFunc(name string, fn func()) {
	h.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

// GracefulServer is anything with an http.Server style Shutdown.
type GracefulServer interface {
	Shutdown(ctx context.Context) error
}

// RegisterServer registers server.Shutdown.
func (h *Handler) RegisterServer(name string, server GracefulServer) {
	h.Register(name, server.Shutdown)
}

// Context is cancelled when shutdown begins.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Done is closed when every callback has returned or timed out.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until a signal arrives or ctx ends, then shuts down.
func (h *Handler) Wait(ctx context.Context) *Result {
	select {
	case sig := <-h.sigChan:
		h.log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case <-ctx.Done():
	case <-h.ctx.Done():
		<-h.done
		return h.Result()
	}
	return h.Shutdown()
}

// Trigger requests shutdown as if a signal had arrived.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
	}
}

// Shutdown cancels the context and runs the callbacks. Only the first call
// does work; later calls wait for it and return the same result.
func (h *Handler) Shutdown() *Result {
	if !h.shuttingDown.CompareAndSwap(false, true) {
		<-h.done
		return h.Result()
	}
	defer signal.Stop(h.sigChan)

	start := time.Now()
	h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	callbacks := make([]entry, len(h.callbacks))
	copy(callbacks, h.callbacks)
	h.mu.Unlock()

	result := &Result{}
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		cbStart := time.Now()
		if err := run(ctx, cb); err != nil {
			h.log.WithError(err).WithField("callback", cb.name).Warn("Shutdown callback failed")
			result.Errors = append(result.Errors, err)
			continue
		}
		h.log.WithField("callback", cb.name).WithDuration(time.Since(cbStart)).Debug("Shutdown callback done")
	}
	result.Elapsed = time.Since(start)

	h.mu.Lock()
	h.result = result
	h.mu.Unlock()

	h.log.WithDuration(result.Elapsed).WithField("errors", len(result.Errors)).Info("Shutdown complete")
	close(h.done)
	return result
}

// Result returns the outcome of a finished shutdown, or nil.
func (h *Handler) Result() *Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func run(ctx context.Context, cb entry) error {
	done := make(chan error, 1)
	go func() {
		done <- cb.fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{CallbackName: cb.name}
	}
}

// TimeoutError is returned when a callback outlives the shutdown deadline.
type TimeoutError struct {
	CallbackName string
}

func (e *TimeoutError) Error() string {
	return "shutdown callback timed out: " + e.CallbackName
}

// Result holds the outcome of a shutdown.
type Result struct {
	Elapsed time.Duration
	Errors  []error
}

// HasErrors reports whether any callback failed.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}
