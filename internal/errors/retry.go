package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy int

const (
	// Linear waits attempt x InitialDelay after each failed attempt.
	Linear BackoffStrategy = iota
	// Exponential multiplies the delay by Multiplier after each failed attempt.
	Exponential
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts    int             // Total attempts including the first (minimum 1)
	InitialDelay   time.Duration   // Delay after the first failed attempt
	MaxDelay       time.Duration   // Upper bound for any single delay (0 = unbounded)
	Strategy       BackoffStrategy // Linear or Exponential
	Multiplier     float64         // Exponential growth factor
	Jitter         float64         // Random jitter factor (0-1)
	RetryableTypes []ErrorType     // Error types retried in addition to Retryable errors
	RetryUnlisted  bool            // Retry every error that is not terminal
	OnRetry        func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns the policy used for asset downloads: three
// attempts with 1s, 2s linear backoff. Only terminal errors (NotFound,
// Policy, Validation, Cancelled) stop early.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		Strategy:      Linear,
		Multiplier:    2.0,
		RetryUnlisted: true,
	}
}

// Retrier runs an operation until it succeeds, hits a terminal error, or
// exhausts its attempts.
type Retrier struct {
	config RetryConfig
	rng    *rand.Rand
}

// NewRetrier creates a new retrier.
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retrier{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RetryFunc is a function that can be retried.
type RetryFunc func(ctx context.Context) error

// RetryResult holds the result of a retry operation.
type RetryResult struct {
	Attempts  int           // Number of attempts made
	LastError error         // The last error encountered
	Duration  time.Duration // Total time spent
	Success   bool          // Whether the operation succeeded
}

// Do executes fn with retries. NotFound and other non-retryable errors end
// the loop after a single attempt.
func (r *Retrier) Do(ctx context.Context, operation string, url string, fn RetryFunc) *RetryResult {
	result := &RetryResult{}
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.LastError = NewCancelledError(url, operation)
			result.Duration = time.Since(start)
			return result
		}

		result.Attempts++
		err := fn(ctx)
		if err == nil {
			result.Success = true
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err

		if ctx.Err() != nil {
			result.LastError = NewCancelledError(url, operation)
			result.Duration = time.Since(start)
			return result
		}

		if attempt == r.config.MaxAttempts || !r.shouldRetry(err) {
			break
		}

		delay := r.jitter(r.Delay(attempt))
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = NewCancelledError(url, operation)
			result.Duration = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	result.LastError = lastErr
	result.Duration = time.Since(start)
	return result
}

// Delay returns the wait that follows the given failed attempt (1-based),
// before jitter.
func (r *Retrier) Delay(attempt int) time.Duration {
	var d time.Duration
	switch r.config.Strategy {
	case Exponential:
		d = BackoffDuration(attempt, r.config.InitialDelay, r.config.MaxDelay, r.config.Multiplier)
	default:
		d = time.Duration(attempt) * r.config.InitialDelay
		if r.config.MaxDelay > 0 && d > r.config.MaxDelay {
			d = r.config.MaxDelay
		}
	}
	return d
}

func (r *Retrier) shouldRetry(err error) bool {
	errType := GetErrorType(err)
	switch errType {
	case NotFound, Policy, Validation, Cancelled:
		return false
	}
	if r.config.RetryUnlisted {
		return true
	}

	for _, t := range r.config.RetryableTypes {
		if errType == t {
			return true
		}
	}

	return IsRetryable(err)
}

func (r *Retrier) jitter(base time.Duration) time.Duration {
	if r.config.Jitter <= 0 {
		return base
	}
	j := r.config.Jitter * float64(base)
	return time.Duration(float64(base) + (r.rng.Float64()*2*j - j))
}

// DoWithResult executes a function that returns a value and error.
func DoWithResult[T any](ctx context.Context, r *Retrier, operation, url string, fn func(ctx context.Context) (T, error)) (T, *RetryResult) {
	var result T
	var lastErr error

	retryResult := r.Do(ctx, operation, url, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		lastErr = err
		return err
	})

	if !retryResult.Success && GetErrorType(retryResult.LastError) != Cancelled {
		retryResult.LastError = lastErr
	}

	return result, retryResult
}

// BackoffDuration calculates the exponential backoff for a given attempt.
func BackoffDuration(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 0 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
