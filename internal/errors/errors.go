// Package errors categorizes failures raised while scraping a site so the
// pipeline can decide between retrying, falling back, or failing the job.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// Network represents DNS and connection failures.
	Network
	// Timeout represents timeout errors.
	Timeout
	// RateLimit represents 429 responses.
	RateLimit
	// Auth represents 401 and 403 responses.
	Auth
	// NotFound represents 404 responses. Never retried.
	NotFound
	// ServerError represents 5xx responses.
	ServerError
	// ClientError represents the remaining 4xx responses.
	ClientError
	// Parse represents markup, XML or JSON parsing errors.
	Parse
	// Browser represents rendering engine failures.
	Browser
	// Policy represents a robots exclusion that forbids the job.
	Policy
	// EmptyBody represents a successful response that carried zero bytes.
	EmptyBody
	// Validation represents a URL rejected before any request was made.
	Validation
	// Advisory represents a failure of the optional text-generation service.
	Advisory
	// Cancelled represents context cancellation.
	Cancelled
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case RateLimit:
		return "rate_limit"
	case Auth:
		return "auth"
	case NotFound:
		return "not_found"
	case ServerError:
		return "server_error"
	case ClientError:
		return "client_error"
	case Parse:
		return "parse"
	case Browser:
		return "browser"
	case Policy:
		return "policy"
	case EmptyBody:
		return "empty_body"
	case Validation:
		return "validation"
	case Advisory:
		return "advisory"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsRetryable returns whether errors of this type should be retried.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case Network, Timeout, RateLimit, ServerError, Browser, EmptyBody, Advisory:
		return true
	default:
		return false
	}
}

// CrawlError represents a categorized pipeline error.
type CrawlError struct {
	Type       ErrorType
	URL        string
	Operation  string
	Message    string
	Cause      error
	StatusCode int
	Retryable  bool
}

// Error implements the error interface.
func (e *CrawlError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error during %s on %s: %s (caused by: %v)",
			e.Type, e.Operation, e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error during %s on %s: %s", e.Type, e.Operation, e.URL, e.Message)
}

// Unwrap returns the underlying error.
func (e *CrawlError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CrawlError of the same type.
func (e *CrawlError) Is(target error) bool {
	t, ok := target.(*CrawlError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// NewCrawlError creates a new CrawlError.
func NewCrawlError(errType ErrorType, url, operation, message string, cause error) *CrawlError {
	return &CrawlError{
		Type:      errType,
		URL:       url,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: errType.IsRetryable(),
	}
}

// NewNetworkError creates a network error.
func NewNetworkError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(Network, url, operation, "network failure", cause)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(Timeout, url, operation, "request timed out", cause)
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(url string) *CrawlError {
	err := NewCrawlError(RateLimit, url, "request", "rate limited", nil)
	err.StatusCode = 429
	return err
}

// NewAuthError creates an authorization error.
func NewAuthError(url string, statusCode int, message string) *CrawlError {
	err := NewCrawlError(Auth, url, "request", message, nil)
	err.StatusCode = statusCode
	return err
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(url string) *CrawlError {
	err := NewCrawlError(NotFound, url, "request", "not found", nil)
	err.StatusCode = 404
	return err
}

// NewServerError creates a server error.
func NewServerError(url string, statusCode int, message string) *CrawlError {
	err := NewCrawlError(ServerError, url, "request", message, nil)
	err.StatusCode = statusCode
	return err
}

// NewClientError creates a client error.
func NewClientError(url string, statusCode int, message string) *CrawlError {
	err := NewCrawlError(ClientError, url, "request", message, nil)
	err.StatusCode = statusCode
	return err
}

// NewParseError creates a parse error.
func NewParseError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(Parse, url, operation, "parsing failed", cause)
}

// NewBrowserError creates a browser error.
func NewBrowserError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(Browser, url, operation, "browser operation failed", cause)
}

// NewPolicyError creates the error raised when robots rules forbid the seed.
func NewPolicyError(url string) *CrawlError {
	return NewCrawlError(Policy, url, "robots_check", "Scraping disallowed by robots.txt", nil)
}

// NewEmptyBodyError creates an error for a zero-byte response body.
func NewEmptyBodyError(url string) *CrawlError {
	return NewCrawlError(EmptyBody, url, "download", "empty response body", nil)
}

// NewValidationError creates an error for a URL rejected before fetching.
func NewValidationError(url, reason string) *CrawlError {
	return NewCrawlError(Validation, url, "validate", reason, nil)
}

// NewAdvisoryError wraps a text-generation failure.
func NewAdvisoryError(operation string, cause error) *CrawlError {
	return NewCrawlError(Advisory, "", operation, "advisory request failed", cause)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(url, operation string) *CrawlError {
	return NewCrawlError(Cancelled, url, operation, "operation cancelled", context.Canceled)
}

// Categorize determines the error type from a generic error.
func Categorize(err error, url string) *CrawlError {
	if err == nil {
		return nil
	}

	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr
	}

	if errors.Is(err, context.Canceled) {
		return NewCancelledError(url, "request")
	}

	if isTimeout(err) {
		return NewTimeoutError(url, "request", err)
	}

	if isNetworkError(err) {
		return NewNetworkError(url, "request", err)
	}

	return NewCrawlError(Unknown, url, "request", err.Error(), err)
}

// CategorizeHTTPStatus creates an error from an HTTP status code. It returns
// nil for non-error statuses.
func CategorizeHTTPStatus(statusCode int, url string) *CrawlError {
	switch {
	case statusCode == 401:
		return NewAuthError(url, statusCode, "unauthorized")
	case statusCode == 403:
		return NewAuthError(url, statusCode, "forbidden")
	case statusCode == 404:
		return NewNotFoundError(url)
	case statusCode == 429:
		return NewRateLimitError(url)
	case statusCode >= 500:
		return NewServerError(url, statusCode, fmt.Sprintf("server returned %d", statusCode))
	case statusCode >= 400:
		return NewClientError(url, statusCode, fmt.Sprintf("client error %d", statusCode))
	default:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp")
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Retryable
	}

	return isTimeout(err) || isNetworkError(err)
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	return GetErrorType(err) == NotFound
}

// IsPolicy reports whether err is a robots exclusion.
func IsPolicy(err error) bool {
	return GetErrorType(err) == Policy
}

// GetStatusCode extracts the status code from an error.
func GetStatusCode(err error) int {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.StatusCode
	}
	return 0
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Type
	}
	return Unknown
}
