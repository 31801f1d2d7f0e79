// Package ratelimit paces outbound requests and gates jobs on the origin's
// robots policy.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval between requests, globally and
// optionally per host.
type Limiter struct {
	mu             sync.Mutex
	limiter        *rate.Limiter
	perDomain      map[string]*rate.Limiter
	interval       time.Duration
	domainInterval time.Duration
}

// NewLimiter creates a limiter that lets one request through every interval.
// A zero interval disables pacing.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		limiter:   newPacer(interval),
		perDomain: make(map[string]*rate.Limiter),
		interval:  interval,
	}
}

func newPacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Wait blocks until the next request is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// WaitDomain applies the global pacing and then the per-host pacing.
func (l *Limiter) WaitDomain(ctx context.Context, domain string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	domainLimiter, ok := l.perDomain[domain]
	if !ok {
		domainLimiter = newPacer(l.domainInterval)
		l.perDomain[domain] = domainLimiter
	}
	l.mu.Unlock()

	return domainLimiter.Wait(ctx)
}

// SetDomainInterval sets the minimum delay between requests to the same
// host. It applies to hosts seen after the call.
func (l *Limiter) SetDomainInterval(interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.domainInterval = interval
}

// Interval returns the global pacing interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Stats returns limiter statistics.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{
		DomainCount:    len(l.perDomain),
		Interval:       l.interval,
		DomainInterval: l.domainInterval,
	}
}

// LimiterStats contains limiter statistics.
type LimiterStats struct {
	DomainCount    int           `json:"domain_count"`
	Interval       time.Duration `json:"interval"`
	DomainInterval time.Duration `json:"domain_interval"`
}
