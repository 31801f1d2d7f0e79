package browser

import (
	"context"
	"fmt"
	"sync"
)

// Session is the page-fetching capability one job holds for its lifetime.
type Session interface {
	Fetch(ctx context.Context, targetURL string) (*Snapshot, error)
	FetchResource(ctx context.Context, resourceURL, referer string) ([]byte, error)
	Close() error
}

// Provider hands out sessions. Release must be called on every session
// obtained from Acquire.
type Provider interface {
	Acquire(ctx context.Context) (Session, error)
	Release(session Session)
}

// Pool bounds the number of browser processes alive at once. Each Acquire
// launches a fresh browser for one job and Release shuts it down, so no
// browser state is shared between jobs.
type Pool struct {
	mu     sync.Mutex
	config Config
	size   int
	active map[Session]struct{}
	closed bool
	sem    chan struct{}
	launch func(Config) (Session, error)

	launched int
}

// NewPool creates a new browser pool.
func NewPool(config Config) *Pool {
	if config.PoolSize < 1 {
		config.PoolSize = 1
	}

	return &Pool{
		config: config,
		size:   config.PoolSize,
		active: make(map[Session]struct{}),
		sem:    make(chan struct{}, config.PoolSize),
		launch: func(c Config) (Session, error) {
			return Launch(c)
		},
	}
}

// Acquire waits for a free slot and launches a browser in it.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return nil, fmt.Errorf("pool is closed")
	}
	p.mu.Unlock()

	session, err := p.launch(p.config)
	if err != nil {
		<-p.sem
		return nil, err
	}

	p.mu.Lock()
	p.active[session] = struct{}{}
	p.launched++
	p.mu.Unlock()

	return session, nil
}

// Release closes the session and frees its slot.
func (p *Pool) Release(session Session) {
	if session == nil {
		return
	}

	p.mu.Lock()
	_, ok := p.active[session]
	delete(p.active, session)
	p.mu.Unlock()

	_ = session.Close()
	if ok {
		<-p.sem
	}
}

// Close shuts down every browser still checked out.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]Session, 0, len(p.active))
	for s := range p.active {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	var lastErr error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Size returns the pool size.
func (p *Pool) Size() int {
	return p.size
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Size     int `json:"size"`
	Active   int `json:"active"`
	Launched int `json:"launched"`
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Size:     p.size,
		Active:   len(p.active),
		Launched: p.launched,
	}
}
