package sitescape

import (
	"context"
	"fmt"
	"sync"

	"github.com/PentesterFlow/SiteScape/internal/models"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = fmt.Errorf("job manager is closed")

// JobManager runs submitted jobs in the background, at most
// Jobs.MaxConcurrent at a time. Each job gets its own cancellable context.
type JobManager struct {
	engine *Engine
	sem    chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobManager creates a job manager over engine. Cancelling ctx cancels
// every running job.
func NewJobManager(ctx context.Context, engine *Engine) *JobManager {
	ctx, cancel := context.WithCancel(ctx)
	limit := engine.config.Jobs.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	return &JobManager{
		engine:  engine,
		sem:     make(chan struct{}, limit),
		cancels: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit validates seedURL, stores a queued job and starts its pipeline.
// The returned job is a snapshot in the queued state.
func (m *JobManager) Submit(seedURL string) (*models.Job, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	job, err := m.engine.NewJob(seedURL)
	if err != nil {
		m.wg.Done()
		return nil, err
	}
	snapshot := *job

	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.cancels[job.ID] = cancel
	m.mu.Unlock()

	go m.run(ctx, job)
	return &snapshot, nil
}

func (m *JobManager) run(ctx context.Context, job *models.Job) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.cancels[job.ID]; ok {
			cancel()
			delete(m.cancels, job.ID)
		}
		m.mu.Unlock()
		m.engine.reporter.Forget(job.ID)
	}()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		// Cancelled while queued.
		m.engine.Run(ctx, job)
		return
	}

	if err := m.engine.Run(ctx, job); err != nil {
		m.engine.log.WithJob(job.ID).WithError(err).Warn("Job failed")
	}
}

// Get returns the stored record of a job.
func (m *JobManager) Get(id string) (*models.Job, error) {
	return m.engine.store.Get(id)
}

// List returns the most recent jobs, newest first.
func (m *JobManager) List() ([]*models.Job, error) {
	return m.engine.store.List(m.engine.config.Jobs.ListLimit)
}

// Running returns the number of jobs that have not finished.
func (m *JobManager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

// Cancel cancels a running or queued job. It reports whether the job was
// known to this manager.
func (m *JobManager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every submitted job has finished.
func (m *JobManager) Wait() {
	m.wg.Wait()
}

// Close stops accepting jobs, cancels the running ones and waits for them
// to record their final state.
func (m *JobManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
