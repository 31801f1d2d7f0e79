// Package progress tracks job status and progress and fans every update out
// to the job store, registered sinks and in-process subscribers.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/PentesterFlow/SiteScape/internal/logger"
	"github.com/PentesterFlow/SiteScape/internal/models"
	"github.com/PentesterFlow/SiteScape/internal/state"
)

// Milestones of the job pipeline, in percent.
const (
	QueuedProgress      = 0
	AnalyzingProgress   = 5
	DiscoveringProgress = 10
	ScrapingProgress    = 20
	ScrapingSpan        = 40
	DownloadingProgress = 60
	DownloadingSpan     = 30
	ConvertingProgress  = 90
	BuildingProgress    = 95
	CompletedProgress   = 100
)

// ScrapeProgress maps page i of n (0-based) to a percentage.
func ScrapeProgress(i, n int) int {
	if n <= 0 {
		return ScrapingProgress
	}
	return ScrapingProgress + i*ScrapingSpan/n
}

// DownloadProgress maps attempted of total assets to a percentage.
func DownloadProgress(attempted, total int) int {
	if total <= 0 {
		return DownloadingProgress + DownloadingSpan
	}
	if attempted > total {
		attempted = total
	}
	return DownloadingProgress + attempted*DownloadingSpan/total
}

// Sink receives published events and log entries. Sinks are called from a
// dedicated goroutine each; their errors are logged and dropped.
type Sink interface {
	PublishEvent(ctx context.Context, event models.Event) error
	PublishLog(ctx context.Context, entry models.LogEntry) error
}

// Config holds reporter configuration.
type Config struct {
	// SinkBuffer is the per-sink queue length. Updates beyond it are dropped.
	SinkBuffer int
	// SinkTimeout bounds a single sink call.
	SinkTimeout time.Duration
	// SubscriberBuffer is the channel size handed to subscribers.
	SubscriberBuffer int
}

// DefaultConfig returns the default reporter configuration.
func DefaultConfig() Config {
	return Config{
		SinkBuffer:       256,
		SinkTimeout:      2 * time.Second,
		SubscriberBuffer: 64,
	}
}

type jobState struct {
	status   models.JobStatus
	progress int
}

// Reporter is the single writer of job status. It keeps progress
// non-decreasing per job, refuses backward status transitions and never
// blocks the caller on an observer.
type Reporter struct {
	mu      sync.Mutex
	config  Config
	store   state.Store
	log     *logger.Logger
	jobs    map[string]*jobState
	sinks   []*sinkWorker
	subs    map[int]*Subscription
	nextSub int
	closed  bool
}

// New creates a reporter. store may be nil, in which case nothing is
// persisted.
func New(store state.Store, config Config, log *logger.Logger) *Reporter {
	if config.SinkBuffer <= 0 {
		config.SinkBuffer = DefaultConfig().SinkBuffer
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = DefaultConfig().SinkTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reporter{
		config: config,
		store:  store,
		log:    log.WithComponent("progress"),
		jobs:   make(map[string]*jobState),
		subs:   make(map[int]*Subscription),
	}
}

// AddSink registers a sink. Sinks added after Close are ignored.
func (r *Reporter) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	w := newSinkWorker(sink, r.config, r.log)
	r.sinks = append(r.sinks, w)
}

// Track registers a job with its current status and progress, which is how
// a reporter resumes a job loaded from the store.
func (r *Reporter) Track(job *models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = &jobState{status: job.Status, progress: job.Progress}
}

// Report records that jobID is in status with the given progress. Progress
// below the last reported value is raised to it, values are clamped to
// [0, 100] and an update that would move the job backwards is ignored. The
// returned event is what observers saw; ok is false when it was ignored.
func (r *Reporter) Report(jobID string, status models.JobStatus, progress int, meta *models.Metadata) (models.Event, bool) {
	return r.publish(jobID, status, progress, meta, "")
}

// Fail moves jobID to failed with message. Progress is left where it was.
func (r *Reporter) Fail(jobID string, message string) (models.Event, bool) {
	return r.publish(jobID, models.StatusFailed, -1, nil, message)
}

func (r *Reporter) publish(jobID string, status models.JobStatus, progress int, meta *models.Metadata, failure string) (models.Event, bool) {
	r.mu.Lock()
	js, ok := r.jobs[jobID]
	if !ok {
		js = &jobState{status: models.StatusQueued}
		r.jobs[jobID] = js
	}

	if !js.status.CanTransition(status) {
		current := models.Event{JobID: jobID, Status: js.status, Progress: js.progress}
		r.mu.Unlock()
		r.log.WithJob(jobID).WithFields(map[string]interface{}{
			"from": js.status.String(),
			"to":   status.String(),
		}).Warn("Ignoring status transition")
		return current, false
	}

	if progress > CompletedProgress {
		progress = CompletedProgress
	}
	if progress < js.progress {
		progress = js.progress
	}
	js.status = status
	js.progress = progress

	event := models.Event{
		JobID:    jobID,
		Status:   status,
		Progress: progress,
		Error:    failure,
	}
	if meta != nil {
		m := *meta
		event.Metadata = &m
	}

	sinks := r.sinks
	subs := r.matchingSubs(jobID)
	r.mu.Unlock()

	r.persist(event)

	for _, w := range sinks {
		w.enqueue(sinkItem{event: &event})
	}
	for _, s := range subs {
		s.sendEvent(event)
	}
	return event, true
}

func (r *Reporter) persist(event models.Event) {
	if r.store == nil {
		return
	}
	err := r.store.Update(event.JobID, func(job *models.Job) error {
		job.Status = event.Status
		job.Progress = event.Progress
		if event.Metadata != nil {
			job.Metadata = *event.Metadata
		}
		if event.Error != "" {
			job.Error = event.Error
		}
		job.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		r.log.WithJob(event.JobID).WithError(err).Warn("Failed to persist job state")
	}
}

// Persist applies fn to the stored record of jobID. Store failures are
// logged, never returned.
func (r *Reporter) Persist(jobID string, fn func(job *models.Job)) {
	if r.store == nil {
		return
	}
	err := r.store.Update(jobID, func(job *models.Job) error {
		fn(job)
		job.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		r.log.WithJob(jobID).WithError(err).Warn("Failed to persist job record")
	}
}

// Current returns the last reported status and progress of jobID.
func (r *Reporter) Current(jobID string) (models.JobStatus, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		return models.StatusUnset, 0, false
	}
	return js.status, js.progress, true
}

// Forget drops the in-memory state of a finished job.
func (r *Reporter) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// Log writes an entry to the structured log stream: through zerolog and to
// every sink and subscriber.
func (r *Reporter) Log(jobID string, level models.LogLevel, category, message string, details map[string]interface{}) models.LogEntry {
	entry := models.LogEntry{
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Category:  category,
		Message:   message,
		Details:   details,
	}

	l := r.log.WithCategory(category)
	if jobID != "" {
		l = l.WithJob(jobID)
	}
	if len(details) > 0 {
		l = l.WithFields(details)
	}
	switch level {
	case models.LogError:
		l.Error(message)
	case models.LogWarning:
		l.Warn(message)
	case models.LogAI:
		l.WithField("ai", true).Info(message)
	default:
		l.Info(message)
	}

	r.mu.Lock()
	sinks := r.sinks
	subs := r.matchingSubs(jobID)
	r.mu.Unlock()

	for _, w := range sinks {
		w.enqueue(sinkItem{entry: &entry})
	}
	for _, s := range subs {
		s.sendLog(entry)
	}
	return entry
}

// Close stops the sink workers after they drain and closes every
// subscription.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sinks := r.sinks
	r.sinks = nil
	subs := r.subs
	r.subs = make(map[int]*Subscription)
	r.mu.Unlock()

	for _, w := range sinks {
		w.stop()
	}
	for _, s := range subs {
		s.close()
	}
}

// matchingSubs must be called with r.mu held.
func (r *Reporter) matchingSubs(jobID string) []*Subscription {
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.jobID == "" || s.jobID == jobID {
			out = append(out, s)
		}
	}
	return out
}

// =============================================================================
// Subscriptions
// =============================================================================

// Subscription delivers events and log entries for one job, or for every job
// when subscribed with an empty id. Slow readers lose updates rather than
// blocking the pipeline.
type Subscription struct {
	id     int
	jobID  string
	events chan models.Event
	logs   chan models.LogEntry
	r      *Reporter

	mu     sync.Mutex
	closed bool
}

// Subscribe returns a subscription for jobID ("" for all jobs).
func (r *Reporter) Subscribe(jobID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Subscription{
		id:     r.nextSub,
		jobID:  jobID,
		events: make(chan models.Event, r.config.SubscriberBuffer),
		logs:   make(chan models.LogEntry, r.config.SubscriberBuffer),
		r:      r,
	}
	r.nextSub++
	if r.closed {
		s.close()
		return s
	}
	r.subs[s.id] = s
	return s
}

// Events returns the event channel. It is closed on Cancel.
func (s *Subscription) Events() <-chan models.Event { return s.events }

// Logs returns the log channel. It is closed on Cancel.
func (s *Subscription) Logs() <-chan models.LogEntry { return s.logs }

// Cancel removes the subscription and closes its channels.
func (s *Subscription) Cancel() {
	s.r.mu.Lock()
	delete(s.r.subs, s.id)
	s.r.mu.Unlock()
	s.close()
}

func (s *Subscription) sendEvent(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
	}
}

func (s *Subscription) sendLog(e models.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.logs <- e:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.logs)
}

// =============================================================================
// Sink workers
// =============================================================================

type sinkItem struct {
	event *models.Event
	entry *models.LogEntry
}

// sinkWorker serializes calls to one sink so that it sees updates in order.
type sinkWorker struct {
	sink    Sink
	queue   chan sinkItem
	timeout time.Duration
	log     *logger.Logger
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newSinkWorker(sink Sink, config Config, log *logger.Logger) *sinkWorker {
	w := &sinkWorker{
		sink:    sink,
		queue:   make(chan sinkItem, config.SinkBuffer),
		timeout: config.SinkTimeout,
		log:     log,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *sinkWorker) enqueue(item sinkItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.queue <- item:
	default:
		w.log.Debug("Sink queue full, dropping update")
	}
}

func (w *sinkWorker) run() {
	defer close(w.done)
	for item := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		var err error
		if item.event != nil {
			err = w.sink.PublishEvent(ctx, *item.event)
		} else if item.entry != nil {
			err = w.sink.PublishLog(ctx, *item.entry)
		}
		cancel()
		if err != nil {
			w.log.WithError(err).Debug("Sink publish failed")
		}
	}
}

func (w *sinkWorker) stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}
