// Package queue implements the workflow queue: an in-memory priority job
// queue with retries, exponential backoff, stall detection, bounded
// concurrency and optional write-through persistence.
//
// The in-memory state is authoritative during a run; the persistence
// gateway is a best-effort sink whose failures are logged, never surfaced.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradewind/tradewind/internal/clock"
	"github.com/tradewind/tradewind/internal/domain"
	"github.com/tradewind/tradewind/internal/events"
)

// Handler performs the work for one job type. The returned payload is
// recorded as the job result. Returned errors (and panics) trigger the
// retry policy; they never propagate to queue callers.
type Handler func(ctx context.Context, job *domain.Job) (json.RawMessage, error)

// Event names emitted by the queue. Payload is always a *domain.Job snapshot.
const (
	EventAdded     = "added"
	EventActive    = "active"
	EventCompleted = "completed"
	EventRetrying  = "retrying"
	EventFailed    = "failed"
	EventStalled   = "stalled"
	EventCancelled = "cancelled"
)

// Backoff delay bounds per spec: 1s doubling per attempt, capped at 60s.
const (
	backoffBase = time.Second
	backoffMax  = 60 * time.Second

	persistTimeout = 5 * time.Second
)

// Config controls queue behavior. Zero fields fall back to defaults.
type Config struct {
	Name               string
	Concurrency        int           // max jobs running at once (default 5)
	DefaultMaxAttempts int           // per-job attempts unless overridden (default 3)
	StallInterval      time.Duration // watchdog scan period (default 30s)
	StallTimeout       time.Duration // running longer than this counts as stalled (default 5m)
	Persistent         bool          // write-through to the store when set
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.StallInterval <= 0 {
		c.StallInterval = 30 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 5 * time.Minute
	}
	return c
}

// Store is the narrow persistence gateway the queue writes through.
type Store interface {
	// UpsertJob inserts or replaces one job row.
	UpsertJob(ctx context.Context, queueName string, job *domain.Job) error

	// ListJobs returns jobs for the queue filtered to the given statuses,
	// ordered by creation time ascending.
	ListJobs(ctx context.Context, queueName string, statuses ...domain.JobStatus) ([]*domain.Job, error)

	// DeleteJob removes one job row. Missing rows are not an error.
	DeleteJob(ctx context.Context, queueName, jobID string) error
}

// ErrNoStore is returned by LoadFromDatabase when the queue has no store.
var ErrNoStore = errors.New("queue has no store configured")

// Queue is the workflow queue. All exported methods are safe for
// concurrent use. Handlers run off-lock on their own goroutines.
type Queue struct {
	cfg     Config
	store   Store
	clk     clock.Clock
	logger  *slog.Logger
	emitter *events.Emitter

	mu        sync.Mutex
	handlers  map[string]Handler
	jobs      map[string]*domain.Job
	pending   []string          // job ids ordered by (priority asc, insertion)
	running   map[string]uint64 // job id -> dispatch epoch
	nextEpoch uint64
	started   bool
	wake      clock.Timer // pending wakeup for the earliest future NextRetryAt
	wakeAt    time.Time
	stallStop chan struct{}
	waiters   []chan struct{} // Drain waiters
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore sets the persistence gateway.
func WithStore(s Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithClock overrides the time source (used by tests).
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clk = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a stopped queue. Call Start to begin dispatching.
func New(cfg Config, opts ...Option) *Queue {
	q := &Queue{
		cfg:      cfg.withDefaults(),
		clk:      clock.NewSystem(),
		logger:   slog.Default(),
		emitter:  events.NewEmitter(),
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*domain.Job),
		running:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// On subscribes to a queue event; the returned func unsubscribes.
// Handlers receive *domain.Job snapshots and must not block.
func (q *Queue) On(event string, h events.Handler) func() {
	return q.emitter.On(event, h)
}

// Register binds a handler to a job type. Last write wins. Jobs whose type
// has no handler fail on dispatch without retry.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// AddOption customizes a single Add call.
type AddOption func(*addOptions)

type addOptions struct {
	priority    domain.Priority
	delay       time.Duration
	maxAttempts int
	parentID    string
	metadata    json.RawMessage
}

// WithPriority sets the job priority (default normal).
func WithPriority(p domain.Priority) AddOption {
	return func(o *addOptions) { o.priority = p }
}

// WithDelay postpones first eligibility by d.
func WithDelay(d time.Duration) AddOption {
	return func(o *addOptions) { o.delay = d }
}

// WithMaxAttempts overrides the queue's default attempt budget.
func WithMaxAttempts(n int) AddOption {
	return func(o *addOptions) { o.maxAttempts = n }
}

// WithParent links the job to a parent job id (informational only).
func WithParent(id string) AddOption {
	return func(o *addOptions) { o.parentID = id }
}

// WithMetadata attaches an opaque metadata payload.
func WithMetadata(meta json.RawMessage) AddOption {
	return func(o *addOptions) { o.metadata = meta }
}

// Add creates a pending job and triggers a non-blocking scheduling pass.
func (q *Queue) Add(ctx context.Context, jobType string, data json.RawMessage, opts ...AddOption) (*domain.Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("job type is required")
	}

	o := addOptions{priority: domain.PriorityNormal, maxAttempts: q.cfg.DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.priority.Valid() {
		return nil, fmt.Errorf("invalid priority %d", o.priority)
	}
	if o.delay < 0 {
		return nil, fmt.Errorf("delay must not be negative")
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = q.cfg.DefaultMaxAttempts
	}

	now := q.clk.Now()
	job := &domain.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Data:        data,
		Priority:    o.priority,
		Status:      domain.JobStatusPending,
		MaxAttempts: o.maxAttempts,
		Delay:       o.delay,
		CreatedAt:   now,
		Metadata:    o.metadata,
	}
	if o.parentID != "" {
		parent := o.parentID
		job.ParentID = &parent
	}
	if o.delay > 0 {
		at := now.Add(o.delay)
		job.NextRetryAt = &at
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.insertPendingLocked(job.ID)
	snapshot := cloneJob(job)
	q.scheduleLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.emitter.Emit(EventAdded, snapshot)
	return snapshot, nil
}

// BulkItem is one entry of an AddBulk call.
type BulkItem struct {
	Type    string
	Data    json.RawMessage
	Options []AddOption
}

// AddBulk adds jobs sequentially, preserving input order.
func (q *Queue) AddBulk(ctx context.Context, items []BulkItem) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(items))
	for _, item := range items {
		job, err := q.Add(ctx, item.Type, item.Data, item.Options...)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetJob returns a snapshot of the job, if known.
func (q *Queue) GetJob(id string) (*domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// GetJobs returns snapshots of all jobs, optionally filtered by status,
// ordered by creation time.
func (q *Queue) GetJobs(statuses ...domain.JobStatus) []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if job.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats summarizes queue occupancy per status.
type Stats struct {
	Name      string
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Total     int
}

// GetStats returns current per-status counts.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{Name: q.cfg.Name, Total: len(q.jobs)}
	for _, job := range q.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			st.Pending++
		case domain.JobStatusRunning:
			st.Running++
		case domain.JobStatusCompleted:
			st.Completed++
		case domain.JobStatusFailed:
			st.Failed++
		case domain.JobStatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Cancel cancels a pending job. Running, terminal or unknown jobs are left
// untouched and false is returned.
func (q *Queue) Cancel(ctx context.Context, id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != domain.JobStatusPending {
		q.mu.Unlock()
		return false
	}
	q.removePendingLocked(id)
	now := q.clk.Now()
	job.Status = domain.JobStatusCancelled
	job.CompletedAt = &now
	job.NextRetryAt = nil
	snapshot := cloneJob(job)
	q.notifyWaitersLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.emitter.Emit(EventCancelled, snapshot)
	return true
}

// Retry re-queues a failed job with a fresh attempt budget. Returns false
// and mutates nothing if the job is not in failed state.
func (q *Queue) Retry(ctx context.Context, id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != domain.JobStatusFailed {
		q.mu.Unlock()
		return false
	}
	job.Status = domain.JobStatusPending
	job.Attempts = 0
	job.Error = nil
	job.Result = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.NextRetryAt = nil
	q.insertPendingLocked(id)
	snapshot := cloneJob(job)
	q.scheduleLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	return true
}

// Start begins dispatching and the periodic stall check. Idempotent.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.stallStop = make(chan struct{})

	ticker := q.clk.NewTicker(q.cfg.StallInterval)
	go q.runStallChecks(ticker, q.stallStop)

	q.logger.Info("queue started",
		"queue", q.cfg.Name,
		"concurrency", q.cfg.Concurrency,
		"stall_interval", q.cfg.StallInterval)
	q.scheduleLocked()
}

// Stop halts dispatch and the stall watchdog. In-flight jobs finish and
// their terminal transitions are still recorded. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return
	}
	q.started = false
	close(q.stallStop)
	if q.wake != nil {
		q.wake.Stop()
		q.wake = nil
	}
	q.logger.Info("queue stopped", "queue", q.cfg.Name)
}

// Drain blocks until no jobs are pending or running, or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.idleLocked() {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clean removes terminal (completed/failed) jobs from memory and, when the
// queue is persistent, deletes their rows best-effort. Returns the count.
func (q *Queue) Clean(ctx context.Context) int {
	q.mu.Lock()
	var removed []string
	for id, job := range q.jobs {
		if job.Status == domain.JobStatusCompleted || job.Status == domain.JobStatusFailed {
			removed = append(removed, id)
			delete(q.jobs, id)
		}
	}
	q.mu.Unlock()

	if q.store != nil && q.cfg.Persistent {
		for _, id := range removed {
			dctx, cancel := context.WithTimeout(ctx, persistTimeout)
			if err := q.store.DeleteJob(dctx, q.cfg.Name, id); err != nil {
				q.logger.ErrorContext(ctx, "failed to delete cleaned job",
					"queue", q.cfg.Name, "job_id", id, "error", err)
			}
			cancel()
		}
	}
	return len(removed)
}

// LoadFromDatabase rehydrates pending and running rows into memory.
// Running rows are demoted to pending (at-least-once semantics); demoted
// rows with no attempts remaining are marked failed instead.
func (q *Queue) LoadFromDatabase(ctx context.Context) error {
	if q.store == nil {
		return ErrNoStore
	}

	rows, err := q.store.ListJobs(ctx, q.cfg.Name, domain.JobStatusPending, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })

	var persists []*domain.Job
	q.mu.Lock()
	loaded := 0
	for _, job := range rows {
		if _, exists := q.jobs[job.ID]; exists {
			continue
		}
		if job.Status == domain.JobStatusRunning {
			job.StartedAt = nil
			if job.Attempts >= job.MaxAttempts {
				now := q.clk.Now()
				msg := "interrupted with no attempts remaining"
				job.Status = domain.JobStatusFailed
				job.Error = &msg
				job.CompletedAt = &now
			} else {
				job.Status = domain.JobStatusPending
			}
			persists = append(persists, cloneJob(job))
		}
		q.jobs[job.ID] = job
		if job.Status == domain.JobStatusPending {
			q.insertPendingLocked(job.ID)
		}
		loaded++
	}
	q.scheduleLocked()
	q.mu.Unlock()

	for _, job := range persists {
		q.persist(ctx, job)
	}
	q.logger.InfoContext(ctx, "queue rehydrated", "queue", q.cfg.Name, "loaded", loaded)
	return nil
}

// insertPendingLocked splices the id before the first entry with a strictly
// lower priority (higher numeric value), preserving insertion order within
// a priority class.
func (q *Queue) insertPendingLocked(id string) {
	p := q.jobs[id].Priority
	idx := len(q.pending)
	for i, pid := range q.pending {
		if q.jobs[pid].Priority > p {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, "")
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = id
}

func (q *Queue) removePendingLocked(id string) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) idleLocked() bool {
	return len(q.running) == 0 && len(q.pending) == 0
}

func (q *Queue) notifyWaitersLocked() {
	if !q.idleLocked() {
		return
	}
	for _, ch := range q.waiters {
		close(ch)
	}
	q.waiters = nil
}

func (q *Queue) persist(ctx context.Context, job *domain.Job) {
	if q.store == nil || !q.cfg.Persistent {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := q.store.UpsertJob(pctx, q.cfg.Name, job); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist job",
			"queue", q.cfg.Name, "job_id", job.ID, "status", job.Status, "error", err)
	}
}

func cloneJob(job *domain.Job) *domain.Job {
	c := *job
	c.NextRetryAt = copyTime(job.NextRetryAt)
	c.StartedAt = copyTime(job.StartedAt)
	c.CompletedAt = copyTime(job.CompletedAt)
	if job.ParentID != nil {
		v := *job.ParentID
		c.ParentID = &v
	}
	if job.Error != nil {
		v := *job.Error
		c.Error = &v
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
