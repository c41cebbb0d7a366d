// Package scheduler launches workflow runs from cron, interval and event
// triggers, subject to per-schedule and global concurrency caps.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tradewind/tradewind/internal/clock"
	"github.com/tradewind/tradewind/internal/domain"
	"github.com/tradewind/tradewind/internal/ptr"
)

// retryDelay is the one-shot delay before re-running a schedule whose
// execution failed, when retryOnFail is set.
const retryDelay = time.Minute

// persistTimeout bounds write-through persistence calls.
const persistTimeout = 5 * time.Second

// WorkflowRunner executes one workflow request and returns an opaque
// workflow execution id.
type WorkflowRunner func(ctx context.Context, request json.RawMessage) (string, error)

// Store is the persistence gateway the scheduler writes through. All writes
// are best-effort: failures are logged and never abort a launch.
type Store interface {
	UpsertSchedule(ctx context.Context, s *domain.ScheduledWorkflow) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]*domain.ScheduledWorkflow, error)
	InsertExecution(ctx context.Context, e *domain.ScheduleExecution) error
	UpdateExecution(ctx context.Context, e *domain.ScheduleExecution) error
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*domain.ScheduleExecution, error)
	RecordEvent(ctx context.Context, e *domain.EventRecord) error
}

// Config carries scheduler-wide settings.
type Config struct {
	// Timezone for cron evaluation, IANA name. Defaults to UTC.
	Timezone string
	// MaxGlobalConcurrent caps running executions across all schedules.
	// Defaults to 10. Negative disables the global cap.
	MaxGlobalConcurrent int
	// DefaultRetryOnFail applies when a registration leaves the flag unset.
	DefaultRetryOnFail bool
}

func (c Config) withDefaults() Config {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.MaxGlobalConcurrent == 0 {
		c.MaxGlobalConcurrent = 10
	}
	return c
}

// Spec describes one schedule registration. Nil optional fields take
// their defaults: Enabled true, RetryOnFail from Config, MaxConcurrent 1.
type Spec struct {
	Name        string
	Description string
	Trigger     domain.Trigger
	Request     json.RawMessage

	Enabled       *bool
	MaxConcurrent int
	RetryOnFail   *bool
	Tags          []string
}

// Scheduler owns the schedule registry and its trigger machinery.
type Scheduler struct {
	cfg    Config
	loc    *time.Location
	store  Store
	clk    clock.Clock
	logger *slog.Logger
	cron   *cron.Cron

	mu                sync.Mutex
	runner            WorkflowRunner
	schedules         map[string]*domain.ScheduledWorkflow
	history           map[string][]*domain.ScheduleExecution
	cronEntries       map[string]cron.EntryID
	intervalStops     map[string]chan struct{}
	subscribers       map[string][]string
	runningBySchedule map[string]int
	globalRunning     int
	retryTimers       map[string]clock.Timer
	started           bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStore attaches a persistence gateway.
func WithStore(store Store) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clk = clk }
}

// WithLogger substitutes the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New builds a Scheduler. It fails when the configured timezone is not a
// valid IANA location.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
	}

	s := &Scheduler{
		cfg:               cfg,
		loc:               loc,
		clk:               clock.System{},
		logger:            slog.Default(),
		schedules:         make(map[string]*domain.ScheduledWorkflow),
		history:           make(map[string][]*domain.ScheduleExecution),
		cronEntries:       make(map[string]cron.EntryID),
		intervalStops:     make(map[string]chan struct{}),
		subscribers:       make(map[string][]string),
		runningBySchedule: make(map[string]int),
		retryTimers:       make(map[string]clock.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithLocation(loc))
	return s, nil
}

// SetWorkflowRunner injects the external runner. Required before any
// execution path resolves.
func (s *Scheduler) SetWorkflowRunner(runner WorkflowRunner) {
	s.mu.Lock()
	s.runner = runner
	s.mu.Unlock()
}

// Register validates and installs a schedule, returning the stored record.
// An enabled schedule activates immediately.
func (s *Scheduler) Register(ctx context.Context, spec Spec) (*domain.ScheduledWorkflow, error) {
	if err := spec.Trigger.Validate(); err != nil {
		return nil, err
	}
	if spec.Trigger.Type == domain.TriggerCron {
		if _, err := cron.ParseStandard(spec.Trigger.Expression); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCron, err)
		}
	}

	enabled := ptr.Deref(spec.Enabled, true)
	retry := ptr.Deref(spec.RetryOnFail, s.cfg.DefaultRetryOnFail)
	maxConcurrent := spec.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	sched := &domain.ScheduledWorkflow{
		ID:            uuid.NewString(),
		Name:          spec.Name,
		Description:   spec.Description,
		Trigger:       spec.Trigger,
		Request:       spec.Request,
		Enabled:       enabled,
		MaxConcurrent: maxConcurrent,
		RetryOnFail:   retry,
		Tags:          spec.Tags,
		CreatedAt:     s.clk.Now(),
	}

	s.mu.Lock()
	s.schedules[sched.ID] = sched
	if sched.Enabled {
		s.activateLocked(sched)
	}
	snapshot := cloneSchedule(sched)
	s.mu.Unlock()

	s.persistSchedule(ctx, snapshot)
	s.logger.InfoContext(ctx, "schedule registered",
		"schedule_id", sched.ID, "name", sched.Name, "trigger", sched.Trigger.Type)
	return snapshot, nil
}

// Unregister deactivates and removes a schedule along with its persisted
// row. Returns false for an unknown id.
func (s *Scheduler) Unregister(ctx context.Context, id string) bool {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.deactivateLocked(sched)
	delete(s.schedules, id)
	delete(s.history, id)
	delete(s.runningBySchedule, id)
	s.mu.Unlock()

	if s.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.store.DeleteSchedule(pctx, id); err != nil {
			s.logger.ErrorContext(ctx, "failed to delete schedule row",
				"schedule_id", id, "error", err)
		}
	}
	return true
}

// Enable activates a disabled schedule's triggers.
func (s *Scheduler) Enable(ctx context.Context, id string) bool {
	return s.setEnabled(ctx, id, true)
}

// Disable deactivates a schedule's triggers. Running executions complete.
func (s *Scheduler) Disable(ctx context.Context, id string) bool {
	return s.setEnabled(ctx, id, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, id string, enabled bool) bool {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if sched.Enabled != enabled {
		sched.Enabled = enabled
		if enabled {
			s.activateLocked(sched)
		} else {
			s.deactivateLocked(sched)
		}
	}
	snapshot := cloneSchedule(sched)
	s.mu.Unlock()

	s.persistSchedule(ctx, snapshot)
	return true
}

// TriggerEvent records an audit row and launches every enabled subscriber
// of the event type. Launches are fire-and-forget; concurrency gates apply.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, payload json.RawMessage) {
	record := &domain.EventRecord{
		ID:         uuid.NewString(),
		Type:       eventType,
		Payload:    payload,
		SourceType: "scheduler",
		CreatedAt:  s.clk.Now(),
	}
	if s.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if err := s.store.RecordEvent(pctx, record); err != nil {
			s.logger.ErrorContext(ctx, "failed to record event",
				"event_type", eventType, "error", err)
		}
		cancel()
	}

	s.mu.Lock()
	ids := make([]string, len(s.subscribers[eventType]))
	copy(ids, s.subscribers[eventType])
	s.mu.Unlock()

	for _, id := range ids {
		s.executeSchedule(ctx, id)
	}
}

// RunNow launches a schedule immediately, bypassing its triggers. It
// returns the execution id, or empty when the concurrency gates skipped
// the launch.
func (s *Scheduler) RunNow(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	_, ok := s.schedules[id]
	runnerSet := s.runner != nil
	s.mu.Unlock()
	if !ok {
		return "", domain.ErrScheduleNotFound
	}
	if !runnerSet {
		return "", domain.ErrRunnerNotSet
	}
	return s.executeSchedule(ctx, id), nil
}

// Start rehydrates persisted schedules, installs triggers for enabled ones
// and begins cron evaluation. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.store != nil {
		rows, err := s.store.ListSchedules(ctx)
		if err != nil {
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			return fmt.Errorf("rehydrating schedules: %w", err)
		}
		s.mu.Lock()
		for _, row := range rows {
			if _, exists := s.schedules[row.ID]; exists {
				continue
			}
			sched := cloneSchedule(row)
			s.schedules[sched.ID] = sched
			if sched.Enabled {
				s.activateLocked(sched)
			}
		}
		s.mu.Unlock()
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started",
		"schedules", len(s.schedules), "timezone", s.cfg.Timezone)
	return nil
}

// Stop disarms every trigger, clears event subscriptions and cancels
// pending retry timers. In-flight executions run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for _, sched := range s.schedules {
		s.deactivateLocked(sched)
	}
	for key, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, key)
	}
	s.mu.Unlock()

	s.cron.Stop()
	s.logger.Info("scheduler stopped")
}

// GetSchedules returns all schedules ordered by creation time.
func (s *Scheduler) GetSchedules() []*domain.ScheduledWorkflow {
	s.mu.Lock()
	out := make([]*domain.ScheduledWorkflow, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, cloneSchedule(sched))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetSchedule returns one schedule by id.
func (s *Scheduler) GetSchedule(id string) (*domain.ScheduledWorkflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, false
	}
	return cloneSchedule(sched), true
}

// GetExecutionHistory returns up to limit executions for a schedule, most
// recent first. A non-positive limit returns the full history.
func (s *Scheduler) GetExecutionHistory(id string, limit int) []*domain.ScheduleExecution {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.history[id]
	out := make([]*domain.ScheduleExecution, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		c := *rows[i]
		out = append(out, &c)
	}
	return out
}

func (s *Scheduler) persistSchedule(ctx context.Context, sched *domain.ScheduledWorkflow) {
	if s.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.UpsertSchedule(pctx, sched); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist schedule",
			"schedule_id", sched.ID, "error", err)
	}
}

func (s *Scheduler) persistExecution(ctx context.Context, exec *domain.ScheduleExecution, update bool) {
	if s.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	var err error
	if update {
		err = s.store.UpdateExecution(pctx, exec)
	} else {
		err = s.store.InsertExecution(pctx, exec)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist execution",
			"execution_id", exec.ID, "schedule_id", exec.ScheduleID, "error", err)
	}
}

func cloneSchedule(s *domain.ScheduledWorkflow) *domain.ScheduledWorkflow {
	c := *s
	if s.Tags != nil {
		c.Tags = append([]string(nil), s.Tags...)
	}
	c.LastRunAt = copyTime(s.LastRunAt)
	c.NextRunAt = copyTime(s.NextRunAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
