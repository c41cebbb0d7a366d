package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewind/tradewind/internal/clock"
	"github.com/tradewind/tradewind/internal/domain"
	"github.com/tradewind/tradewind/internal/ptr"
)

// schedStore is an in-memory Store for tests.
type schedStore struct {
	mu         sync.Mutex
	schedules  map[string]*domain.ScheduledWorkflow
	executions map[string]*domain.ScheduleExecution
	events     []*domain.EventRecord
}

func newSchedStore() *schedStore {
	return &schedStore{
		schedules:  make(map[string]*domain.ScheduledWorkflow),
		executions: make(map[string]*domain.ScheduleExecution),
	}
}

func (s *schedStore) UpsertSchedule(_ context.Context, sched *domain.ScheduledWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sched
	s.schedules[sched.ID] = &c
	return nil
}

func (s *schedStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

func (s *schedStore) ListSchedules(context.Context) ([]*domain.ScheduledWorkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ScheduledWorkflow, 0, len(s.schedules))
	for _, row := range s.schedules {
		c := *row
		out = append(out, &c)
	}
	return out, nil
}

func (s *schedStore) InsertExecution(_ context.Context, e *domain.ScheduleExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.executions[e.ID] = &c
	return nil
}

func (s *schedStore) UpdateExecution(_ context.Context, e *domain.ScheduleExecution) error {
	return s.InsertExecution(nil, e)
}

func (s *schedStore) ListExecutions(_ context.Context, scheduleID string, limit int) ([]*domain.ScheduleExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ScheduleExecution
	for _, row := range s.executions {
		if row.ScheduleID == scheduleID {
			c := *row
			out = append(out, &c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *schedStore) RecordEvent(_ context.Context, e *domain.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.events = append(s.events, &c)
	return nil
}

func eventTrigger(eventType string) domain.Trigger {
	return domain.Trigger{Type: domain.TriggerEvent, EventType: eventType}
}

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestRegisterValidation(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()

	_, err := s.Register(ctx, Spec{Name: "bad", Trigger: domain.Trigger{Type: "weekly"}})
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)

	_, err = s.Register(ctx, Spec{Name: "bad-cron", Trigger: domain.Trigger{
		Type: domain.TriggerCron, Expression: "not a cron line",
	}})
	assert.ErrorIs(t, err, domain.ErrInvalidCron)

	_, err = s.Register(ctx, Spec{Name: "bad-interval", Trigger: domain.Trigger{
		Type: domain.TriggerInterval, Interval: -time.Second,
	}})
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)
}

func TestRegisterDefaults(t *testing.T) {
	s := newTestScheduler(t, Config{DefaultRetryOnFail: true})

	sched, err := s.Register(context.Background(), Spec{
		Name:    "defaults",
		Trigger: eventTrigger("tick"),
	})
	require.NoError(t, err)

	assert.True(t, sched.Enabled)
	assert.True(t, sched.RetryOnFail, "unset flag takes the config default")
	assert.Equal(t, 1, sched.MaxConcurrent)
	assert.NotEmpty(t, sched.ID)

	got, ok := s.GetSchedule(sched.ID)
	require.True(t, ok)
	assert.Equal(t, sched.ID, got.ID)
}

func TestInvalidTimezoneRejected(t *testing.T) {
	_, err := New(Config{Timezone: "Mars/Olympus"})
	assert.Error(t, err)
}

func TestPerScheduleConcurrencyCap(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	invocations := 0
	release := make(chan struct{})
	s.SetWorkflowRunner(func(context.Context, json.RawMessage) (string, error) {
		mu.Lock()
		invocations++
		mu.Unlock()
		<-release
		return "wf-1", nil
	})

	sched, err := s.Register(ctx, Spec{
		Name:          "capped",
		Trigger:       eventTrigger("signal"),
		MaxConcurrent: 1,
	})
	require.NoError(t, err)

	s.TriggerEvent(ctx, "signal", nil)
	s.TriggerEvent(ctx, "signal", nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return invocations == 1
	}, 2*time.Second, 10*time.Millisecond)

	close(release)

	require.Eventually(t, func() bool {
		hist := s.GetExecutionHistory(sched.ID, 0)
		return len(hist) == 1 && hist[0].Status == domain.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, invocations, "second trigger was gated, not queued")
}

func TestGlobalConcurrencyCap(t *testing.T) {
	s := newTestScheduler(t, Config{MaxGlobalConcurrent: 1})
	ctx := context.Background()

	var mu sync.Mutex
	invocations := 0
	release := make(chan struct{})
	s.SetWorkflowRunner(func(context.Context, json.RawMessage) (string, error) {
		mu.Lock()
		invocations++
		mu.Unlock()
		<-release
		return "wf", nil
	})

	for _, name := range []string{"one", "two"} {
		_, err := s.Register(ctx, Spec{Name: name, Trigger: eventTrigger("go"), MaxConcurrent: 5})
		require.NoError(t, err)
	}

	s.TriggerEvent(ctx, "go", nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return invocations == 1
	}, 2*time.Second, 10*time.Millisecond)
	close(release)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, invocations, "global cap admitted only one of two subscribers")
}

func TestEventNoMatch(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()

	invoked := make(chan struct{}, 1)
	s.SetWorkflowRunner(func(context.Context, json.RawMessage) (string, error) {
		invoked <- struct{}{}
		return "wf", nil
	})

	_, err := s.Register(ctx, Spec{Name: "listener", Trigger: eventTrigger("a")})
	require.NoError(t, err)

	s.TriggerEvent(ctx, "b", nil)

	select {
	case <-invoked:
		t.Fatal("runner invoked for a non-matching event")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRunNow(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()

	_, err := s.RunNow(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)

	sched, err := s.Register(ctx, Spec{Name: "manual", Trigger: eventTrigger("never")})
	require.NoError(t, err)

	_, err = s.RunNow(ctx, sched.ID)
	assert.ErrorIs(t, err, domain.ErrRunnerNotSet)

	s.SetWorkflowRunner(func(_ context.Context, req json.RawMessage) (string, error) {
		return "wf-42", nil
	})

	execID, err := s.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	require.Eventually(t, func() bool {
		hist := s.GetExecutionHistory(sched.ID, 1)
		return len(hist) == 1 && hist[0].Status == domain.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	hist := s.GetExecutionHistory(sched.ID, 1)
	require.NotNil(t, hist[0].WorkflowExecutionID)
	assert.Equal(t, "wf-42", *hist[0].WorkflowExecutionID)
	assert.Equal(t, execID, hist[0].ID)

	got, ok := s.GetSchedule(sched.ID)
	require.True(t, ok)
	assert.NotNil(t, got.LastRunAt)
}

func TestRunnerErrorMarksExecutionFailed(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()

	s.SetWorkflowRunner(func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("broker unavailable")
	})

	sched, err := s.Register(ctx, Spec{Name: "failing", Trigger: eventTrigger("never")})
	require.NoError(t, err)

	_, err = s.RunNow(ctx, sched.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hist := s.GetExecutionHistory(sched.ID, 1)
		return len(hist) == 1 && hist[0].Status == domain.ExecutionFailed
	}, 2*time.Second, 10*time.Millisecond)

	hist := s.GetExecutionHistory(sched.ID, 1)
	require.NotNil(t, hist[0].Error)
	assert.Contains(t, *hist[0].Error, "broker unavailable")
	assert.NotNil(t, hist[0].CompletedAt)
}

func TestRunnerPanicIsCaught(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()

	s.SetWorkflowRunner(func(context.Context, json.RawMessage) (string, error) {
		panic("bad strategy config")
	})

	sched, err := s.Register(ctx, Spec{Name: "panicky", Trigger: eventTrigger("never")})
	require.NoError(t, err)
	_, err = s.RunNow(ctx, sched.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hist := s.GetExecutionHistory(sched.ID, 1)
		return len(hist) == 1 && hist[0].Status == domain.ExecutionFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryOnFail(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	s := newTestScheduler(t, Config{}, WithClock(fake))
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{}, 4)
	s.SetWorkflowRunner(func(context.Context, json.RawMessage) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		done <- struct{}{}
		if n == 1 {
			return "", errors.New("transient")
		}
		return "wf", nil
	})

	require.NoError(t, s.Start(ctx))

	sched, err := s.Register(ctx, Spec{
		Name:        "retrying",
		Trigger:     eventTrigger("kick"),
		RetryOnFail: ptr.To(true),
	})
	require.NoError(t, err)

	s.TriggerEvent(ctx, "kick", nil)
	<-done

	// Wait until the failed execution settles (and the retry timer arms).
	require.Eventually(t, func() bool {
		hist := s.GetExecutionHistory(sched.ID, 0)
		return len(hist) == 1 && hist[0].Status == domain.ExecutionFailed
	}, 2*time.Second, 10*time.Millisecond)

	fake.Advance(61 * time.Second)
	<-done

	require.Eventually(t, func() bool {
		hist := s.GetExecutionHistory(sched.ID, 0)
		return len(hist) == 2 && hist[0].Status == domain.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestStopCancelsPendingRetry(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	s := newTestScheduler(t, Config{}, WithClock(fake))
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	s.SetWorkflowRunner(func(context.Context, json.RawMessage) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "", errors.New("always fails")
	})

	require.NoError(t, s.Start(ctx))

	sched, err := s.Register(ctx, Spec{
		Name:        "doomed",
		Trigger:     eventTrigger("kick"),
		RetryOnFail: ptr.To(true),
	})
	require.NoError(t, err)

	s.TriggerEvent(ctx, "kick", nil)
	require.Eventually(t, func() bool {
		hist := s.GetExecutionHistory(sched.ID, 0)
		return len(hist) == 1 && hist[0].Status == domain.ExecutionFailed
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	fake.Advance(2 * time.Minute)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "retry timer was cancelled on stop")
}

func TestIntervalTrigger(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	s := newTestScheduler(t, Config{}, WithClock(fake))
	ctx := context.Background()

	fired := make(chan struct{}, 8)
	s.SetWorkflowRunner(func(context.Context, json.RawMessage) (string, error) {
		fired <- struct{}{}
		return "wf", nil
	})

	sched, err := s.Register(ctx, Spec{
		Name: "every-10s",
		Trigger: domain.Trigger{
			Type:     domain.TriggerInterval,
			Interval: 10 * time.Second,
		},
	})
	require.NoError(t, err)

	got, ok := s.GetSchedule(sched.ID)
	require.True(t, ok)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, fake.Now().Add(10*time.Second), *got.NextRunAt)

	require.NoError(t, s.Start(ctx))
	fake.Advance(10 * time.Second)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("interval trigger did not fire")
	}
}

func TestDisableStopsTriggers(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	s := newTestScheduler(t, Config{}, WithClock(fake))
	ctx := context.Background()

	fired := make(chan struct{}, 8)
	s.SetWorkflowRunner(func(context.Context, json.RawMessage) (string, error) {
		fired <- struct{}{}
		return "wf", nil
	})

	sched, err := s.Register(ctx, Spec{
		Name:    "toggled",
		Trigger: eventTrigger("tick"),
	})
	require.NoError(t, err)

	require.True(t, s.Disable(ctx, sched.ID))
	s.TriggerEvent(ctx, "tick", nil)

	select {
	case <-fired:
		t.Fatal("disabled schedule fired")
	case <-time.After(150 * time.Millisecond):
	}

	require.True(t, s.Enable(ctx, sched.ID))
	s.TriggerEvent(ctx, "tick", nil)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("re-enabled schedule did not fire")
	}

	assert.False(t, s.Enable(ctx, "missing"))
	assert.False(t, s.Disable(ctx, "missing"))
}

func TestUnregister(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx := context.Background()

	sched, err := s.Register(ctx, Spec{Name: "temp", Trigger: eventTrigger("tick")})
	require.NoError(t, err)

	assert.True(t, s.Unregister(ctx, sched.ID))
	assert.False(t, s.Unregister(ctx, sched.ID))

	_, ok := s.GetSchedule(sched.ID)
	assert.False(t, ok)
	assert.Empty(t, s.GetSchedules())
}

func TestStoreWriteThroughAndRehydration(t *testing.T) {
	store := newSchedStore()
	ctx := context.Background()

	s1 := newTestScheduler(t, Config{}, WithStore(store))
	s1.SetWorkflowRunner(func(context.Context, json.RawMessage) (string, error) {
		return "wf", nil
	})

	sched, err := s1.Register(ctx, Spec{Name: "durable", Trigger: eventTrigger("tick")})
	require.NoError(t, err)

	store.mu.Lock()
	_, persisted := store.schedules[sched.ID]
	store.mu.Unlock()
	require.True(t, persisted, "registration writes through")

	execID, err := s1.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		row, ok := store.executions[execID]
		return ok && row.Status == domain.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	s1.TriggerEvent(ctx, "tick", json.RawMessage(`{"source":"test"}`))
	store.mu.Lock()
	require.Len(t, store.events, 1)
	assert.Equal(t, "tick", store.events[0].Type)
	store.mu.Unlock()
	s1.Stop()

	// A fresh scheduler rehydrates the registry on start.
	s2 := newTestScheduler(t, Config{}, WithStore(store))
	require.NoError(t, s2.Start(ctx))

	got, ok := s2.GetSchedule(sched.ID)
	require.True(t, ok)
	assert.Equal(t, "durable", got.Name)
	assert.Equal(t, domain.TriggerEvent, got.Trigger.Type)
}

func TestCronScheduleComputesNextRun(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	s := newTestScheduler(t, Config{Timezone: "UTC"}, WithClock(fake))

	sched, err := s.Register(context.Background(), Spec{
		Name: "daily-open",
		Trigger: domain.Trigger{
			Type:       domain.TriggerCron,
			Expression: "0 14 * * 1-5",
		},
	})
	require.NoError(t, err)

	got, ok := s.GetSchedule(sched.ID)
	require.True(t, ok)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC), got.NextRunAt.UTC())
}
