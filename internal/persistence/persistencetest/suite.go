// Package persistencetest is the shared contract test suite both
// persistence gateways must pass.
package persistencetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewind/tradewind/internal/domain"
	"github.com/tradewind/tradewind/internal/queue"
	"github.com/tradewind/tradewind/internal/scheduler"
)

// Gateway is the combined persistence surface of the queue and scheduler.
type Gateway interface {
	queue.Store
	scheduler.Store
}

// RunGatewayComplianceTest runs the standard contract tests against a
// Gateway implementation. setup returns a fresh gateway plus a teardown
// callback.
func RunGatewayComplianceTest(t *testing.T, setup func() (Gateway, func())) {
	now := time.Date(2025, 4, 7, 10, 0, 0, 0, time.UTC)

	newJob := func(status domain.JobStatus) *domain.Job {
		return &domain.Job{
			ID:          uuid.NewString(),
			Type:        "workflow.execute",
			Data:        json.RawMessage(`{"strategy":"sma"}`),
			Priority:    domain.PriorityNormal,
			Status:      status,
			Attempts:    1,
			MaxAttempts: 3,
			CreatedAt:   now,
		}
	}

	t.Run("UpsertAndListJobs", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		pending := newJob(domain.JobStatusPending)
		running := newJob(domain.JobStatusRunning)
		running.CreatedAt = now.Add(time.Minute)
		done := newJob(domain.JobStatusCompleted)
		done.CreatedAt = now.Add(2 * time.Minute)
		done.Result = json.RawMessage(`"ok"`)

		for _, job := range []*domain.Job{pending, running, done} {
			require.NoError(t, store.UpsertJob(ctx, "workflows", job))
		}

		active, err := store.ListJobs(ctx, "workflows", domain.JobStatusPending, domain.JobStatusRunning)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, pending.ID, active[0].ID, "ordered by created_at")
		assert.Equal(t, running.ID, active[1].ID)
		assert.Equal(t, json.RawMessage(`{"strategy":"sma"}`), active[0].Data)

		all, err := store.ListJobs(ctx, "workflows")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		other, err := store.ListJobs(ctx, "other-queue")
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("UpsertJobUpdatesInPlace", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := newJob(domain.JobStatusPending)
		require.NoError(t, store.UpsertJob(ctx, "workflows", job))

		started := now.Add(time.Second)
		retryAt := now.Add(10 * time.Second)
		msg := "transient failure"
		job.Status = domain.JobStatusPending
		job.Attempts = 2
		job.Error = &msg
		job.StartedAt = &started
		job.NextRetryAt = &retryAt
		require.NoError(t, store.UpsertJob(ctx, "workflows", job))

		rows, err := store.ListJobs(ctx, "workflows")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		got := rows[0]
		assert.Equal(t, 2, got.Attempts)
		require.NotNil(t, got.Error)
		assert.Equal(t, msg, *got.Error)
		require.NotNil(t, got.NextRetryAt)
		assert.True(t, retryAt.Equal(got.NextRetryAt.UTC()))
	})

	t.Run("DeleteJob", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := newJob(domain.JobStatusCompleted)
		require.NoError(t, store.UpsertJob(ctx, "workflows", job))
		require.NoError(t, store.DeleteJob(ctx, "workflows", job.ID))

		rows, err := store.ListJobs(ctx, "workflows")
		require.NoError(t, err)
		assert.Empty(t, rows)

		// Deleting a missing row is a no-op.
		assert.NoError(t, store.DeleteJob(ctx, "workflows", "missing"))
	})

	t.Run("ScheduleRoundTrip", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		sched := &domain.ScheduledWorkflow{
			ID:   uuid.NewString(),
			Name: "daily rebalance",
			Trigger: domain.Trigger{
				Type:       domain.TriggerCron,
				Expression: "0 14 * * 1-5",
			},
			Request:       json.RawMessage(`{"portfolio":"core"}`),
			Enabled:       true,
			MaxConcurrent: 2,
			RetryOnFail:   true,
			Tags:          []string{"rebalance", "daily"},
			CreatedAt:     now,
		}
		require.NoError(t, store.UpsertSchedule(ctx, sched))

		lastRun := now.Add(time.Hour)
		sched.Enabled = false
		sched.LastRunAt = &lastRun
		require.NoError(t, store.UpsertSchedule(ctx, sched))

		rows, err := store.ListSchedules(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		got := rows[0]
		assert.Equal(t, sched.Name, got.Name)
		assert.Equal(t, domain.TriggerCron, got.Trigger.Type)
		assert.Equal(t, "0 14 * * 1-5", got.Trigger.Expression)
		assert.False(t, got.Enabled)
		assert.Equal(t, 2, got.MaxConcurrent)
		assert.True(t, got.RetryOnFail)
		assert.Equal(t, []string{"rebalance", "daily"}, got.Tags)
		require.NotNil(t, got.LastRunAt)

		require.NoError(t, store.DeleteSchedule(ctx, sched.ID))
		rows, err = store.ListSchedules(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("IntervalTriggerRoundTrip", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		sched := &domain.ScheduledWorkflow{
			ID:   uuid.NewString(),
			Name: "poll quotes",
			Trigger: domain.Trigger{
				Type:     domain.TriggerInterval,
				Interval: 90 * time.Second,
			},
			Enabled:       true,
			MaxConcurrent: 1,
			CreatedAt:     now,
		}
		require.NoError(t, store.UpsertSchedule(ctx, sched))

		rows, err := store.ListSchedules(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 90*time.Second, rows[0].Trigger.Interval)
	})

	t.Run("ExecutionLifecycle", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		sched := &domain.ScheduledWorkflow{
			ID:            uuid.NewString(),
			Name:          "owner",
			Trigger:       domain.Trigger{Type: domain.TriggerEvent, EventType: "tick"},
			Enabled:       true,
			MaxConcurrent: 1,
			CreatedAt:     now,
		}
		require.NoError(t, store.UpsertSchedule(ctx, sched))

		first := &domain.ScheduleExecution{
			ID:         uuid.NewString(),
			ScheduleID: sched.ID,
			Status:     domain.ExecutionRunning,
			StartedAt:  now,
		}
		second := &domain.ScheduleExecution{
			ID:         uuid.NewString(),
			ScheduleID: sched.ID,
			Status:     domain.ExecutionRunning,
			StartedAt:  now.Add(time.Minute),
		}
		require.NoError(t, store.InsertExecution(ctx, first))
		require.NoError(t, store.InsertExecution(ctx, second))

		completedAt := now.Add(30 * time.Second)
		workflowID := "wf-abc"
		first.Status = domain.ExecutionCompleted
		first.CompletedAt = &completedAt
		first.WorkflowExecutionID = &workflowID
		require.NoError(t, store.UpdateExecution(ctx, first))

		rows, err := store.ListExecutions(ctx, sched.ID, 10)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, second.ID, rows[0].ID, "most recent first")
		assert.Equal(t, first.ID, rows[1].ID)
		assert.Equal(t, domain.ExecutionCompleted, rows[1].Status)
		require.NotNil(t, rows[1].WorkflowExecutionID)
		assert.Equal(t, workflowID, *rows[1].WorkflowExecutionID)

		limited, err := store.ListExecutions(ctx, sched.ID, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("RecordEvent", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		err := store.RecordEvent(context.Background(), &domain.EventRecord{
			ID:         uuid.NewString(),
			Type:       "market.open",
			Payload:    json.RawMessage(`{"exchange":"NYSE"}`),
			SourceType: "scheduler",
			CreatedAt:  now,
		})
		assert.NoError(t, err)
	})
}
