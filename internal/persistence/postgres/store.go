package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradewind/tradewind/internal/domain"
	"github.com/tradewind/tradewind/internal/queue"
	"github.com/tradewind/tradewind/internal/scheduler"
)

// Store provides the PostgreSQL implementation of the queue and scheduler
// persistence gateways.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time verification that Store implements both gateway interfaces.
var (
	_ queue.Store     = (*Store)(nil)
	_ scheduler.Store = (*Store)(nil)
)

// NewStore creates a store over an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// === queue.Store ===

const upsertJobSQL = `
INSERT INTO queue_jobs (
    id, queue_name, job_type, data, priority, status, attempts, max_attempts,
    result, error, parent_id, metadata, created_at, started_at, completed_at, next_retry_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO UPDATE SET
    status        = EXCLUDED.status,
    attempts      = EXCLUDED.attempts,
    result        = EXCLUDED.result,
    error         = EXCLUDED.error,
    metadata      = EXCLUDED.metadata,
    started_at    = EXCLUDED.started_at,
    completed_at  = EXCLUDED.completed_at,
    next_retry_at = EXCLUDED.next_retry_at`

func (s *Store) UpsertJob(ctx context.Context, queueName string, job *domain.Job) error {
	_, err := s.pool.Exec(ctx, upsertJobSQL,
		job.ID, queueName, job.Type, rawOrNil(job.Data), int(job.Priority), string(job.Status),
		job.Attempts, job.MaxAttempts, rawOrNil(job.Result), job.Error, job.ParentID,
		rawOrNil(job.Metadata), job.CreatedAt, job.StartedAt, job.CompletedAt, job.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", job.ID, err)
	}
	return nil
}

const listJobsSQL = `
SELECT id, job_type, data, priority, status, attempts, max_attempts,
       result, error, parent_id, metadata, created_at, started_at, completed_at, next_retry_at
FROM queue_jobs
WHERE queue_name = $1 AND ($2::text[] IS NULL OR status = ANY($2))
ORDER BY created_at`

func (s *Store) ListJobs(ctx context.Context, queueName string, statuses ...domain.JobStatus) ([]*domain.Job, error) {
	var filter []string
	for _, status := range statuses {
		filter = append(filter, string(status))
	}

	rows, err := s.pool.Query(ctx, listJobsSQL, queueName, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var job domain.Job
		var priority int
		var status string
		if err := rows.Scan(&job.ID, &job.Type, &job.Data, &priority, &status,
			&job.Attempts, &job.MaxAttempts, &job.Result, &job.Error, &job.ParentID,
			&job.Metadata, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.NextRetryAt); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		job.Priority = domain.Priority(priority)
		job.Status = domain.JobStatus(status)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (s *Store) DeleteJob(ctx context.Context, queueName, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM queue_jobs WHERE queue_name = $1 AND id = $2`, queueName, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

// === scheduler.Store ===

const upsertScheduleSQL = `
INSERT INTO scheduled_workflows (
    id, name, description, trigger_type, trigger_config, request,
    enabled, max_concurrent, retry_on_fail, tags, created_at, last_run_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    name           = EXCLUDED.name,
    description    = EXCLUDED.description,
    trigger_type   = EXCLUDED.trigger_type,
    trigger_config = EXCLUDED.trigger_config,
    request        = EXCLUDED.request,
    enabled        = EXCLUDED.enabled,
    max_concurrent = EXCLUDED.max_concurrent,
    retry_on_fail  = EXCLUDED.retry_on_fail,
    tags           = EXCLUDED.tags,
    last_run_at    = EXCLUDED.last_run_at`

func (s *Store) UpsertSchedule(ctx context.Context, sched *domain.ScheduledWorkflow) error {
	config, err := marshalTriggerConfig(sched.Trigger)
	if err != nil {
		return err
	}
	tags := sched.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = s.pool.Exec(ctx, upsertScheduleSQL,
		sched.ID, sched.Name, sched.Description, string(sched.Trigger.Type), config,
		rawOrNil(sched.Request), sched.Enabled, sched.MaxConcurrent, sched.RetryOnFail,
		tags, sched.CreatedAt, sched.LastRunAt)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule %s: %w", sched.ID, err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	return nil
}

const listSchedulesSQL = `
SELECT id, name, description, trigger_type, trigger_config, request,
       enabled, max_concurrent, retry_on_fail, tags, created_at, last_run_at
FROM scheduled_workflows
ORDER BY created_at`

func (s *Store) ListSchedules(ctx context.Context) ([]*domain.ScheduledWorkflow, error) {
	rows, err := s.pool.Query(ctx, listSchedulesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.ScheduledWorkflow
	for rows.Next() {
		var sched domain.ScheduledWorkflow
		var triggerType string
		var config []byte
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.Description, &triggerType,
			&config, &sched.Request, &sched.Enabled, &sched.MaxConcurrent,
			&sched.RetryOnFail, &sched.Tags, &sched.CreatedAt, &sched.LastRunAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		trigger, err := unmarshalTriggerConfig(triggerType, config)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		sched.Trigger = trigger
		schedules = append(schedules, &sched)
	}
	return schedules, rows.Err()
}

const insertExecutionSQL = `
INSERT INTO schedule_executions (id, schedule_id, status, started_at, completed_at, error, workflow_execution_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *Store) InsertExecution(ctx context.Context, e *domain.ScheduleExecution) error {
	_, err := s.pool.Exec(ctx, insertExecutionSQL,
		e.ID, e.ScheduleID, string(e.Status), e.StartedAt, e.CompletedAt, e.Error, e.WorkflowExecutionID)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", e.ID, err)
	}
	return nil
}

const updateExecutionSQL = `
UPDATE schedule_executions
SET status = $2, completed_at = $3, error = $4, workflow_execution_id = $5
WHERE id = $1`

func (s *Store) UpdateExecution(ctx context.Context, e *domain.ScheduleExecution) error {
	_, err := s.pool.Exec(ctx, updateExecutionSQL,
		e.ID, string(e.Status), e.CompletedAt, e.Error, e.WorkflowExecutionID)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", e.ID, err)
	}
	return nil
}

const listExecutionsSQL = `
SELECT id, schedule_id, status, started_at, completed_at, error, workflow_execution_id
FROM schedule_executions
WHERE schedule_id = $1
ORDER BY started_at DESC
LIMIT $2`

func (s *Store) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*domain.ScheduleExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, listExecutionsSQL, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*domain.ScheduleExecution
	for rows.Next() {
		var e domain.ScheduleExecution
		var status string
		if err := rows.Scan(&e.ID, &e.ScheduleID, &status, &e.StartedAt,
			&e.CompletedAt, &e.Error, &e.WorkflowExecutionID); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		e.Status = domain.ExecutionStatus(status)
		executions = append(executions, &e)
	}
	return executions, rows.Err()
}

const recordEventSQL = `
INSERT INTO events (id, type, payload, source_type, source_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

func (s *Store) RecordEvent(ctx context.Context, e *domain.EventRecord) error {
	_, err := s.pool.Exec(ctx, recordEventSQL,
		e.ID, e.Type, rawOrNil(e.Payload), e.SourceType, e.SourceID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", e.ID, err)
	}
	return nil
}
