// Package sqlite is the embedded persistence gateway, backed by a local
// SQLite database. It carries the same contract as the PostgreSQL gateway
// and doubles as the real-database fixture for tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/tradewind/tradewind/internal/domain"
	"github.com/tradewind/tradewind/internal/queue"
	"github.com/tradewind/tradewind/internal/scheduler"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store provides the SQLite implementation of the queue and scheduler
// persistence gateways.
type Store struct {
	db *sql.DB
}

// Compile-time verification that Store implements both gateway interfaces.
var (
	_ queue.Store     = (*Store)(nil)
	_ scheduler.Store = (*Store)(nil)
)

// NewStore opens (or creates) the database at path and runs migrations.
// Use ":memory:" for an ephemeral database.
func NewStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent gateway writes.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// === queue.Store ===

const upsertJobSQL = `
INSERT INTO queue_jobs (
    id, queue_name, job_type, data, priority, status, attempts, max_attempts,
    result, error, parent_id, metadata, created_at, started_at, completed_at, next_retry_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status        = excluded.status,
    attempts      = excluded.attempts,
    result        = excluded.result,
    error         = excluded.error,
    metadata      = excluded.metadata,
    started_at    = excluded.started_at,
    completed_at  = excluded.completed_at,
    next_retry_at = excluded.next_retry_at`

func (s *Store) UpsertJob(ctx context.Context, queueName string, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx, upsertJobSQL,
		job.ID, queueName, job.Type, rawToNull(job.Data), int(job.Priority), string(job.Status),
		job.Attempts, job.MaxAttempts, rawToNull(job.Result), strToNull(job.Error),
		strToNull(job.ParentID), rawToNull(job.Metadata),
		timeToText(job.CreatedAt), timePtrToNull(job.StartedAt),
		timePtrToNull(job.CompletedAt), timePtrToNull(job.NextRetryAt))
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, queueName string, statuses ...domain.JobStatus) ([]*domain.Job, error) {
	query := `
SELECT id, job_type, data, priority, status, attempts, max_attempts,
       result, error, parent_id, metadata, created_at, started_at, completed_at, next_retry_at
FROM queue_jobs
WHERE queue_name = ?`
	args := []any{queueName}
	if len(statuses) > 0 {
		query += fmt.Sprintf(" AND status IN (%s)", placeholders(len(statuses)))
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var (
			job                            domain.Job
			priority                       int
			status                         string
			data, result, metadata         sql.NullString
			errMsg, parentID               sql.NullString
			createdAt                      string
			startedAt, completedAt, nextAt sql.NullString
		)
		if err := rows.Scan(&job.ID, &job.Type, &data, &priority, &status,
			&job.Attempts, &job.MaxAttempts, &result, &errMsg, &parentID,
			&metadata, &createdAt, &startedAt, &completedAt, &nextAt); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		job.Priority = domain.Priority(priority)
		job.Status = domain.JobStatus(status)
		job.Data = nullToRaw(data)
		job.Result = nullToRaw(result)
		job.Metadata = nullToRaw(metadata)
		job.Error = nullToStr(errMsg)
		job.ParentID = nullToStr(parentID)

		if job.CreatedAt, err = textToTime(createdAt); err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}
		if job.StartedAt, err = nullToTimePtr(startedAt); err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}
		if job.CompletedAt, err = nullToTimePtr(completedAt); err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}
		if job.NextRetryAt, err = nullToTimePtr(nextAt); err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (s *Store) DeleteJob(ctx context.Context, queueName, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE queue_name = ? AND id = ?`, queueName, jobID)
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name           = excluded.name,
    description    = excluded.description,
    trigger_type   = excluded.trigger_type,
    trigger_config = excluded.trigger_config,
    request        = excluded.request,
    enabled        = excluded.enabled,
    max_concurrent = excluded.max_concurrent,
    retry_on_fail  = excluded.retry_on_fail,
    tags           = excluded.tags,
    last_run_at    = excluded.last_run_at`

func (s *Store) UpsertSchedule(ctx context.Context, sched *domain.ScheduledWorkflow) error {
	config, err := marshalTriggerConfig(sched.Trigger)
	if err != nil {
		return err
	}
	tags, err := marshalTags(sched.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertScheduleSQL,
		sched.ID, sched.Name, sched.Description, string(sched.Trigger.Type), config,
		rawToNull(sched.Request), sched.Enabled, sched.MaxConcurrent, sched.RetryOnFail,
		tags, timeToText(sched.CreatedAt), timePtrToNull(sched.LastRunAt))
	if err != nil {
		return fmt.Errorf("failed to upsert schedule %s: %w", sched.ID, err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_workflows WHERE id = ?`, id)
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
	rows, err := s.db.QueryContext(ctx, listSchedulesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.ScheduledWorkflow
	for rows.Next() {
		var (
			sched               domain.ScheduledWorkflow
			triggerType, config string
			request             sql.NullString
			tags, createdAt     string
			lastRunAt           sql.NullString
		)
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.Description, &triggerType,
			&config, &request, &sched.Enabled, &sched.MaxConcurrent,
			&sched.RetryOnFail, &tags, &createdAt, &lastRunAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		if sched.Trigger, err = unmarshalTriggerConfig(triggerType, []byte(config)); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		if sched.Tags, err = unmarshalTags(tags); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		sched.Request = nullToRaw(request)
		if sched.CreatedAt, err = textToTime(createdAt); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		if sched.LastRunAt, err = nullToTimePtr(lastRunAt); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		schedules = append(schedules, &sched)
	}
	return schedules, rows.Err()
}

const insertExecutionSQL = `
INSERT INTO schedule_executions (id, schedule_id, status, started_at, completed_at, error, workflow_execution_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`

func (s *Store) InsertExecution(ctx context.Context, e *domain.ScheduleExecution) error {
	_, err := s.db.ExecContext(ctx, insertExecutionSQL,
		e.ID, e.ScheduleID, string(e.Status), timeToText(e.StartedAt),
		timePtrToNull(e.CompletedAt), strToNull(e.Error), strToNull(e.WorkflowExecutionID))
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", e.ID, err)
	}
	return nil
}

const updateExecutionSQL = `
UPDATE schedule_executions
SET status = ?, completed_at = ?, error = ?, workflow_execution_id = ?
WHERE id = ?`

func (s *Store) UpdateExecution(ctx context.Context, e *domain.ScheduleExecution) error {
	_, err := s.db.ExecContext(ctx, updateExecutionSQL,
		string(e.Status), timePtrToNull(e.CompletedAt), strToNull(e.Error),
		strToNull(e.WorkflowExecutionID), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", e.ID, err)
	}
	return nil
}

const listExecutionsSQL = `
SELECT id, schedule_id, status, started_at, completed_at, error, workflow_execution_id
FROM schedule_executions
WHERE schedule_id = ?
ORDER BY started_at DESC
LIMIT ?`

func (s *Store) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*domain.ScheduleExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listExecutionsSQL, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*domain.ScheduleExecution
	for rows.Next() {
		var (
			e                      domain.ScheduleExecution
			status, startedAt      string
			completedAt            sql.NullString
			errMsg, workflowExecID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ScheduleID, &status, &startedAt,
			&completedAt, &errMsg, &workflowExecID); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		e.Status = domain.ExecutionStatus(status)
		e.Error = nullToStr(errMsg)
		e.WorkflowExecutionID = nullToStr(workflowExecID)
		if e.StartedAt, err = textToTime(startedAt); err != nil {
			return nil, fmt.Errorf("execution %s: %w", e.ID, err)
		}
		if e.CompletedAt, err = nullToTimePtr(completedAt); err != nil {
			return nil, fmt.Errorf("execution %s: %w", e.ID, err)
		}
		executions = append(executions, &e)
	}
	return executions, rows.Err()
}

const recordEventSQL = `
INSERT INTO events (id, type, payload, source_type, source_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)`

func (s *Store) RecordEvent(ctx context.Context, e *domain.EventRecord) error {
	_, err := s.db.ExecContext(ctx, recordEventSQL,
		e.ID, e.Type, rawToNull(e.Payload), e.SourceType, e.SourceID, timeToText(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", e.ID, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
