package domain

import (
	"encoding/json"
	"time"
)

// Priority orders pending jobs; lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// JobStatus is the lifecycle state of a queue job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusStalled   JobStatus = "stalled"
)

// Terminal reports whether the status is an end state.
// A failed job may still be revived by an explicit retry.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is a unit of work owned by the workflow queue.
//
// The payload, result and metadata are opaque to the queue; they are
// serialized as JSON only at the persistence boundary. A job in running
// state is referenced by exactly one executor, and attempts never exceeds
// MaxAttempts.
type Job struct {
	ID       string
	Type     string // routing key to a registered handler
	Data     json.RawMessage
	Priority Priority
	Status   JobStatus

	Attempts    int
	MaxAttempts int

	// Delay postpones first eligibility; NextRetryAt is the wall-clock
	// earliest time the job may dispatch (set by delay or backoff).
	Delay       time.Duration
	NextRetryAt *time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// ParentID is informational only; no ordering is enforced.
	ParentID *string

	Result   json.RawMessage
	Error    *string
	Metadata json.RawMessage
}

// Eligible reports whether the job may dispatch at the given instant.
func (j *Job) Eligible(now time.Time) bool {
	return j.NextRetryAt == nil || !j.NextRetryAt.After(now)
}
