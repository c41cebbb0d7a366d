package domain

import (
	"encoding/json"
	"time"
)

// TriggerType discriminates the schedule trigger variant.
type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerEvent    TriggerType = "event"
)

// Trigger is a tagged variant: exactly one of Expression, Interval or
// EventType is meaningful, selected by Type.
type Trigger struct {
	Type       TriggerType
	Expression string        // cron: standard 5-field expression
	Interval   time.Duration // interval: fixed period, > 0
	EventType  string        // event: arbitrary event name
}

// Validate checks structural validity of the variant. Cron expressions are
// validated separately by the scheduler's evaluator.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerCron:
		if t.Expression == "" {
			return ErrInvalidTrigger
		}
	case TriggerInterval:
		if t.Interval <= 0 {
			return ErrInvalidTrigger
		}
	case TriggerEvent:
		if t.EventType == "" {
			return ErrInvalidTrigger
		}
	default:
		return ErrInvalidTrigger
	}
	return nil
}

// ScheduledWorkflow is a registered workflow launch rule owned by the scheduler.
type ScheduledWorkflow struct {
	ID          string
	Name        string
	Description string

	Trigger Trigger

	// Request is forwarded verbatim to the workflow runner.
	Request json.RawMessage

	Enabled       bool
	MaxConcurrent int // per-schedule running cap, >= 1
	RetryOnFail   bool
	Tags          []string

	CreatedAt time.Time
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// ExecutionStatus is the lifecycle state of one schedule execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ScheduleExecution is a history record of one workflow launch.
type ScheduleExecution struct {
	ID         string
	ScheduleID string
	Status     ExecutionStatus

	StartedAt   time.Time
	CompletedAt *time.Time

	Error *string

	// WorkflowExecutionID is the opaque reference returned by the runner.
	WorkflowExecutionID *string
}

// EventRecord is an audit row written when an event trigger fires.
type EventRecord struct {
	ID         string
	Type       string
	Payload    json.RawMessage
	SourceType string
	SourceID   string
	CreatedAt  time.Time
}
