package domain

import "errors"

// Domain errors shared across the queue, scheduler and persistence gateways.

var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrScheduleNotFound indicates the requested schedule does not exist.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidTrigger indicates a structurally invalid trigger variant.
	ErrInvalidTrigger = errors.New("invalid trigger")

	// ErrInvalidCron indicates a cron expression that failed to parse.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrRunnerNotSet indicates executeSchedule was reached before a
	// workflow runner was injected.
	ErrRunnerNotSet = errors.New("workflow runner not set")
)
