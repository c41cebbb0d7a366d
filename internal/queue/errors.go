package queue

import (
	"fmt"
	"time"
)

// HandlerMissingError marks a job that dispatched with no registered
// handler. It is fatal for the job: no retries are attempted.
type HandlerMissingError struct {
	Type string
}

func (e *HandlerMissingError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.Type)
}

// StallError records a watchdog reclaim of a running job.
type StallError struct {
	Timeout time.Duration
	Runtime time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("job stalled: running for %s exceeded stall timeout %s", e.Runtime, e.Timeout)
}
