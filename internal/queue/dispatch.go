package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/tradewind/tradewind/internal/clock"
	"github.com/tradewind/tradewind/internal/domain"
)

// scheduleLocked dispatches eligible pending jobs until the concurrency cap
// is reached, then arms a wakeup for the earliest deferred job. Must be
// called with q.mu held. Never blocks.
func (q *Queue) scheduleLocked() {
	if !q.started {
		return
	}

	now := q.clk.Now()
	for len(q.running) < q.cfg.Concurrency {
		idx := -1
		for i, id := range q.pending {
			if q.jobs[id].Eligible(now) {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}

		id := q.pending[idx]
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)

		job := q.jobs[id]
		started := now
		job.Status = domain.JobStatusRunning
		job.StartedAt = &started
		job.Attempts++
		job.NextRetryAt = nil

		epoch := q.nextEpoch
		q.nextEpoch++
		q.running[id] = epoch

		go q.execute(id, epoch, cloneJob(job))
	}

	q.armWakeLocked(now)
}

// armWakeLocked schedules a dispatch pass at the earliest future
// NextRetryAt among pending jobs, replacing any stale wakeup.
func (q *Queue) armWakeLocked(now time.Time) {
	var earliest *time.Time
	for _, id := range q.pending {
		at := q.jobs[id].NextRetryAt
		if at == nil || !at.After(now) {
			continue
		}
		if earliest == nil || at.Before(*earliest) {
			earliest = at
		}
	}

	if earliest == nil {
		if q.wake != nil {
			q.wake.Stop()
			q.wake = nil
		}
		return
	}
	if q.wake != nil {
		if q.wakeAt.Equal(*earliest) {
			return
		}
		q.wake.Stop()
	}

	q.wakeAt = *earliest
	q.wake = q.clk.AfterFunc(earliest.Sub(now), func() {
		q.mu.Lock()
		q.wake = nil
		q.scheduleLocked()
		q.mu.Unlock()
	})
}

// execute runs the handler for one dispatched job, off-lock.
func (q *Queue) execute(id string, epoch uint64, snapshot *domain.Job) {
	ctx := context.Background()
	q.persist(ctx, snapshot)
	q.emitter.Emit(EventActive, snapshot)

	q.mu.Lock()
	handler := q.handlers[snapshot.Type]
	q.mu.Unlock()

	var result json.RawMessage
	var err error
	if handler == nil {
		err = &HandlerMissingError{Type: snapshot.Type}
	} else {
		result, err = q.invoke(ctx, handler, snapshot)
	}
	q.finish(id, epoch, result, err)
}

// invoke calls the handler with panic recovery; a panic is reported as a
// retryable handler error.
func (q *Queue) invoke(ctx context.Context, handler Handler, job *domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.ErrorContext(ctx, "job handler panicked",
				"queue", q.cfg.Name,
				"job_id", job.ID,
				"job_type", job.Type,
				"panic_value", r,
				"stack_trace", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// finish records the outcome of a dispatch. Late results from executors
// whose job was reclaimed by the stall watchdog are discarded via the
// epoch check.
func (q *Queue) finish(id string, epoch uint64, result json.RawMessage, handlerErr error) {
	q.mu.Lock()
	current, owned := q.running[id]
	if !owned || current != epoch {
		q.mu.Unlock()
		return
	}
	delete(q.running, id)

	job := q.jobs[id]
	now := q.clk.Now()
	var event string

	if handlerErr == nil {
		job.Status = domain.JobStatusCompleted
		job.Result = result
		job.Error = nil
		job.CompletedAt = &now
		event = EventCompleted
	} else {
		msg := handlerErr.Error()
		job.Error = &msg

		var missing *HandlerMissingError
		retryable := !errors.As(handlerErr, &missing)

		if retryable && job.Attempts < job.MaxAttempts {
			at := now.Add(Backoff(job.Attempts))
			job.Status = domain.JobStatusPending
			job.NextRetryAt = &at
			q.insertPendingLocked(id)
			event = EventRetrying
		} else {
			job.Status = domain.JobStatusFailed
			job.CompletedAt = &now
			event = EventFailed
		}
	}

	snapshot := cloneJob(job)
	q.notifyWaitersLocked()
	q.scheduleLocked()
	q.mu.Unlock()

	q.persist(context.Background(), snapshot)
	q.emitter.Emit(event, snapshot)
}

// Backoff returns the retry delay after the given attempt count (1-based):
// min(1s * 2^(attempts-1), 60s).
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// runStallChecks scans the running set every stall interval until stopped.
func (q *Queue) runStallChecks(ticker clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			q.checkStalled()
		}
	}
}

// checkStalled reclaims running jobs that exceeded the stall timeout.
// Jobs with attempts remaining are re-queued; exhausted jobs fail. The
// original executor's eventual result is discarded by the epoch check.
func (q *Queue) checkStalled() {
	type outcome struct {
		event   string
		emit    *domain.Job
		persist *domain.Job
	}

	q.mu.Lock()
	now := q.clk.Now()
	var outcomes []outcome
	for id := range q.running {
		job := q.jobs[id]
		if job.StartedAt == nil || now.Sub(*job.StartedAt) <= q.cfg.StallTimeout {
			continue
		}
		delete(q.running, id)

		stallErr := &StallError{Timeout: q.cfg.StallTimeout, Runtime: now.Sub(*job.StartedAt)}
		msg := stallErr.Error()
		job.Error = &msg

		if job.Attempts < job.MaxAttempts {
			// The transient stalled status is observable through the event
			// only; the row is persisted as pending.
			job.Status = domain.JobStatusStalled
			emit := cloneJob(job)

			job.Status = domain.JobStatusPending
			job.NextRetryAt = nil
			q.insertPendingLocked(id)
			outcomes = append(outcomes, outcome{EventStalled, emit, cloneJob(job)})
		} else {
			job.Status = domain.JobStatusFailed
			job.CompletedAt = &now
			snapshot := cloneJob(job)
			outcomes = append(outcomes, outcome{EventFailed, snapshot, snapshot})
		}
	}
	if len(outcomes) > 0 {
		q.notifyWaitersLocked()
		q.scheduleLocked()
	}
	q.mu.Unlock()

	for _, o := range outcomes {
		q.logger.Warn("job stalled",
			"queue", q.cfg.Name, "job_id", o.emit.ID, "attempts", o.emit.Attempts)
		q.persist(context.Background(), o.persist)
		q.emitter.Emit(o.event, o.emit)
	}
}
