package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/tradewind/tradewind/internal/domain"
)

// executeSchedule admits one launch through the concurrency gates and, when
// admitted, runs the workflow off-lock. It returns the execution id, or
// empty when the launch was skipped. Admission is synchronous so that
// back-to-back triggers observe each other's running counts.
func (s *Scheduler) executeSchedule(ctx context.Context, id string) string {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok || !sched.Enabled {
		s.mu.Unlock()
		return ""
	}
	if s.runner == nil {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "schedule fired with no workflow runner set",
			"schedule_id", id, "name", sched.Name)
		return ""
	}
	if s.runningBySchedule[id] >= sched.MaxConcurrent {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "schedule at per-schedule concurrency cap, skipping",
			"schedule_id", id, "max_concurrent", sched.MaxConcurrent)
		return ""
	}
	if s.cfg.MaxGlobalConcurrent > 0 && s.globalRunning >= s.cfg.MaxGlobalConcurrent {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "scheduler at global concurrency cap, skipping",
			"schedule_id", id, "max_global_concurrent", s.cfg.MaxGlobalConcurrent)
		return ""
	}

	exec := &domain.ScheduleExecution{
		ID:         uuid.NewString(),
		ScheduleID: id,
		Status:     domain.ExecutionRunning,
		StartedAt:  s.clk.Now(),
	}
	s.history[id] = append(s.history[id], exec)
	s.runningBySchedule[id]++
	s.globalRunning++

	runner := s.runner
	request := sched.Request
	retryOnFail := sched.RetryOnFail
	snapshot := *exec
	s.mu.Unlock()

	s.persistExecution(ctx, &snapshot, false)

	go s.runExecution(exec.ID, id, runner, request, retryOnFail)
	return exec.ID
}

// runExecution invokes the runner and settles the execution row.
func (s *Scheduler) runExecution(execID, scheduleID string, runner WorkflowRunner, request json.RawMessage, retryOnFail bool) {
	ctx := context.Background()
	workflowID, err := s.invokeRunner(ctx, runner, request)

	s.mu.Lock()
	s.runningBySchedule[scheduleID]--
	if s.runningBySchedule[scheduleID] <= 0 {
		delete(s.runningBySchedule, scheduleID)
	}
	s.globalRunning--

	var exec *domain.ScheduleExecution
	for _, row := range s.history[scheduleID] {
		if row.ID == execID {
			exec = row
			break
		}
	}
	now := s.clk.Now()
	if exec != nil {
		exec.CompletedAt = &now
		if err == nil {
			exec.Status = domain.ExecutionCompleted
			exec.WorkflowExecutionID = &workflowID
		} else {
			exec.Status = domain.ExecutionFailed
			msg := err.Error()
			exec.Error = &msg
		}
	}

	sched := s.schedules[scheduleID]
	var schedSnapshot *domain.ScheduledWorkflow
	if sched != nil {
		if err == nil {
			sched.LastRunAt = &now
		}
		s.refreshNextRunLocked(sched)
		schedSnapshot = cloneSchedule(sched)
	}

	var execSnapshot *domain.ScheduleExecution
	if exec != nil {
		c := *exec
		execSnapshot = &c
	}

	if err != nil && retryOnFail && s.started {
		s.armRetryLocked(scheduleID)
	}
	s.mu.Unlock()

	if execSnapshot != nil {
		s.persistExecution(ctx, execSnapshot, true)
	}
	if schedSnapshot != nil {
		s.persistSchedule(ctx, schedSnapshot)
	}

	if err != nil {
		s.logger.ErrorContext(ctx, "schedule execution failed",
			"schedule_id", scheduleID, "execution_id", execID,
			"retry_on_fail", retryOnFail, "error", err)
	}
}

// invokeRunner calls the workflow runner with panic recovery.
func (s *Scheduler) invokeRunner(ctx context.Context, runner WorkflowRunner, request json.RawMessage) (workflowID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "workflow runner panicked",
				"panic_value", r, "stack_trace", string(debug.Stack()))
			err = fmt.Errorf("workflow runner panicked: %v", r)
		}
	}()
	return runner(ctx, request)
}

// armRetryLocked schedules a single delayed re-run of a failed schedule.
// The timer is tracked so Stop can cancel it. Must be called with s.mu held.
func (s *Scheduler) armRetryLocked(scheduleID string) {
	key := uuid.NewString()
	s.retryTimers[key] = s.clk.AfterFunc(retryDelay, func() {
		s.mu.Lock()
		delete(s.retryTimers, key)
		s.mu.Unlock()
		s.executeSchedule(context.Background(), scheduleID)
	})
}
