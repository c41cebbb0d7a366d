package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/tradewind/tradewind/internal/domain"
)

// activateLocked installs the trigger machinery for one schedule. Must be
// called with s.mu held; the schedule's expression is already validated.
func (s *Scheduler) activateLocked(sched *domain.ScheduledWorkflow) {
	id := sched.ID
	switch sched.Trigger.Type {
	case domain.TriggerCron:
		if _, active := s.cronEntries[id]; active {
			return
		}
		entry, err := s.cron.AddFunc(sched.Trigger.Expression, func() {
			s.fireAndRefresh(id)
		})
		if err != nil {
			// Unreachable after Register-time validation.
			s.logger.Error("failed to install cron trigger",
				"schedule_id", id, "expression", sched.Trigger.Expression, "error", err)
			return
		}
		s.cronEntries[id] = entry
		s.refreshNextRunLocked(sched)

	case domain.TriggerInterval:
		if _, active := s.intervalStops[id]; active {
			return
		}
		stop := make(chan struct{})
		s.intervalStops[id] = stop
		next := s.clk.Now().Add(sched.Trigger.Interval)
		sched.NextRunAt = &next

		ticker := s.clk.NewTicker(sched.Trigger.Interval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C():
					s.fireAndRefresh(id)
				}
			}
		}()

	case domain.TriggerEvent:
		eventType := sched.Trigger.EventType
		for _, existing := range s.subscribers[eventType] {
			if existing == id {
				return
			}
		}
		s.subscribers[eventType] = append(s.subscribers[eventType], id)
	}
}

// deactivateLocked tears the trigger machinery down. Must be called with
// s.mu held.
func (s *Scheduler) deactivateLocked(sched *domain.ScheduledWorkflow) {
	id := sched.ID
	if entry, ok := s.cronEntries[id]; ok {
		s.cron.Remove(entry)
		delete(s.cronEntries, id)
	}
	if stop, ok := s.intervalStops[id]; ok {
		close(stop)
		delete(s.intervalStops, id)
	}
	if sched.Trigger.Type == domain.TriggerEvent {
		subs := s.subscribers[sched.Trigger.EventType]
		for i, existing := range subs {
			if existing == id {
				s.subscribers[sched.Trigger.EventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// fireAndRefresh is the trigger-fire path shared by cron and interval
// timers: launch the schedule, then recompute nextRunAt.
func (s *Scheduler) fireAndRefresh(id string) {
	s.executeSchedule(context.Background(), id)

	s.mu.Lock()
	if sched, ok := s.schedules[id]; ok && sched.Enabled {
		s.refreshNextRunLocked(sched)
	}
	s.mu.Unlock()
}

// refreshNextRunLocked recomputes NextRunAt from the schedule's trigger.
// Must be called with s.mu held.
func (s *Scheduler) refreshNextRunLocked(sched *domain.ScheduledWorkflow) {
	now := s.clk.Now()
	switch sched.Trigger.Type {
	case domain.TriggerCron:
		expr, err := cron.ParseStandard(sched.Trigger.Expression)
		if err != nil {
			return
		}
		next := expr.Next(now.In(s.loc))
		sched.NextRunAt = &next
	case domain.TriggerInterval:
		next := now.Add(sched.Trigger.Interval)
		sched.NextRunAt = &next
	}
}
