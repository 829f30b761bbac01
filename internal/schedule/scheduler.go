package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/lanternlabs/lantern/internal/logger"
	"github.com/lanternlabs/lantern/internal/metrics"
)

// FireFunc is invoked each time a workflow's cron schedule fires.
type FireFunc func(workflowID string)

// Scheduler runs one sleep-until loop per scheduled workflow. Scheduling
// a workflow that already has a loop cancels and replaces it.
type Scheduler struct {
	fire FireFunc

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewScheduler creates a scheduler with no loops.
func NewScheduler(fire FireFunc) *Scheduler {
	return &Scheduler{
		fire:  fire,
		loops: make(map[string]context.CancelFunc),
	}
}

// Schedule starts (or replaces) the firing loop for a workflow. An invalid
// expression is refused and the workflow stays unscheduled.
func (s *Scheduler) Schedule(workflowID, expr string) error {
	if err := ValidateCron(expr); err != nil {
		logger.Error("refusing to schedule workflow", "workflow", workflowID, "expr", expr, "error", err)
		return err
	}

	s.mu.Lock()
	if cancel, ok := s.loops[workflowID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.loops[workflowID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, workflowID, expr)

	logger.Info("workflow scheduled", "workflow", workflowID, "expr", expr)
	return nil
}

// Unschedule stops the loop for a workflow, if any.
func (s *Scheduler) Unschedule(workflowID string) {
	s.mu.Lock()
	cancel, ok := s.loops[workflowID]
	if ok {
		delete(s.loops, workflowID)
	}
	s.mu.Unlock()

	if ok {
		cancel()
		logger.Info("workflow unscheduled", "workflow", workflowID)
	}
}

// ScheduleAll replaces the full loop set with the given workflow→expression
// map. Workflows absent from the map are unscheduled.
func (s *Scheduler) ScheduleAll(exprs map[string]string) {
	s.mu.Lock()
	var stale []string
	for id := range s.loops {
		if _, ok := exprs[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.Unschedule(id)
	}
	for id, expr := range exprs {
		_ = s.Schedule(id, expr)
	}
}

// IsScheduled reports whether a workflow currently has a loop.
func (s *Scheduler) IsScheduled(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[workflowID]
	return ok
}

// Stop cancels every loop and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, cancel := range s.loops {
		cancel()
		delete(s.loops, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// loop computes the next fire time, sleeps until it, fires, and repeats.
// Local wall-clock time; DST gaps snap forward to the next matching minute.
func (s *Scheduler) loop(ctx context.Context, workflowID, expr string) {
	defer s.wg.Done()

	for {
		next, err := NextRun(expr, time.Now())
		if err != nil || next.IsZero() {
			logger.Error("no next fire time, stopping loop", "workflow", workflowID, "expr", expr)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		metrics.ScheduleFires.Inc()
		logger.Info("schedule fired", "workflow", workflowID, "at", next.Format(time.RFC3339))
		s.fire(workflowID)
	}
}
