// Package scheduler fires cron-triggered workflow executions. It polls the
// repository for due scheduled runs and starts them through the engine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsen/sequent/internal/repository"
	"github.com/opsen/sequent/internal/sequencer"
	"github.com/opsen/sequent/pkg/schema"
)

// Starter is the interface the scheduler uses to launch workflows.
// Satisfied by the sequencer engine (avoids import cycle).
type Starter interface {
	Start(ctx context.Context, workflowID, workerName string, opts sequencer.StartOptions) error
}

// Scheduler polls the repository for due scheduled runs and starts them.
type Scheduler struct {
	repo    repository.Repository
	starter Starter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(repo repository.Repository, starter Starter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		repo:     repo,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all enabled scheduled runs and starts those that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	runs, err := s.repo.ListScheduledRuns(ctx, repository.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if run.NextRunAt == nil || !run.NextRunAt.After(now) {
			if !s.tryAcquire(run.ID) {
				continue // already firing (dedup)
			}
			if err := s.fire(ctx, run, now); err != nil {
				s.logger.Error("failed to fire scheduled run",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(run.ID)
		}
	}
}

// fire starts one due scheduled run and updates its timestamps. A workflow
// that is already executing counts as skipped, not failed.
func (s *Scheduler) fire(ctx context.Context, run *repository.ScheduledRun, now time.Time) error {
	s.logger.Info("firing scheduled run",
		slog.String("run_id", run.ID),
		slog.String("workflow_id", run.WorkflowID),
	)

	err := s.starter.Start(ctx, run.WorkflowID, run.WorkerName, sequencer.StartOptions{AutoActivate: true})
	status := "success"
	switch {
	case err == nil:
	case schema.CodeOf(err) == schema.ErrCodeAlreadyRunning:
		status = "skipped"
		s.logger.Info("scheduled run skipped, workflow already executing",
			slog.String("run_id", run.ID),
			slog.String("workflow_id", run.WorkflowID),
		)
	default:
		status = "error"
		s.logger.Error("scheduled run failed to start",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateRunStatus(ctx, run, now, status)
}

func (s *Scheduler) updateRunStatus(ctx context.Context, run *repository.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(run.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", run.ID, err)
	}

	return s.repo.UpdateScheduledRun(ctx, run.ID, repository.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the run as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

// release removes the run from the in-flight set.
func (s *Scheduler) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
