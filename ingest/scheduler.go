package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nevindra/slackseek"
)

// Scheduler fires ingestion runs: once at startup, then on every interval
// tick, plus manual triggers. Triggers arriving while a run is active
// coalesce into at most one pending run.
type Scheduler struct {
	worker   *Worker
	interval time.Duration
	logger   *slog.Logger
	kick     chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger. Default discards.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a Scheduler firing every interval.
func NewScheduler(w *Worker, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		worker:   w,
		interval: interval,
		logger:   slog.New(slog.DiscardHandler),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger requests a run outside the schedule. Non-blocking; a trigger while
// one is already pending is absorbed.
func (s *Scheduler) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start blocks until ctx is cancelled, running the worker at startup and on
// each tick or trigger. Transient run failures are logged and retried next
// cycle; configuration and credential failures stop the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.run(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.run(ctx); err != nil {
			return err
		}
	}
}

// run executes one pass. Only errors that cannot heal by waiting (config,
// upstream credentials) propagate; everything else retries next cycle.
func (s *Scheduler) run(ctx context.Context) error {
	rec, err := s.worker.Run(ctx)
	switch {
	case err == nil:
		s.logger.Info("scheduled run finished", "run_id", rec.RunID, "duration", rec.Duration)
		return nil
	case errors.Is(err, ErrRunActive):
		s.logger.Debug("run already active, trigger coalesced")
		return nil
	case ctx.Err() != nil:
		return nil
	}

	switch slackseek.KindOf(err) {
	case slackseek.KindConfig, slackseek.KindAuthUpstream:
		s.logger.Error("ingestion cannot proceed", "error", err)
		return err
	}
	s.logger.Warn("ingestion run failed, will retry next cycle", "run_id", rec.RunID, "error", err)
	return nil
}
