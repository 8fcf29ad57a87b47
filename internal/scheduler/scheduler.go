// Package scheduler fires the daily batch at a configured wall-clock
// time and owns the order lock that blocks new submissions while a
// batch is in flight.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/etfpool/batch-engine/internal/model"
)

// Runner is the batch pipeline the scheduler drives.
type Runner interface {
	Run(ctx context.Context) (*model.BatchExecution, error)
	Reconcile(ctx context.Context) error
}

// Scheduler triggers one batch per day at batchTime (HH:MM, local
// time). While a batch runs, Locked reports true and the intent service
// refuses new submissions.
type Scheduler struct {
	runner    Runner
	batchTime string
	tick      time.Duration
	locked    atomic.Bool
	lastFired atomic.Int64 // unix minute of the last trigger

	// now is swapped in tests.
	now func() time.Time
}

// New creates a scheduler. batchTime is "HH:MM" in the server's local
// zone; tick is how often the target time is checked.
func New(runner Runner, batchTime string, tick time.Duration) (*Scheduler, error) {
	if _, err := time.Parse("15:04", batchTime); err != nil {
		return nil, fmt.Errorf("invalid batch time %q: %w", batchTime, err)
	}
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		runner:    runner,
		batchTime: batchTime,
		tick:      tick,
		now:       time.Now,
	}, nil
}

// Locked reports whether a batch is currently running. The intent
// service consults this before accepting submissions.
func (s *Scheduler) Locked() bool {
	return s.locked.Load()
}

// Start blocks, checking every tick whether the batch time has arrived,
// until ctx is cancelled. At most one batch fires per calendar minute,
// so a tick shorter than a minute cannot double-fire.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("scheduler started", "batch_time", s.batchTime, "tick", s.tick)
	t := time.NewTicker(s.tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-t.C:
			s.maybeFire(ctx)
		}
	}
}

func (s *Scheduler) maybeFire(ctx context.Context) {
	now := s.now()
	if now.Format("15:04") != s.batchTime {
		return
	}
	minute := now.Unix() / 60
	if s.lastFired.Swap(minute) == minute {
		return
	}
	s.run(ctx, "scheduled")
}

// RunNow triggers a batch immediately, for the admin endpoint. Returns
// ErrBatchInProgress if one is already running.
func (s *Scheduler) RunNow(ctx context.Context) (*model.BatchExecution, error) {
	if !s.locked.CompareAndSwap(false, true) {
		return nil, model.ErrBatchInProgress
	}
	defer s.locked.Store(false)

	b, err := s.runner.Run(ctx)
	if rerr := s.runner.Reconcile(ctx); rerr != nil {
		slog.Warn("post-batch reconciliation incomplete", "err", rerr)
	}
	return b, err
}

func (s *Scheduler) run(ctx context.Context, trigger string) {
	if !s.locked.CompareAndSwap(false, true) {
		slog.Warn("batch trigger skipped, previous batch still running", "trigger", trigger)
		return
	}
	defer s.locked.Store(false)

	slog.Info("batch triggered", "trigger", trigger)
	if _, err := s.runner.Run(ctx); err != nil {
		slog.Error("batch run failed", "trigger", trigger, "err", err)
	}
	if err := s.runner.Reconcile(ctx); err != nil {
		slog.Warn("post-batch reconciliation incomplete", "err", err)
	}
}
