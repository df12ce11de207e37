package usecase

import (
	"context"
	"errors"
	"time"

	"XueXinwen/internal/ports"
)

// Scheduler runs backfill sweeps on a ports.Scheduler driver.
type Scheduler struct {
	driver   ports.Scheduler
	backfill *Backfill
	onSweep  func(BackfillReport, error)
}

// NewScheduler binds backfill to driver.
func NewScheduler(driver ports.Scheduler, backfill *Backfill) *Scheduler {
	return &Scheduler{driver: driver, backfill: backfill}
}

// OnSweep registers a callback invoked after every sweep.
func (s *Scheduler) OnSweep(fn func(BackfillReport, error)) *Scheduler {
	s.onSweep = fn
	return s
}

// Start hands the sweep job to the driver. A nil driver or backfill makes it a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.backfill == nil {
		return nil
	}
	logger := s.backfill.logger.With("job", "backfill")

	return s.driver.Start(ctx, func(tick time.Time) {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		report, err := s.backfill.Sweep(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			logger.Debug("backfill interrupted", "tick", tick)
		case err != nil:
			logger.Error("backfill sweep failed", "tick", tick, "error", err)
		default:
			logger.Info("backfill sweep done",
				"tick", tick,
				"took", time.Since(started),
				"candidates", report.Candidates,
				"completed", report.Completed,
				"partial", report.Partial,
				"failed", report.Failed)
		}
		if s.onSweep != nil {
			s.onSweep(report, err)
		}
	})
}

// Stop tears the driver down.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}
