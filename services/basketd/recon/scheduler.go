package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic sweep.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Logger     *slog.Logger
}

// Scheduler executes reconciliation sweeps on a fixed cadence.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   interval,
		logger:     logger,
	}
}

// Start runs sweeps until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.reconciler.Sweep(ctx)
			if err != nil {
				s.logger.Error("recon scheduler sweep failed", "error", err)
				continue
			}
			if len(result.Critical) > 0 {
				s.logger.Warn("recon scheduler sweep found unresolved sagas", "critical", len(result.Critical))
			}
		}
	}
}
