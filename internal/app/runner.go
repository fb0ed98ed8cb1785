// Package app assembles the single-process topology: every periodic loop
// (eligibility sweep, generation worker poll, delivery dispatch, stale-job
// recovery, retention) runs as an interval task inside one binary, sharing
// the database pool instead of SQS queues.
package app

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// taskFunc is one iteration of a periodic loop. now is the tick instant.
type taskFunc func(ctx context.Context, now time.Time) error

// intervalRunner executes a task on a fixed interval. A compare-and-swap
// guard ensures at most one iteration is in flight: a tick that arrives
// while the previous iteration is still running is skipped, not queued, so
// a slow generation pass can never stack concurrent sweeps.
type intervalRunner struct {
	name     string
	interval time.Duration
	task     taskFunc
	logger   *slog.Logger
	nowFn    func() time.Time

	inFlight atomic.Bool
}

func newIntervalRunner(name string, interval time.Duration, task taskFunc, logger *slog.Logger) *intervalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &intervalRunner{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Run executes the task immediately, then on every interval tick until ctx
// is cancelled. Task errors are logged and do not stop the loop; returns
// nil once the context is done.
func (r *intervalRunner) Run(ctx context.Context) error {
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "interval loop stopped", "loop", r.name)
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one guarded iteration. Returns false if a previous iteration
// was still in flight and this one was skipped.
func (r *intervalRunner) tick(ctx context.Context) bool {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.WarnContext(ctx, "previous iteration still running, skipping tick", "loop", r.name)
		return false
	}
	defer r.inFlight.Store(false)

	start := r.nowFn()
	if err := r.task(ctx, start); err != nil {
		if ctx.Err() != nil {
			return true
		}
		r.logger.ErrorContext(ctx, "loop iteration failed",
			"loop", r.name,
			"duration", time.Since(start),
			"error", err,
		)
		return true
	}

	if elapsed := time.Since(start); elapsed > r.interval {
		r.logger.WarnContext(ctx, "loop iteration overran its interval",
			"loop", r.name,
			"duration", elapsed,
			"interval", r.interval,
		)
	}
	return true
}
