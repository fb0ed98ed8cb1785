package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"fablecast/internal/config"
)

// workerClaimBatch caps how many pending jobs one poll iteration claims.
// Generation runs sequentially and can take minutes per job, so the poller
// claims a single job per tick and lets the next tick pick up the rest.
const workerClaimBatch = 1

// EligibilitySweeper creates jobs for subjects whose trigger window contains
// now. Satisfied by *schedule.Scheduler.
type EligibilitySweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// JobPoller claims and processes pending generation jobs. Satisfied by
// *worker.GenerationWorker.
type JobPoller interface {
	RunOnce(ctx context.Context, limit int) (int, error)
}

// DeliveryDispatcher sends due deliveries. Satisfied by
// *delivery.Dispatcher.
type DeliveryDispatcher interface {
	RunOnce(ctx context.Context, now time.Time) (int, error)
}

// MaintenanceTask is a periodic housekeeping pass. Satisfied by
// *schedule.RecoveryMonitor and *schedule.RetentionSweeper.
type MaintenanceTask interface {
	Run(ctx context.Context, now time.Time) (int, error)
}

// App owns the periodic loops of the single-process topology.
type App struct {
	runners []*intervalRunner
	logger  *slog.Logger
}

// New wires the loops onto their configured intervals. Any nil component is
// left out, so a deployment can run a subset (for example dispatch only).
func New(cfg *config.Config, logger *slog.Logger,
	sweeper EligibilitySweeper,
	poller JobPoller,
	dispatcher DeliveryDispatcher,
	recovery MaintenanceTask,
	retention MaintenanceTask,
) *App {
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{logger: logger}

	if sweeper != nil {
		a.runners = append(a.runners, newIntervalRunner(
			"eligibility-sweep",
			cfg.Scheduler.CheckInterval,
			func(ctx context.Context, now time.Time) error {
				_, err := sweeper.Sweep(ctx, now)
				return err
			},
			logger,
		))
	}

	if poller != nil {
		a.runners = append(a.runners, newIntervalRunner(
			"generation-poll",
			cfg.Worker.PollInterval,
			func(ctx context.Context, _ time.Time) error {
				_, err := poller.RunOnce(ctx, workerClaimBatch)
				return err
			},
			logger,
		))
	}

	if dispatcher != nil {
		a.runners = append(a.runners, newIntervalRunner(
			"delivery-dispatch",
			cfg.Delivery.CheckInterval,
			func(ctx context.Context, now time.Time) error {
				_, err := dispatcher.RunOnce(ctx, now)
				return err
			},
			logger,
		))
	}

	if recovery != nil {
		a.runners = append(a.runners, newIntervalRunner(
			"stale-recovery",
			cfg.Worker.RecoveryInterval,
			func(ctx context.Context, now time.Time) error {
				_, err := recovery.Run(ctx, now)
				return err
			},
			logger,
		))
	}

	if retention != nil {
		a.runners = append(a.runners, newIntervalRunner(
			"retention",
			cfg.Worker.RetentionInterval,
			func(ctx context.Context, now time.Time) error {
				_, err := retention.Run(ctx, now)
				return err
			},
			logger,
		))
	}

	return a
}

// Run starts every loop and blocks until ctx is cancelled and all loops have
// drained. Individual iteration failures are logged inside the runners;
// Run itself only returns after shutdown.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting periodic loops", "count", len(a.runners))

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range a.runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	return g.Wait()
}
