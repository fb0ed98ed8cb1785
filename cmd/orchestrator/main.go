// Package main is the entrypoint for the single-process orchestrator.
//
// The orchestrator runs the pipeline's periodic loops inside one binary:
// the eligibility sweep, the generation worker poll, the delivery dispatch,
// stale-job recovery, and the retention sweep, plus the ops HTTP API. In the
// single-process topology (the default) everything executes inline against
// one database pool. With TOPOLOGY=distributed the sweep and dispatch loops
// publish to SQS instead, and the queue-consumer Lambdas do the generation
// and sending.
//
// Startup:
//  1. Load configuration from environment (dotenv in local mode).
//  2. Initialize structured JSON logger.
//  3. Connect and ping the database pool.
//  4. Build repositories, external clients, and the periodic loops.
//  5. Run loops and the HTTP server until SIGINT/SIGTERM.
//
// In local mode (APP_ENV=local) missing provider credentials fall back to
// stub clients so the pipeline can run end to end without external services.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"golang.org/x/sync/errgroup"

	"fablecast/internal/app"
	"fablecast/internal/config"
	"fablecast/internal/db"
	"fablecast/internal/delivery"
	"fablecast/internal/external"
	"fablecast/internal/metrics"
	"fablecast/internal/ops"
	"fablecast/internal/queue"
	"fablecast/internal/schedule"
	"fablecast/internal/types"
	"fablecast/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("orchestrator starting",
		"environment", cfg.Environment,
		"topology", string(cfg.Topology),
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	jobRepo := db.NewJobRepository(pool)
	deliveryRepo := db.NewDeliveryRepository(pool)
	subjectRepo := db.NewSubjectRepository(pool)

	meter, err := newEmitter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// In the distributed topology this binary keeps the polling loops but
	// publishes work to SQS instead of executing it inline; the queue-consumer
	// Lambdas do the generation and sending.
	var genPublisher schedule.GenerationPublisher
	var dlvPublisher delivery.Publisher
	var genWorker *worker.GenerationWorker
	var dispatcher *delivery.Dispatcher

	if cfg.Topology == types.TopologyDistributed {
		sqsClient, err := queue.NewSQSClient(ctx, cfg.AWS)
		if err != nil {
			return fmt.Errorf("creating SQS client: %w", err)
		}
		publisher := queue.NewSQSPublisher(sqsClient, cfg.AWS, logger)
		genPublisher = publisher
		dlvPublisher = publisher
		dispatcher = delivery.NewDispatcher(deliveryRepo, jobRepo, nil, dlvPublisher, meter, logger, cfg.Delivery)
	} else {
		generator := newGenerator(cfg, logger)
		sender := newEmailSender(cfg, logger)
		genWorker = worker.NewGenerationWorker(jobRepo, deliveryRepo, subjectRepo, generator, meter, logger, cfg.Worker)
		dispatcher = delivery.NewDispatcher(deliveryRepo, jobRepo, sender, nil, meter, logger, cfg.Delivery)
	}

	scheduler := schedule.NewScheduler(subjectRepo, jobRepo, genPublisher, meter, logger, cfg.Scheduler)
	recovery := schedule.NewRecoveryMonitor(jobRepo, genPublisher, meter, logger, cfg.Worker)

	var archiver schedule.JobArchiver
	if cfg.Worker.ArchiveDir != "" {
		archiver, err = schedule.NewGzipFileArchiver(cfg.Worker.ArchiveDir)
		if err != nil {
			return fmt.Errorf("creating job archiver: %w", err)
		}
	}
	retention := schedule.NewRetentionSweeper(jobRepo, archiver, logger, cfg.Worker)

	// The poll loop only exists in the single-process topology; in distributed
	// mode the generation queue Lambdas do the claiming.
	var poller app.JobPoller
	if genWorker != nil {
		poller = genWorker
	}
	loops := app.New(cfg, logger, scheduler, poller, dispatcher, recovery, retention)

	handler := ops.NewHandler(jobRepo, deliveryRepo, scheduler)
	server := ops.NewServer(cfg, logger, pool, handler)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loops.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("ops HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("orchestrator stopped cleanly")
	return nil
}

// newEmitter returns the CloudWatch metrics emitter, or a no-op in local mode.
func newEmitter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.Emitter, error) {
	if cfg.Environment == "local" {
		return metrics.NoopEmitter{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	return metrics.NewCloudWatchEmitter(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger), nil
}

// newGenerator returns the story generator client, or a stub when no endpoint
// is configured in local mode.
func newGenerator(cfg *config.Config, logger *slog.Logger) external.StoryGenerator {
	if cfg.Generator.EndpointURL == "" {
		logger.Warn("GENERATOR_ENDPOINT_URL not set, using stub story generator")
		return external.NewStubGenerator(logger)
	}
	return external.NewGeneratorClient(
		&http.Client{Timeout: cfg.Generator.Timeout},
		external.GeneratorClientConfig{
			EndpointURL: cfg.Generator.EndpointURL,
			APIKey:      cfg.Generator.APIKey,
			Logger:      logger,
		},
	)
}

// newEmailSender returns the Resend client, or a stub when no API key is
// configured in local mode.
func newEmailSender(cfg *config.Config, logger *slog.Logger) external.EmailSender {
	if cfg.Email.ResendAPIKey == "" {
		logger.Warn("RESEND_API_KEY not set, using stub email sender")
		return external.NewStubEmailSender(logger)
	}
	return external.NewResendClient(&http.Client{Timeout: 30 * time.Second}, cfg.Email, logger)
}

// newLogger creates the structured JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
