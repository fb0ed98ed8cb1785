// Package main is the entrypoint for the scheduler Lambda of the distributed
// topology.
//
// Invoked every minute by an EventBridge rule, it runs one eligibility sweep
// (creating jobs and publishing generation messages), one stale-job recovery
// pass, and one delivery dispatch pass in publisher mode (publishing due
// deliveries to the delivery queue instead of sending inline). A separate
// EventBridge rule invokes it daily with {"task": "retention"} for the
// retention sweep.
//
// Outside Lambda (no AWS_LAMBDA_RUNTIME_API), the binary runs a single tick
// and exits, which makes it usable under plain cron and in local testing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"fablecast/internal/config"
	"fablecast/internal/db"
	"fablecast/internal/delivery"
	"fablecast/internal/metrics"
	"fablecast/internal/queue"
	"fablecast/internal/schedule"
)

// schedulerInput is the invocation payload. An empty Task runs the per-minute
// tick; "retention" runs the daily retention sweep.
type schedulerInput struct {
	Task string `json:"task"`
}

// tickHandler holds the services one scheduler invocation drives.
type tickHandler struct {
	scheduler  *schedule.Scheduler
	recovery   *schedule.RecoveryMonitor
	dispatcher *delivery.Dispatcher
	retention  *schedule.RetentionSweeper
	logger     *slog.Logger
}

// Handle runs one scheduler invocation. Sweep, recovery, and dispatch are
// independent passes; a failure in one is reported but does not stop the
// others, so a bad dispatch never blocks job creation.
func (h *tickHandler) Handle(ctx context.Context, input schedulerInput) (string, error) {
	now := time.Now().UTC()

	if input.Task == "retention" {
		deleted, err := h.retention.Run(ctx, now)
		if err != nil {
			return "", fmt.Errorf("retention sweep: %w", err)
		}
		return fmt.Sprintf("retention complete: %d jobs deleted", deleted), nil
	}

	var firstErr error

	created, err := h.scheduler.Sweep(ctx, now)
	if err != nil {
		h.logger.ErrorContext(ctx, "eligibility sweep failed", "error", err)
		firstErr = fmt.Errorf("eligibility sweep: %w", err)
	}

	recovered, err := h.recovery.Run(ctx, now)
	if err != nil {
		h.logger.ErrorContext(ctx, "recovery pass failed", "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("recovery pass: %w", err)
		}
	}

	published, err := h.dispatcher.RunOnce(ctx, now)
	if err != nil {
		h.logger.ErrorContext(ctx, "delivery dispatch failed", "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("delivery dispatch: %w", err)
		}
	}

	if firstErr != nil {
		return "", firstErr
	}

	summary := fmt.Sprintf("tick complete: %d jobs created, %d recovered, %d deliveries published",
		created, recovered, published)
	h.logger.InfoContext(ctx, summary)
	return summary, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("scheduler initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	sqsClient, err := queue.NewSQSClient(ctx, cfg.AWS)
	if err != nil {
		logger.Error("failed to create SQS client", "error", err)
		os.Exit(1)
	}
	publisher := queue.NewSQSPublisher(sqsClient, cfg.AWS, logger)

	var meter metrics.Emitter = metrics.NoopEmitter{}
	if cfg.Environment != "local" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			logger.Error("failed to load AWS SDK config", "error", err)
			os.Exit(1)
		}
		meter = metrics.NewCloudWatchEmitter(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger)
	}

	jobRepo := db.NewJobRepository(pool)
	deliveryRepo := db.NewDeliveryRepository(pool)
	subjectRepo := db.NewSubjectRepository(pool)

	var archiver schedule.JobArchiver
	if cfg.Worker.ArchiveDir != "" {
		archiver, err = schedule.NewGzipFileArchiver(cfg.Worker.ArchiveDir)
		if err != nil {
			logger.Error("failed to create job archiver", "error", err)
			os.Exit(1)
		}
	}

	h := &tickHandler{
		scheduler: schedule.NewScheduler(subjectRepo, jobRepo, publisher, meter, logger, cfg.Scheduler),
		recovery:  schedule.NewRecoveryMonitor(jobRepo, publisher, meter, logger, cfg.Worker),
		// Publisher mode: no sender; due deliveries are enqueued for the
		// delivery worker.
		dispatcher: delivery.NewDispatcher(deliveryRepo, jobRepo, nil, publisher, meter, logger, cfg.Delivery),
		retention:  schedule.NewRetentionSweeper(jobRepo, archiver, logger, cfg.Worker),
		logger:     logger,
	}

	logger.Info("scheduler initialized",
		"generation_queue", cfg.AWS.GenerationQueue,
		"delivery_queue", cfg.AWS.DeliveryQueue,
	)

	if isLambdaEnvironment() {
		lambda.Start(h.Handle)
		return
	}

	// Cron / local mode: one tick per process.
	task := ""
	if len(os.Args) > 1 {
		task = os.Args[1]
	}
	summary, err := h.Handle(ctx, schedulerInput{Task: task})
	pool.Close()
	if err != nil {
		logger.Error("scheduler tick failed", "error", err)
		os.Exit(1)
	}
	logger.Info(summary)
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}
