// Package main is the entrypoint for the generation worker Lambda of the
// distributed topology.
//
// The worker consumes generation messages from the generation SQS queue,
// claims the referenced job, runs story generation, and schedules the
// resulting delivery. Each invocation receives a batch of SQS messages and
// returns partial batch failures so SQS retries only the messages that
// failed on infrastructure errors; duplicate and stale messages are ACKed.
//
// Cold start: logger, configuration, database pool, generator client,
// CloudWatch metrics, then lambda.Start. With APP_ENV=local the binary reads
// one SQS event as JSON from stdin instead of starting the Lambda runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"fablecast/internal/config"
	"fablecast/internal/db"
	"fablecast/internal/external"
	"fablecast/internal/metrics"
	"fablecast/internal/types"
	"fablecast/internal/worker"
)

// handler holds the dependencies for the generation worker Lambda.
type handler struct {
	worker *worker.GenerationWorker
	logger *slog.Logger
}

// Handle processes an SQS event containing one or more generation messages.
// Messages that fail on infrastructure errors are returned in
// batchItemFailures so SQS retries only those.
func (h *handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (h *handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var msg types.GenerationMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// Permanent parse failure: ACK, a redrive cannot fix the body.
		h.logger.ErrorContext(ctx, "failed to unmarshal generation message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	return h.worker.ProcessMessage(ctx, msg)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("generation worker initializing (cold start)")

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

	var meter metrics.Emitter = metrics.NoopEmitter{}
	if cfg.Environment != "local" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			logger.Error("failed to load AWS SDK config", "error", err)
			os.Exit(1)
		}
		meter = metrics.NewCloudWatchEmitter(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger)
	}

	var generator external.StoryGenerator
	if cfg.Generator.EndpointURL == "" {
		logger.Warn("GENERATOR_ENDPOINT_URL not set, using stub story generator")
		generator = external.NewStubGenerator(logger)
	} else {
		generator = external.NewGeneratorClient(
			&http.Client{Timeout: cfg.Generator.Timeout},
			external.GeneratorClientConfig{
				EndpointURL: cfg.Generator.EndpointURL,
				APIKey:      cfg.Generator.APIKey,
				Logger:      logger,
			},
		)
	}

	jobRepo := db.NewJobRepository(pool)
	deliveryRepo := db.NewDeliveryRepository(pool)
	subjectRepo := db.NewSubjectRepository(pool)

	h := &handler{
		worker: worker.NewGenerationWorker(jobRepo, deliveryRepo, subjectRepo, generator, meter, logger, cfg.Worker),
		logger: logger,
	}

	logger.Info("generation worker initialized",
		"generation_queue", cfg.AWS.GenerationQueue,
		"retry_ceiling", cfg.Worker.RetryCeiling,
	)

	if cfg.Environment == "local" && !isLambdaEnvironment() {
		runLocal(h, logger)
		return
	}

	lambda.Start(h.Handle)
}

// runLocal reads one SQS event as JSON from stdin and processes it, for
// local integration testing without the Lambda runtime.
func runLocal(h *handler, logger *slog.Logger) {
	logger.Info("local mode: reading SQS event from stdin")

	payload, err := io.ReadAll(os.Stdin)
	if err != nil || len(payload) == 0 {
		logger.Error("failed to read SQS event from stdin", "error", err)
		os.Exit(1)
	}

	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		logger.Error("failed to parse stdin as SQS event", "error", err)
		os.Exit(1)
	}

	response, err := h.Handle(context.Background(), sqsEvent)
	if err != nil {
		logger.Error("handler execution failed", "error", err)
		os.Exit(1)
	}
	if len(response.BatchItemFailures) > 0 {
		respJSON, _ := json.MarshalIndent(response, "", "  ")
		fmt.Fprintln(os.Stderr, string(respJSON))
	}
	logger.Info("handler execution completed",
		"records_processed", len(sqsEvent.Records),
		"failures", len(response.BatchItemFailures),
	)
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}
