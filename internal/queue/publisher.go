// Package queue provides SQS-based message producers for dispatching
// generation and delivery work to downstream workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"fablecast/internal/config"
	"fablecast/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NewSQSClient builds an SQS client from the AWS config. A non-empty
// EndpointURL overrides the resolved endpoint for local development against
// localstack.
func NewSQSClient(ctx context.Context, cfg config.AWSConfig) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("queue: loading AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	}), nil
}

// SQSPublisher sends generation and delivery messages to their queues. It
// satisfies the publisher interfaces of the schedule and delivery packages.
type SQSPublisher struct {
	client             SQSSender
	generationQueueURL string
	deliveryQueueURL   string
	logger             *slog.Logger
}

// NewSQSPublisher creates a new SQSPublisher with the given SQS client and
// configuration. Queue URLs come from the AWSConfig.
func NewSQSPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *SQSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSPublisher{
		client:             client,
		generationQueueURL: awsCfg.GenerationQueue,
		deliveryQueueURL:   awsCfg.DeliveryQueue,
		logger:             logger,
	}
}

// PublishGeneration enqueues one generation message. Duplicate publishes are
// harmless: the consumer's claim rejects a job that is already running.
func (p *SQSPublisher) PublishGeneration(ctx context.Context, msg types.GenerationMessage) error {
	if err := p.send(ctx, p.generationQueueURL, msg, msg.TraceID, "generation"); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "generation message sent",
		"queue_url", p.generationQueueURL,
		"job_id", msg.JobID,
		"subject_id", msg.SubjectID,
		"trace_id", msg.TraceID,
		"retry_count", msg.RetryCount,
	)
	return nil
}

// PublishDelivery enqueues one delivery message. Duplicate publishes are
// harmless: the consumer's sending claim rejects a delivery already taken.
func (p *SQSPublisher) PublishDelivery(ctx context.Context, msg types.DeliveryMessage) error {
	if err := p.send(ctx, p.deliveryQueueURL, msg, msg.TraceID, "delivery"); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "delivery message sent",
		"queue_url", p.deliveryQueueURL,
		"delivery_id", msg.DeliveryID,
		"job_id", msg.JobID,
		"trace_id", msg.TraceID,
	)
	return nil
}

// send serializes the message to JSON and dispatches it to the queue with a
// kind attribute for queue-side filtering and metrics.
func (p *SQSPublisher) send(ctx context.Context, queueURL string, msg any, traceID string, kind string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal %s message: %w", kind, err)
	}

	attrs := map[string]sqsTypes.MessageAttributeValue{
		"kind": {
			DataType:    aws.String("String"),
			StringValue: aws.String(kind),
		},
	}
	if traceID != "" {
		attrs["trace_id"] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(traceID),
		}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send %s message to %s: %w", kind, queueURL, err)
	}
	return nil
}
