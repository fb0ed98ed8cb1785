// Package metrics emits operational metrics for the generation pipeline to
// CloudWatch. Emission is best-effort: a metric publish failure is logged and
// swallowed, never propagated into the pipeline itself.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names published under the configured namespace.
const (
	MetricJobsCreated       = "JobsCreated"
	MetricJobsCompleted     = "JobsCompleted"
	MetricJobsFailed        = "JobsFailed"
	MetricJobsRecovered     = "JobsRecovered"
	MetricDeliveriesSent    = "DeliveriesSent"
	MetricDeliveriesFailed  = "DeliveriesFailed"
	MetricDeliveryDesync    = "DeliveryDesync"
	MetricGenerationLatency = "GenerationLatency"
	MetricSendLatency       = "SendLatency"
)

// Dimension names.
const (
	DimTopology = "Topology"
	DimReason   = "Reason"
)

// Emitter is the consumer-side metrics interface. Components hold this
// instead of the CloudWatch client so tests and local mode can use NoopEmitter.
type Emitter interface {
	Count(ctx context.Context, name string, value float64, dims map[string]string)
	Duration(ctx context.Context, name string, d time.Duration, dims map[string]string)
}

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchEmitter publishes metrics to a CloudWatch namespace.
type CloudWatchEmitter struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Emitter = (*CloudWatchEmitter)(nil)

// NewCloudWatchEmitter creates an emitter publishing to the given namespace.
func NewCloudWatchEmitter(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchEmitter{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// Count emits a count metric with the given dimensions.
func (m *CloudWatchEmitter) Count(ctx context.Context, name string, value float64, dims map[string]string) {
	m.put(ctx, name, value, cwtypes.StandardUnitCount, dims)
}

// Duration emits a latency metric in milliseconds.
func (m *CloudWatchEmitter) Duration(ctx context.Context, name string, d time.Duration, dims map[string]string) {
	m.put(ctx, name, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims)
}

func (m *CloudWatchEmitter) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims map[string]string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metric",
			"metric", name,
			"error", err,
		)
	}
}

// NoopEmitter discards all metrics. Used in local mode and tests.
type NoopEmitter struct{}

var _ Emitter = NoopEmitter{}

func (NoopEmitter) Count(context.Context, string, float64, map[string]string)          {}
func (NoopEmitter) Duration(context.Context, string, time.Duration, map[string]string) {}
