// Package telemetry publishes operational metrics to CloudWatch. Emission is
// fire-and-forget: a metrics failure is logged, never propagated, so
// observability problems cannot fail ingestion or processing.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"contractflow/internal/types"
)

// CloudWatchClient abstracts the PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchEmitter publishes ingestion and worker metrics to the
// ContractFlow namespace.
//
// Metrics emitted:
//   - WebhookIngestion: Dims {Source, Result} -- one per Process call
//   - WebhookIngestionLatency: Dims {Source} -- wall time of the Process call
//   - WorkerOutcome: Dims {MessageType, Result} -- one per dequeued message
//   - QueueLag: Dims {Queue} -- enqueue-to-dequeue delay
type CloudWatchEmitter struct {
	client    CloudWatchClient
	namespace string
	queueName string
	logger    *slog.Logger
}

func NewCloudWatchEmitter(client CloudWatchClient, queueName string, logger *slog.Logger) *CloudWatchEmitter {
	return &CloudWatchEmitter{
		client:    client,
		namespace: types.MetricNamespace,
		queueName: queueName,
		logger:    logger,
	}
}

// RecordWebhookIngestion emits one ingestion outcome plus its latency.
func (e *CloudWatchEmitter) RecordWebhookIngestion(ctx context.Context, source, result string, latency time.Duration) {
	e.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(e.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricWebhookIngestion),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(types.DimSource), Value: aws.String(source)},
					{Name: aws.String(types.DimResult), Value: aws.String(result)},
				},
			},
			{
				MetricName: aws.String(types.MetricWebhookIngestion + "Latency"),
				Value:      aws.Float64(float64(latency.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(types.DimSource), Value: aws.String(source)},
				},
			},
		},
	})
}

// RecordWorkerOutcome emits one worker processing outcome.
func (e *CloudWatchEmitter) RecordWorkerOutcome(ctx context.Context, messageType, result string) {
	e.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(e.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricWorkerOutcome),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(types.DimMessageType), Value: aws.String(messageType)},
					{Name: aws.String(types.DimResult), Value: aws.String(result)},
				},
			},
		},
	})
}

// RecordQueueLag emits the delay between a message's enqueue timestamp and
// the moment a worker picked it up. Includes backlog and visibility-timeout
// redeliveries, so sustained growth signals an under-provisioned worker.
func (e *CloudWatchEmitter) RecordQueueLag(ctx context.Context, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	e.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(e.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricQueueLag),
				Value:      aws.Float64(float64(lag.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(types.DimQueue), Value: aws.String(e.queueName)},
				},
			},
		},
	})
}

func (e *CloudWatchEmitter) put(ctx context.Context, input *cloudwatch.PutMetricDataInput) {
	if _, err := e.client.PutMetricData(ctx, input); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish metric",
			"namespace", e.namespace,
			"error", err.Error(),
		)
	}
}
