package types

// MetricNamespace is the CloudWatch namespace for all ContractFlow metrics.
const MetricNamespace = "ContractFlow"

// Metric names emitted by the ingestion pipeline and workers.
const (
	MetricWebhookIngestion = "WebhookIngestion"
	MetricWorkerOutcome    = "WorkerOutcome"
	MetricQueueLag         = "QueueLag"
)

// Metric dimension names.
const (
	DimResult      = "Result"
	DimQueue       = "Queue"
	DimSource      = "Source"
	DimMessageType = "MessageType"
)
