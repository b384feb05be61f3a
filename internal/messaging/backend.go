package messaging

import (
	"context"
	"strings"
)

// DuplicateIDPrefix marks the synthetic message id returned by Send when the
// message's idempotency key was already accepted and nothing was enqueued.
const DuplicateIDPrefix = "duplicate_"

// IsDuplicateID reports whether a message id returned by Send indicates a
// deduplicated no-op rather than a real enqueue.
func IsDuplicateID(id string) bool {
	return strings.HasPrefix(id, DuplicateIDPrefix)
}

// Delivery is one not-yet-acknowledged message handed to a consumer. The
// receipt handle is opaque and only meaningful to the backend that issued it.
type Delivery struct {
	Message       *QueueMessage
	ReceiptHandle string
	// ReceiveCount is how many times this message has been delivered,
	// including this delivery. Backends that cannot track it report 1.
	ReceiveCount int
}

// HealthStatus reports backend reachability and queue depths.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	QueueName       string `json:"queue_name"`
	PendingMessages int    `json:"pending_messages"`
	DLQDepth        int    `json:"dlq_depth"`
	Detail          string `json:"detail,omitempty"`
}

// Backend is the queue abstraction the processor and workers are written
// against. Both implementations (in-memory and SQS) own a main queue, its
// paired dead-letter queue, and a bounded set of recently accepted
// idempotency keys.
//
// Semantics shared by all implementations:
//   - Send returns a duplicate-marker id (DuplicateIDPrefix) without
//     enqueuing when the message's idempotency key was accepted before.
//   - Delete is idempotent; acknowledging an already-deleted delivery is not
//     an error.
//   - SendToDLQ derives a dlq_message via CreateDLQMessage and enqueues it on
//     the paired DLQ, tagged with the main queue's name and failure reason.
type Backend interface {
	Send(ctx context.Context, msg *QueueMessage) (string, error)
	Receive(ctx context.Context, maxMessages int) ([]Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
	SendToDLQ(ctx context.Context, msg *QueueMessage, failureReason string) (string, error)
	HealthCheck(ctx context.Context) HealthStatus
}

// envSuffixes are the recognized environment suffixes of queue names, checked
// in order. The match determines how the DLQ name is derived.
var envSuffixes = []string{"-dev-sqs", "-staging-sqs", "-prod-sqs", "-sqs"}

// DeriveDLQName returns the dead-letter queue name for a main queue name.
// The environment suffix is replaced with a "-dl-<env>-sqs" pattern:
//
//	uw-contracts-parser-dev-sqs -> uw-contracts-parser-dl-dev-sqs
//	uw-contracts-parser-sqs     -> uw-contracts-parser-dl-sqs
//
// Names without a recognized suffix fall back to "<queue>-dlq". Operators and
// dashboards rely on this convention to locate a queue's DLQ, so it is part
// of the operational contract.
func DeriveDLQName(queueName string) string {
	// FIFO queues keep their required suffix on the derived name.
	base, fifo := strings.CutSuffix(queueName, ".fifo")

	for _, suffix := range envSuffixes {
		if trimmed, ok := strings.CutSuffix(base, suffix); ok {
			dlq := trimmed + "-dl" + suffix
			if fifo {
				dlq += ".fifo"
			}
			return dlq
		}
	}

	dlq := base + "-dlq"
	if fifo {
		dlq += ".fifo"
	}
	return dlq
}
