package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// localMessage wraps an enqueued QueueMessage with backend-private delivery
// state.
type localMessage struct {
	msg          *QueueMessage
	receiveCount int
}

// MemoryBackend is the in-process Backend used for local development and
// tests. Messages live in an ordered slice per queue name; Receive pops from
// the front (best-effort FIFO within this instance). It performs no
// delivery-count-based DLQ promotion: callers decide when to call SendToDLQ.
// Nothing survives a process restart.
type MemoryBackend struct {
	queueName string
	dlqName   string

	mu       sync.Mutex
	queues   map[string][]*localMessage
	inflight map[string]*localMessage

	tracker *idempotencyTracker
	logger  *slog.Logger
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates a MemoryBackend for the given main queue name.
// The DLQ name is derived via DeriveDLQName.
func NewMemoryBackend(queueName string, logger *slog.Logger) *MemoryBackend {
	return &MemoryBackend{
		queueName: queueName,
		dlqName:   DeriveDLQName(queueName),
		queues:    make(map[string][]*localMessage),
		inflight:  make(map[string]*localMessage),
		tracker:   newIdempotencyTracker(defaultIdempotencyCapacity),
		logger:    logger,
	}
}

// QueueName returns the main queue name.
func (b *MemoryBackend) QueueName() string { return b.queueName }

// DLQName returns the derived dead-letter queue name.
func (b *MemoryBackend) DLQName() string { return b.dlqName }

// Send enqueues msg unless its idempotency key was accepted before, in which
// case a duplicate-marker id is returned and the queue is left untouched.
// Retry re-enqueues keep the original key by design and bypass the check.
func (b *MemoryBackend) Send(ctx context.Context, msg *QueueMessage) (string, error) {
	if msg.MessageType != MessageTypeRetryTask && b.tracker.CheckAndRecord(msg.IdempotencyKey) {
		b.logger.InfoContext(ctx, "duplicate message suppressed",
			"queue", b.queueName,
			"idempotency_key", msg.IdempotencyKey,
			"contact_id", msg.ContactID,
		)
		return DuplicateIDPrefix + msg.IdempotencyKey, nil
	}
	return b.enqueue(ctx, b.queueName, msg), nil
}

// Receive pops up to maxMessages from the front of the main queue. Delivered
// messages are parked in an in-flight map keyed by receipt handle until
// Delete acknowledges them; undelivered they are simply gone from the queue
// (the in-memory backend has no visibility timeout).
func (b *MemoryBackend) Receive(_ context.Context, maxMessages int) ([]Delivery, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.queues[b.queueName]
	n := min(maxMessages, len(pending))
	if n == 0 {
		return nil, nil
	}

	deliveries := make([]Delivery, 0, n)
	for _, lm := range pending[:n] {
		lm.receiveCount++
		handle := uuid.NewString()
		b.inflight[handle] = lm
		deliveries = append(deliveries, Delivery{
			Message:       lm.msg,
			ReceiptHandle: handle,
			ReceiveCount:  lm.receiveCount,
		})
	}
	b.queues[b.queueName] = pending[n:]

	return deliveries, nil
}

// Delete acknowledges a delivery. Deleting an unknown or already-deleted
// receipt handle is a no-op.
func (b *MemoryBackend) Delete(_ context.Context, receiptHandle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, receiptHandle)
	return nil
}

// SendToDLQ derives a dlq_message and enqueues it on the paired dead-letter
// queue.
func (b *MemoryBackend) SendToDLQ(ctx context.Context, msg *QueueMessage, failureReason string) (string, error) {
	dlqMsg := msg.CreateDLQMessage(b.queueName, failureReason)
	id := b.enqueue(ctx, b.dlqName, dlqMsg)
	b.logger.WarnContext(ctx, "message promoted to DLQ",
		"queue", b.queueName,
		"dlq", b.dlqName,
		"contact_id", msg.ContactID,
		"failure_reason", failureReason,
		"retry_count", msg.RetryCount,
	)
	return id, nil
}

// HealthCheck reports the main queue depth and DLQ depth. The in-memory
// backend is always reachable.
func (b *MemoryBackend) HealthCheck(_ context.Context) HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return HealthStatus{
		Healthy:         true,
		QueueName:       b.queueName,
		PendingMessages: len(b.queues[b.queueName]),
		DLQDepth:        len(b.queues[b.dlqName]),
	}
}

func (b *MemoryBackend) enqueue(ctx context.Context, queue string, msg *QueueMessage) string {
	id := uuid.NewString()

	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], &localMessage{msg: msg})
	depth := len(b.queues[queue])
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "message enqueued",
		"queue", queue,
		"message_id", id,
		"message_type", string(msg.MessageType),
		"contact_id", msg.ContactID,
		"trace_id", msg.TraceID,
		"queue_depth", depth,
	)
	return id
}
