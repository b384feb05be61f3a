// Package worker runs the long-lived queue consumers. A Poller owns one
// queue: it receives batches, fans processing out under a bounded concurrency
// limit, and routes failures through the retry/DLQ policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"contractflow/internal/messaging"
)

// MessageHandler processes one dequeued message. A nil return acknowledges
// the message; an error routes it through the retry/DLQ policy.
type MessageHandler interface {
	Handle(ctx context.Context, msg *messaging.QueueMessage) error
}

// HandlerFunc adapts a function to the MessageHandler interface.
type HandlerFunc func(ctx context.Context, msg *messaging.QueueMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg *messaging.QueueMessage) error {
	return f(ctx, msg)
}

// ErrPermanent marks handler failures that must never be retried: the message
// goes straight to the DLQ regardless of remaining retry budget.
var ErrPermanent = errors.New("permanent processing failure")

// OutcomeRecorder publishes per-message processing outcomes to an external
// metrics sink.
type OutcomeRecorder interface {
	RecordWorkerOutcome(ctx context.Context, messageType, result string)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// Outcome labels reported to the OutcomeRecorder.
const (
	outcomeSuccess = "success"
	outcomeRetried = "retried"
	outcomeDLQ     = "dlq"
	outcomeExpired = "expired"
)

// Config bounds a Poller's consumption.
type Config struct {
	BatchSize    int           // messages per Receive, clamped to [1, 10]
	Concurrency  int64         // concurrent handlers per batch
	IdleInterval time.Duration // wait after an empty receive
	ErrorBackoff time.Duration // wait after a failed receive
}

func (c Config) withDefaults() Config {
	if c.BatchSize < 1 {
		c.BatchSize = 10
	}
	if c.BatchSize > 10 {
		c.BatchSize = 10
	}
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	return c
}

// Poller is a long-lived consumer loop over a single queue backend. The
// application-level retry counter is the authority for DLQ routing; the
// backend's redrive policy sits underneath as a safety net for messages the
// worker never manages to acknowledge.
type Poller struct {
	backend  messaging.Backend
	handler  MessageHandler
	cfg      Config
	logger   *slog.Logger
	recorder OutcomeRecorder // optional
	sem      *semaphore.Weighted
}

// PollerOption configures optional collaborators.
type PollerOption func(*Poller)

func WithOutcomeRecorder(r OutcomeRecorder) PollerOption {
	return func(p *Poller) { p.recorder = r }
}

func NewPoller(backend messaging.Backend, handler MessageHandler, cfg Config, logger *slog.Logger, opts ...PollerOption) *Poller {
	cfg = cfg.withDefaults()
	p := &Poller{
		backend: backend,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(cfg.Concurrency),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes until ctx is cancelled. Receive errors back off and continue;
// only context cancellation ends the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "worker poller started",
		"batch_size", p.cfg.BatchSize,
		"concurrency", p.cfg.Concurrency,
	)

	for {
		if err := ctx.Err(); err != nil {
			p.logger.InfoContext(ctx, "worker poller stopping")
			return err
		}

		deliveries, err := p.backend.Receive(ctx, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.ErrorContext(ctx, "receive failed, backing off",
				"error", err.Error(),
				"backoff", p.cfg.ErrorBackoff.String(),
			)
			if !sleepCtx(ctx, p.cfg.ErrorBackoff) {
				return ctx.Err()
			}
			continue
		}

		if len(deliveries) == 0 {
			if !sleepCtx(ctx, p.cfg.IdleInterval) {
				return ctx.Err()
			}
			continue
		}

		p.processBatch(ctx, deliveries)
	}
}

// processBatch fans the batch out under the semaphore. Failures are isolated
// per message: no handler error is propagated to the group, so one poisoned
// message never blocks or fails its siblings.
func (p *Poller) processBatch(ctx context.Context, deliveries []messaging.Delivery) {
	g, gCtx := errgroup.WithContext(ctx)

	for _, d := range deliveries {
		if err := p.sem.Acquire(gCtx, 1); err != nil {
			break
		}
		delivery := d
		g.Go(func() error {
			defer p.sem.Release(1)
			p.processOne(gCtx, delivery)
			return nil
		})
	}

	g.Wait()
}

// processOne runs the full per-message policy: expiry check, handler
// invocation, then retry or DLQ routing on failure. The original delivery is
// acknowledged in every terminal path; losing an acknowledgment only costs a
// redundant redelivery (at-least-once).
func (p *Poller) processOne(ctx context.Context, d messaging.Delivery) {
	msg := d.Message
	acquiredAt := time.Now()

	if p.recorder != nil {
		p.recorder.RecordQueueLag(ctx, acquiredAt.Sub(msg.Timestamp))
	}

	if msg.HasExpired(acquiredAt) {
		p.toDLQ(ctx, d, fmt.Sprintf("processing timeout exceeded (%ds)", msg.ProcessingTimeoutSeconds))
		p.record(ctx, msg, outcomeExpired)
		return
	}

	err := p.handler.Handle(ctx, msg)
	if err == nil {
		if delErr := p.backend.Delete(ctx, d.ReceiptHandle); delErr != nil {
			p.logger.WarnContext(ctx, "acknowledge failed, message will redeliver",
				"contact_id", msg.ContactID,
				"error", delErr.Error(),
			)
		}
		p.record(ctx, msg, outcomeSuccess)
		return
	}

	p.logger.WarnContext(ctx, "message processing failed",
		"message_type", string(msg.MessageType),
		"contact_id", msg.ContactID,
		"retry_count", msg.RetryCount,
		"max_retries", msg.MaxRetries,
		"receive_count", d.ReceiveCount,
		"error", err.Error(),
	)

	if errors.Is(err, ErrPermanent) {
		p.toDLQ(ctx, d, err.Error())
		p.record(ctx, msg, outcomeDLQ)
		return
	}

	retry, retryErr := msg.CreateRetryMessage(err.Error())
	if retryErr != nil {
		// Budget exhausted: terminal.
		p.toDLQ(ctx, d, err.Error())
		p.record(ctx, msg, outcomeDLQ)
		return
	}

	if _, sendErr := p.backend.Send(ctx, retry); sendErr != nil {
		p.logger.ErrorContext(ctx, "retry re-enqueue failed, leaving original for redelivery",
			"contact_id", msg.ContactID,
			"error", sendErr.Error(),
		)
		// Do not acknowledge: the backend's redelivery keeps the message alive.
		return
	}

	if delErr := p.backend.Delete(ctx, d.ReceiptHandle); delErr != nil {
		p.logger.WarnContext(ctx, "acknowledge after retry enqueue failed",
			"contact_id", msg.ContactID,
			"error", delErr.Error(),
		)
	}
	p.record(ctx, msg, outcomeRetried)
}

// toDLQ promotes the message and acknowledges the original. A message that
// cannot reach the DLQ is potential silent data loss; the backend logs that
// at Error level, and the original stays unacknowledged for redelivery.
func (p *Poller) toDLQ(ctx context.Context, d messaging.Delivery, reason string) {
	if _, err := p.backend.SendToDLQ(ctx, d.Message, reason); err != nil {
		return
	}
	if err := p.backend.Delete(ctx, d.ReceiptHandle); err != nil {
		p.logger.WarnContext(ctx, "acknowledge after DLQ promotion failed",
			"contact_id", d.Message.ContactID,
			"error", err.Error(),
		)
	}
}

func (p *Poller) record(ctx context.Context, msg *messaging.QueueMessage, outcome string) {
	if p.recorder != nil {
		p.recorder.RecordWorkerOutcome(ctx, string(msg.MessageType), outcome)
	}
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
