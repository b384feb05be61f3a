package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"contractflow/internal/messaging"
)

// Processing statuses reported in ProcessingResult.Status.
const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
	StatusFailed    = "failed"
)

// DocumentResolver resolves a human-entered document name to a canonical
// document id. Implemented by the external lookup client.
type DocumentResolver interface {
	ResolveDocumentID(ctx context.Context, contactID, docName string) (string, error)
}

// AuditRecorder persists an ingestion outcome. Implemented by the database
// audit repository; recording is best-effort and never fails ingestion.
type AuditRecorder interface {
	RecordIngestion(ctx context.Context, payload WebhookPayload, result ProcessingResult) error
}

// OutcomeEmitter publishes ingestion outcomes to an external metrics sink.
type OutcomeEmitter interface {
	RecordWebhookIngestion(ctx context.Context, source, result string, latency time.Duration)
}

// ProcessingResult is the synchronous outcome of one Process call. The HTTP
// layer maps Success to the response status; Duplicate marks a deduplicated
// send that succeeded without enqueuing anything new.
type ProcessingResult struct {
	Success          bool           `json:"success"`
	MessageID        string         `json:"message_id,omitempty"`
	Duplicate        bool           `json:"duplicate"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
	Status           string         `json:"status"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Processor is the single orchestration point between a validated payload and
// a durably queued message. It never talks to the HTTP layer and reaches the
// queue only through the injected Backend.
type Processor struct {
	backend  messaging.Backend
	resolver DocumentResolver // optional
	audit    AuditRecorder    // optional
	emitter  OutcomeEmitter   // optional
	metrics  *Metrics
	logger   *slog.Logger
}

// ProcessorOption configures optional collaborators.
type ProcessorOption func(*Processor)

func WithDocumentResolver(r DocumentResolver) ProcessorOption {
	return func(p *Processor) { p.resolver = r }
}

func WithAuditRecorder(a AuditRecorder) ProcessorOption {
	return func(p *Processor) { p.audit = a }
}

func WithOutcomeEmitter(e OutcomeEmitter) ProcessorOption {
	return func(p *Processor) { p.emitter = e }
}

func NewProcessor(backend messaging.Backend, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		backend: backend,
		metrics: NewMetrics(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Metrics exposes the rolling ingestion counters.
func (p *Processor) Metrics() *Metrics { return p.metrics }

// Process enhances the payload, builds a contract_download envelope, and
// enqueues it. Enqueue failures are caught, timed, and returned as a failed
// result; they are never raised to the caller. No retries happen here.
func (p *Processor) Process(ctx context.Context, payload WebhookPayload) ProcessingResult {
	start := time.Now()

	payload = p.enhance(ctx, payload)

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	msg := messaging.NewQueueMessage(
		messaging.MessageTypeContractDownload,
		payload.ContactID,
		map[string]any{
			"doc_id":   payload.DocID,
			"doc_type": payload.DocType,
			"doc_name": payload.DocName,
			"source":   string(payload.Source),
		},
		messaging.WithCorrelationID(correlationID),
		messaging.WithIdempotencyKey(messaging.DeterministicKey(payload.ContactID, payload.DocType, payload.DocID)),
	)

	messageID, err := p.backend.Send(ctx, msg)
	elapsedMS := float64(time.Since(start).Microseconds()) / 1000

	var result ProcessingResult
	if err != nil {
		p.metrics.RecordFailure(elapsedMS)
		p.logger.ErrorContext(ctx, "webhook enqueue failed",
			"contact_id", payload.ContactID,
			"doc_id", payload.DocID,
			"error", err.Error(),
		)
		result = ProcessingResult{
			Success:          false,
			ProcessingTimeMS: elapsedMS,
			Status:           StatusFailed,
			ErrorMessage:     err.Error(),
		}
	} else {
		duplicate := messaging.IsDuplicateID(messageID)
		p.metrics.RecordSuccess(elapsedMS, !duplicate)

		status := StatusQueued
		if duplicate {
			status = StatusDuplicate
		}
		p.logger.InfoContext(ctx, "webhook processed",
			"contact_id", payload.ContactID,
			"doc_id", payload.DocID,
			"message_id", messageID,
			"status", status,
			"correlation_id", correlationID,
		)
		result = ProcessingResult{
			Success:          true,
			MessageID:        messageID,
			Duplicate:        duplicate,
			ProcessingTimeMS: elapsedMS,
			Status:           status,
			Metadata: map[string]any{
				"contact_id":     payload.ContactID,
				"doc_id":         payload.DocID,
				"doc_type":       payload.DocType,
				"source":         string(payload.Source),
				"correlation_id": correlationID,
			},
		}
	}

	if p.emitter != nil {
		p.emitter.RecordWebhookIngestion(ctx, string(payload.Source), result.Status, time.Since(start))
	}
	if p.audit != nil {
		if auditErr := p.audit.RecordIngestion(ctx, payload, result); auditErr != nil {
			p.logger.WarnContext(ctx, "ingestion audit record failed",
				"contact_id", payload.ContactID,
				"error", auditErr.Error(),
			)
		}
	}

	return result
}

// enhance resolves a canonical document id when the payload's id is
// untrustworthy (synthesized or non-numeric) and a document name is present.
// Lookup failures never block ingestion.
func (p *Processor) enhance(ctx context.Context, payload WebhookPayload) WebhookPayload {
	if p.resolver == nil || payload.DocName == "" {
		return payload
	}
	if !payload.HasGeneratedDocID() && isNumeric(payload.DocID) {
		return payload
	}

	resolved, err := p.resolver.ResolveDocumentID(ctx, payload.ContactID, payload.DocName)
	if err != nil {
		p.logger.WarnContext(ctx, "document lookup failed, keeping original id",
			"contact_id", payload.ContactID,
			"doc_name", payload.DocName,
			"doc_id", payload.DocID,
			"error", err.Error(),
		)
		return payload
	}
	if resolved == "" {
		return payload
	}

	p.logger.InfoContext(ctx, "document id enhanced",
		"contact_id", payload.ContactID,
		"doc_name", payload.DocName,
		"original_doc_id", payload.DocID,
		"resolved_doc_id", resolved,
	)
	payload.DocID = resolved
	return payload
}
