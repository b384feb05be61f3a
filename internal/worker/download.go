package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"contractflow/internal/messaging"
)

// DocumentFetcher retrieves a contact's document content from the CRM.
// Implemented by external.ContractDownloadClient; the handler only drives it.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, contactID, docID string) ([]byte, error)
}

// DownloadHandler consumes contract_download messages (and their retry_task
// derivatives): it fetches the document and hands the content to the parse
// stage as a document_parse message. Large content is handled by the queue
// codec, which compresses oversized bodies.
type DownloadHandler struct {
	fetcher   DocumentFetcher
	publisher messaging.Backend // optional parse hand-off
	logger    *slog.Logger
}

// DownloadHandlerOption configures optional collaborators.
type DownloadHandlerOption func(*DownloadHandler)

// WithParsePublisher enables the parse hand-off: after a successful fetch,
// a document_parse message carrying the content is enqueued on the backend.
func WithParsePublisher(backend messaging.Backend) DownloadHandlerOption {
	return func(h *DownloadHandler) { h.publisher = backend }
}

func NewDownloadHandler(fetcher DocumentFetcher, logger *slog.Logger, opts ...DownloadHandlerOption) *DownloadHandler {
	h := &DownloadHandler{fetcher: fetcher, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle validates the envelope, fetches the document, and publishes the
// parse follow-up. Malformed messages are permanent failures: retrying
// cannot repair a missing doc_id.
func (h *DownloadHandler) Handle(ctx context.Context, msg *messaging.QueueMessage) error {
	switch msg.MessageType {
	case messaging.MessageTypeContractDownload, messaging.MessageTypeRetryTask, messaging.MessageTypeTest:
	default:
		return fmt.Errorf("%w: unexpected message type %s", ErrPermanent, msg.MessageType)
	}

	docID, _ := msg.Data["doc_id"].(string)
	if docID == "" {
		return fmt.Errorf("%w: message carries no doc_id", ErrPermanent)
	}
	docType, _ := msg.Data["doc_type"].(string)

	content, err := h.fetcher.FetchDocument(ctx, msg.ContactID, docID)
	if err != nil {
		return fmt.Errorf("download doc %s for contact %s: %w", docID, msg.ContactID, err)
	}

	h.logger.InfoContext(ctx, "document downloaded",
		"contact_id", msg.ContactID,
		"doc_id", docID,
		"doc_type", docType,
		"bytes", len(content),
		"trace_id", msg.TraceID,
	)

	if h.publisher == nil {
		return nil
	}

	parseMsg := messaging.NewQueueMessage(
		messaging.MessageTypeDocumentParse,
		msg.ContactID,
		map[string]any{
			"doc_id":        docID,
			"doc_type":      docType,
			"content":       base64.StdEncoding.EncodeToString(content),
			"content_bytes": len(content),
		},
		messaging.WithCorrelationID(msg.CorrelationID),
		messaging.WithTraceID(msg.TraceID),
		// Stable key: a re-download of the same document must not enqueue
		// a second parse.
		messaging.WithIdempotencyKey(messaging.DeterministicKey("parse", msg.ContactID, docID)),
	)

	messageID, err := h.publisher.Send(ctx, parseMsg)
	if err != nil {
		// The document was fetched but the parse stage never heard about
		// it; surfacing the error lets the retry path run the hand-off
		// again (the idempotency key keeps it single-shot).
		return fmt.Errorf("publish parse task for doc %s: %w", docID, err)
	}

	h.logger.InfoContext(ctx, "parse task enqueued",
		"contact_id", msg.ContactID,
		"doc_id", docID,
		"message_id", messageID,
	)
	return nil
}
