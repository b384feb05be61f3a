package db

import (
	"context"
	"time"

	"contractflow/internal/types"
	"contractflow/internal/webhook"
)

// WebhookEvent is one row of the webhook_events audit table: the outcome of
// a single inbound delivery, kept for operator forensics and replay.
type WebhookEvent struct {
	ID               int64
	ContactID        string
	DocID            string
	DocType          string
	Source           string
	Status           string
	MessageID        string
	Duplicate        bool
	ErrorMessage     string
	ProcessingTimeMS float64
	ReceivedAt       time.Time
}

// WebhookEventRepository is the audit log for inbound webhook processing.
// Writes are best-effort: the processor ignores audit failures.
type WebhookEventRepository struct {
	db DBTX
}

func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// RecordIngestion inserts one processing outcome. Implements the processor's
// AuditRecorder collaborator.
func (r *WebhookEventRepository) RecordIngestion(ctx context.Context, payload webhook.WebhookPayload, result webhook.ProcessingResult) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events
		   (contact_id, doc_id, doc_type, source, status, message_id, duplicate, error_message, processing_time_ms, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		payload.ContactID,
		payload.DocID,
		payload.DocType,
		string(payload.Source),
		result.Status,
		nilIfEmpty(result.MessageID),
		result.Duplicate,
		nilIfEmpty(result.ErrorMessage),
		result.ProcessingTimeMS,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return nil
}

// ListRecentByContact returns the newest events for a contact, most recent
// first. Used by the operations endpoint to answer "what happened to this
// contact's webhooks".
func (r *WebhookEventRepository) ListRecentByContact(ctx context.Context, contactID string, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, contact_id, doc_id, doc_type, source, status,
		        COALESCE(message_id, ''), duplicate, COALESCE(error_message, ''),
		        processing_time_ms, received_at
		 FROM webhook_events
		 WHERE contact_id = $1
		 ORDER BY received_at DESC
		 LIMIT $2`,
		contactID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list webhook events", err)
	}
	defer rows.Close()

	var events []WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		if err := rows.Scan(
			&e.ID, &e.ContactID, &e.DocID, &e.DocType, &e.Source, &e.Status,
			&e.MessageID, &e.Duplicate, &e.ErrorMessage,
			&e.ProcessingTimeMS, &e.ReceivedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate webhook events", err)
	}
	return events, nil
}

// CountFailuresSince returns the number of failed ingestions since the given
// time. Surfaced on the health endpoint as an early warning.
func (r *WebhookEventRepository) CountFailuresSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE status = $1 AND received_at > $2`,
		webhook.StatusFailed,
		since,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count webhook failures", err)
	}
	return count, nil
}

// nilIfEmpty returns nil for empty strings so nullable text columns stay NULL.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
