// Package handlers contains the domain HTTP handlers mounted under /v1.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"contractflow/internal/core"
	"contractflow/internal/db"
	"contractflow/internal/types"
	"contractflow/internal/webhook"
)

// IngestProcessor is the slice of the webhook processor the handler needs.
type IngestProcessor interface {
	Process(ctx context.Context, payload webhook.WebhookPayload) webhook.ProcessingResult
	Metrics() *webhook.Metrics
}

// AuditReader is the slice of the audit repository behind the events
// endpoint. Implemented by db.WebhookEventRepository.
type AuditReader interface {
	ListRecentByContact(ctx context.Context, contactID string, limit int) ([]db.WebhookEvent, error)
}

// WebhookHandler serves contract upload notifications from the CRM.
type WebhookHandler struct {
	processor    IngestProcessor
	logger       *slog.Logger
	maxBodyBytes int64
	audit        AuditReader // optional
}

// WebhookHandlerOption configures optional collaborators.
type WebhookHandlerOption func(*WebhookHandler)

// WithAuditReader enables GET /webhooks/contracts/events, which answers
// "what happened to this contact's webhooks" from the audit table.
func WithAuditReader(reader AuditReader) WebhookHandlerOption {
	return func(h *WebhookHandler) { h.audit = reader }
}

// NewWebhookHandler creates the handler. maxBodyBytes bounds inbound request
// bodies; zero applies a 1 MB default.
func NewWebhookHandler(processor IngestProcessor, logger *slog.Logger, maxBodyBytes int64, opts ...WebhookHandlerOption) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	h := &WebhookHandler{
		processor:    processor,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the webhook endpoints on the authenticated router group.
// The events endpoint is mounted only when an audit reader is wired.
func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/webhooks/contracts", h.HandleContractUpload)
	r.Get("/webhooks/contracts/metrics", h.HandleMetrics)
	if h.audit != nil {
		r.Get("/webhooks/contracts/events", h.HandleRecentEvents)
	}
}

// HandleContractUpload ingests one contract upload notification.
//
// The CRM posts either a JSON object or a form-encoded body; both are
// flattened to a string field map before validation. Responses:
//   - 202 Accepted with the processing result when a message was enqueued.
//   - 200 OK when the delivery was a duplicate of an already-queued message.
//   - 400 with a structured error when validation fails.
//   - 500 when the queue send failed; the CRM retries on 5xx.
func (h *WebhookHandler) HandleContractUpload(w http.ResponseWriter, r *http.Request) {
	fields, err := h.decodeFields(w, r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	source, err := resolveSource(fields)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	payload, err := webhook.ParseWebhookPayload(fields, source)
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook payload rejected",
			slog.String("source", string(source)),
			slog.String("error", err.Error()),
		)
		core.Error(w, r, err)
		return
	}

	result := h.processor.Process(r.Context(), payload)
	if !result.Success {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeQueueSendFailed,
			"failed to enqueue contract download",
			nil,
			map[string]any{"contact_id": payload.ContactID},
		))
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	core.JSON(w, r, status, result)
}

// HandleMetrics returns the rolling ingestion counters for operational
// dashboards.
func (h *WebhookHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, h.processor.Metrics().Snapshot())
}

// maxEventsLimit caps the events endpoint's page size.
const maxEventsLimit = 100

type recentEventsResponse struct {
	ContactID string            `json:"contact_id"`
	Events    []db.WebhookEvent `json:"events"`
}

// HandleRecentEvents returns the newest audit entries for a contact, most
// recent first. `contact_id` is required; `limit` is optional and capped.
func (h *WebhookHandler) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	contactID := r.URL.Query().Get("contact_id")
	if contactID == "" {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"contact_id query parameter is required",
			nil,
			map[string]any{"field": "contact_id"},
		))
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	events, err := h.audit.ListRecentByContact(r.Context(), contactID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if events == nil {
		events = []db.WebhookEvent{}
	}
	core.JSON(w, r, http.StatusOK, recentEventsResponse{ContactID: contactID, Events: events})
}

// decodeFields flattens the request body into the string field map the
// validator consumes. JSON scalar values are stringified; nested objects and
// arrays are ignored since the CRM only emits flat payloads.
func (h *WebhookHandler) decodeFields(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return nil, types.NewAppError(
				types.ErrCodeValidationInvalidJSON,
				"malformed form body",
				err,
			)
		}
		fields := make(map[string]string, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) > 0 {
				fields[key] = values[0]
			}
		}
		return fields, nil
	}

	var raw map[string]any
	if err := core.DecodeJSON(w, r, &raw, h.maxBodyBytes); err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			fields[key] = v
		case float64:
			// JSON numbers arrive as float64; contact ids are integral.
			if v == float64(int64(v)) {
				fields[key] = strconv.FormatInt(int64(v), 10)
			} else {
				fields[key] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		case bool:
			fields[key] = strconv.FormatBool(v)
		}
	}
	return fields, nil
}

// resolveSource reads the optional "source" field, defaulting to the CRM.
func resolveSource(fields map[string]string) (webhook.Source, error) {
	raw, ok := fields["source"]
	if !ok || raw == "" {
		return webhook.SourceCRM, nil
	}

	switch webhook.Source(strings.ToLower(raw)) {
	case webhook.SourceCRM:
		return webhook.SourceCRM, nil
	case webhook.SourceManual:
		return webhook.SourceManual, nil
	case webhook.SourceTest:
		return webhook.SourceTest, nil
	default:
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidSource,
			"unrecognized event source",
			nil,
			map[string]any{"source": raw},
		)
	}
}
