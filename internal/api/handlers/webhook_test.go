package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contractflow/internal/db"
	"contractflow/internal/types"
	"contractflow/internal/webhook"
)

type stubProcessor struct {
	lastPayload webhook.WebhookPayload
	result      webhook.ProcessingResult
	metrics     *webhook.Metrics
	calls       int
}

func (s *stubProcessor) Process(_ context.Context, payload webhook.WebhookPayload) webhook.ProcessingResult {
	s.calls++
	s.lastPayload = payload
	return s.result
}

func (s *stubProcessor) Metrics() *webhook.Metrics {
	return s.metrics
}

func newTestHandler(result webhook.ProcessingResult) (*WebhookHandler, *stubProcessor) {
	proc := &stubProcessor{
		result:  result,
		metrics: webhook.NewMetrics(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWebhookHandler(proc, logger, 0), proc
}

func queuedResult() webhook.ProcessingResult {
	return webhook.ProcessingResult{
		Success:   true,
		MessageID: "msg-001",
		Status:    webhook.StatusQueued,
	}
}

func postJSON(handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/contracts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleContractUploadQueued(t *testing.T) {
	h, proc := newTestHandler(queuedResult())

	rec := postJSON(h.HandleContractUpload, `{
		"contact_id": "12345",
		"{UPLOAD_DOC_IDS}": "101,102,103",
		"doc_name": "Settlement Agreement.pdf"
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, proc.calls)
	assert.Equal(t, "12345", proc.lastPayload.ContactID)
	assert.Equal(t, "103", proc.lastPayload.DocID)
	assert.Equal(t, webhook.SourceCRM, proc.lastPayload.Source)

	var result webhook.ProcessingResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "msg-001", result.MessageID)
	assert.Equal(t, webhook.StatusQueued, result.Status)
}

func TestHandleContractUploadNumericContactID(t *testing.T) {
	h, proc := newTestHandler(queuedResult())

	rec := postJSON(h.HandleContractUpload, `{"contact_id": 12345, "doc_id": "555"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "12345", proc.lastPayload.ContactID)
	assert.Equal(t, "555", proc.lastPayload.DocID)
}

func TestHandleContractUploadDuplicate(t *testing.T) {
	h, _ := newTestHandler(webhook.ProcessingResult{
		Success:   true,
		MessageID: "duplicate_msg-001",
		Duplicate: true,
		Status:    webhook.StatusDuplicate,
	})

	rec := postJSON(h.HandleContractUpload, `{"contact_id": "12345", "doc_id": "555"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var result webhook.ProcessingResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Duplicate)
}

func TestHandleContractUploadFormEncoded(t *testing.T) {
	h, proc := newTestHandler(queuedResult())

	form := url.Values{}
	form.Set("contact_id", "777")
	form.Set("doc_id", "888")
	form.Set("doc_name", "contract.pdf")

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/contracts", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.HandleContractUpload(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "777", proc.lastPayload.ContactID)
	assert.Equal(t, "888", proc.lastPayload.DocID)
	assert.Equal(t, "contract.pdf", proc.lastPayload.DocName)
}

func TestHandleContractUploadValidationFailure(t *testing.T) {
	h, proc := newTestHandler(queuedResult())

	rec := postJSON(h.HandleContractUpload, `{"doc_id": "555"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, proc.calls, "processor must not run for invalid payloads")
	assert.Contains(t, rec.Body.String(), "validation_missing_contact_id")
}

func TestHandleContractUploadInvalidSource(t *testing.T) {
	h, proc := newTestHandler(queuedResult())

	rec := postJSON(h.HandleContractUpload, `{"contact_id": "12345", "source": "carrier-pigeon"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, proc.calls)
	assert.Contains(t, rec.Body.String(), "validation_invalid_source")
}

func TestHandleContractUploadExplicitSource(t *testing.T) {
	h, proc := newTestHandler(queuedResult())

	rec := postJSON(h.HandleContractUpload, `{"contact_id": "12345", "doc_id": "1", "source": "manual"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, webhook.SourceManual, proc.lastPayload.Source)
}

func TestHandleContractUploadMalformedJSON(t *testing.T) {
	h, proc := newTestHandler(queuedResult())

	rec := postJSON(h.HandleContractUpload, `{"contact_id":`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, proc.calls)
	assert.Contains(t, rec.Body.String(), "validation_invalid_json")
}

func TestHandleContractUploadEnqueueFailure(t *testing.T) {
	h, _ := newTestHandler(webhook.ProcessingResult{
		Success:      false,
		Status:       webhook.StatusFailed,
		ErrorMessage: "queue unavailable",
	})

	rec := postJSON(h.HandleContractUpload, `{"contact_id": "12345", "doc_id": "555"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue_send_failed")
	assert.NotContains(t, rec.Body.String(), "queue unavailable",
		"backend error details must not leak to the CRM")
}

type stubAuditReader struct {
	events        []db.WebhookEvent
	err           error
	lastContactID string
	lastLimit     int
}

func (s *stubAuditReader) ListRecentByContact(_ context.Context, contactID string, limit int) ([]db.WebhookEvent, error) {
	s.lastContactID = contactID
	s.lastLimit = limit
	return s.events, s.err
}

func getEvents(h *WebhookHandler, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks/contracts/events"+query, nil)
	rec := httptest.NewRecorder()
	h.HandleRecentEvents(rec, req)
	return rec
}

func TestHandleRecentEvents(t *testing.T) {
	reader := &stubAuditReader{events: []db.WebhookEvent{
		{ID: 2, ContactID: "12345", DocID: "333", Status: webhook.StatusQueued},
		{ID: 1, ContactID: "12345", DocID: "222", Status: webhook.StatusFailed},
	}}
	proc := &stubProcessor{result: queuedResult(), metrics: webhook.NewMetrics()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewWebhookHandler(proc, logger, 0, WithAuditReader(reader))

	rec := getEvents(h, "?contact_id=12345&limit=5")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", reader.lastContactID)
	assert.Equal(t, 5, reader.lastLimit)

	var resp struct {
		ContactID string            `json:"contact_id"`
		Events    []db.WebhookEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "12345", resp.ContactID)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "333", resp.Events[0].DocID)
}

func TestHandleRecentEventsMissingContactID(t *testing.T) {
	reader := &stubAuditReader{}
	proc := &stubProcessor{metrics: webhook.NewMetrics()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewWebhookHandler(proc, logger, 0, WithAuditReader(reader))

	rec := getEvents(h, "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_missing_required_field")
	assert.Empty(t, reader.lastContactID, "reader must not be queried without a contact id")
}

func TestHandleRecentEventsLimitClampAndDefault(t *testing.T) {
	reader := &stubAuditReader{}
	proc := &stubProcessor{metrics: webhook.NewMetrics()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewWebhookHandler(proc, logger, 0, WithAuditReader(reader))

	getEvents(h, "?contact_id=1&limit=9000")
	assert.Equal(t, maxEventsLimit, reader.lastLimit)

	getEvents(h, "?contact_id=1&limit=not-a-number")
	assert.Equal(t, 20, reader.lastLimit)
}

func TestHandleRecentEventsRepositoryError(t *testing.T) {
	reader := &stubAuditReader{err: types.NewAppError(types.ErrCodeInternalDB, "failed to list webhook events", nil)}
	proc := &stubProcessor{metrics: webhook.NewMetrics()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewWebhookHandler(proc, logger, 0, WithAuditReader(reader))

	rec := getEvents(h, "?contact_id=1")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_database_error")
}

func TestRoutesMountEventsOnlyWithReader(t *testing.T) {
	proc := &stubProcessor{metrics: webhook.NewMetrics()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bare := chi.NewRouter()
	NewWebhookHandler(proc, logger, 0).Routes(bare)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/contracts/events?contact_id=1", nil)
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "events route must not exist without an audit reader")

	wired := chi.NewRouter()
	NewWebhookHandler(proc, logger, 0, WithAuditReader(&stubAuditReader{})).Routes(wired)
	rec = httptest.NewRecorder()
	wired.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleMetricsSnapshot(t *testing.T) {
	h, proc := newTestHandler(queuedResult())
	proc.metrics.RecordSuccess(12.5, true)
	proc.metrics.RecordFailure(3.0)

	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks/contracts/metrics", nil)
	rec := httptest.NewRecorder()
	h.HandleMetrics(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap webhook.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(2), snap.Total)
	assert.Equal(t, int64(1), snap.Successful)
	assert.Equal(t, int64(1), snap.Failed)
}
