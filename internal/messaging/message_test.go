package messaging

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewQueueMessageDefaults(t *testing.T) {
	msg := NewQueueMessage(MessageTypeContractDownload, "12345", map[string]any{"doc_id": "111"})

	if msg.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("expected schema version %s, got %s", CurrentSchemaVersion, msg.SchemaVersion)
	}
	if msg.Priority != DefaultPriority {
		t.Errorf("expected priority %d, got %d", DefaultPriority, msg.Priority)
	}
	if msg.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected max retries %d, got %d", DefaultMaxRetries, msg.MaxRetries)
	}
	if msg.RetryDelaySeconds != DefaultRetryDelaySeconds {
		t.Errorf("expected retry delay %d, got %d", DefaultRetryDelaySeconds, msg.RetryDelaySeconds)
	}
	if msg.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", msg.RetryCount)
	}
	if msg.FailedAt != nil {
		t.Error("fresh message must not carry a failure timestamp")
	}
	if msg.IdempotencyKey == "" {
		t.Error("expected a generated idempotency key")
	}
	if msg.TraceID == "" {
		t.Error("expected a generated trace id")
	}
}

func TestQueueFormatRoundTripV2(t *testing.T) {
	failedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	msg := &QueueMessage{
		SchemaVersion:            CurrentSchemaVersion,
		MessageType:              MessageTypeRetryTask,
		ContactID:                "12345",
		Data:                     map[string]any{"doc_id": "333", "doc_type": "Contract"},
		CorrelationID:            "corr_1",
		TraceID:                  "trace_1",
		Timestamp:                time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Priority:                 3,
		RetryCount:               1,
		MaxRetries:               3,
		RetryDelaySeconds:        120,
		ProcessingTimeoutSeconds: 300,
		OriginalQueue:            "uw-contracts-parser-dev-sqs",
		FailureReason:            "download timed out",
		FailedAt:                 &failedAt,
		IdempotencyKey:           "idem_abc",
	}

	got, err := FromQueueFormat(msg.ToQueueFormat())
	if err != nil {
		t.Fatalf("FromQueueFormat failed: %v", err)
	}

	if got.SchemaVersion != msg.SchemaVersion ||
		got.MessageType != msg.MessageType ||
		got.ContactID != msg.ContactID ||
		got.CorrelationID != msg.CorrelationID ||
		got.TraceID != msg.TraceID ||
		got.Priority != msg.Priority ||
		got.RetryCount != msg.RetryCount ||
		got.MaxRetries != msg.MaxRetries ||
		got.RetryDelaySeconds != msg.RetryDelaySeconds ||
		got.ProcessingTimeoutSeconds != msg.ProcessingTimeoutSeconds ||
		got.OriginalQueue != msg.OriginalQueue ||
		got.FailureReason != msg.FailureReason ||
		got.IdempotencyKey != msg.IdempotencyKey {
		t.Errorf("round-trip mismatch:\n got %+v\nwant %+v", got, msg)
	}
	if !got.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("timestamp mismatch: got %v want %v", got.Timestamp, msg.Timestamp)
	}
	if got.FailedAt == nil || !got.FailedAt.Equal(failedAt) {
		t.Errorf("failed_at mismatch: got %v want %v", got.FailedAt, failedAt)
	}
	if got.Data["doc_id"] != "333" {
		t.Errorf("data payload mismatch: %+v", got.Data)
	}
}

func TestQueueFormatV1OmitsRetryFields(t *testing.T) {
	msg := NewQueueMessage(MessageTypeTest, "99", nil)
	msg.SchemaVersion = SchemaVersionV1

	wire := msg.ToQueueFormat()
	for _, key := range []string{"RetryCount", "MaxRetries", "RetryDelaySeconds", "ProcessingTimeoutSeconds", "OriginalQueue", "FailureReason", "FailedAt"} {
		if _, present := wire[key]; present {
			t.Errorf("v1 wire format must not contain %s", key)
		}
	}
}

func TestFromQueueFormatDefaultsV1Fields(t *testing.T) {
	// A v1.0 producer never wrote the retry state fields; readers default them.
	raw := map[string]any{
		"SchemaVersion": "1.0",
		"MessageType":   "contract_download",
		"ContactId":     "12345",
		"Timestamp":     "2026-03-14T09:00:00Z",
		"Priority":      float64(5),
	}

	msg, err := FromQueueFormat(raw)
	if err != nil {
		t.Fatalf("FromQueueFormat failed: %v", err)
	}
	if msg.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected defaulted max retries %d, got %d", DefaultMaxRetries, msg.MaxRetries)
	}
	if msg.RetryDelaySeconds != DefaultRetryDelaySeconds {
		t.Errorf("expected defaulted retry delay %d, got %d", DefaultRetryDelaySeconds, msg.RetryDelaySeconds)
	}
	if msg.ProcessingTimeoutSeconds != DefaultProcessingTimeoutSeconds {
		t.Errorf("expected defaulted processing timeout %d, got %d", DefaultProcessingTimeoutSeconds, msg.ProcessingTimeoutSeconds)
	}
}

func TestFromQueueFormatPreservesUnknownFields(t *testing.T) {
	raw := map[string]any{
		"SchemaVersion": "2.1",
		"MessageType":   "contract_download",
		"ContactId":     "12345",
		"Timestamp":     "2026-03-14T09:00:00Z",
		"ShardHint":     "east-4", // hypothetical future field
	}

	msg, err := FromQueueFormat(raw)
	if err != nil {
		t.Fatalf("FromQueueFormat failed: %v", err)
	}
	if msg.Extra["ShardHint"] != "east-4" {
		t.Errorf("unknown field not preserved: %+v", msg.Extra)
	}

	wire := msg.ToQueueFormat()
	if wire["ShardHint"] != "east-4" {
		t.Error("unknown field dropped on re-serialization")
	}
}

func TestFromQueueFormatRejectsMissingMessageType(t *testing.T) {
	_, err := FromQueueFormat(map[string]any{"SchemaVersion": "2.0"})
	if err == nil {
		t.Fatal("expected error for missing MessageType")
	}
}

func TestFromQueueFormatRejectsRetryInvariantViolation(t *testing.T) {
	raw := map[string]any{
		"SchemaVersion": "2.0",
		"MessageType":   "retry_task",
		"RetryCount":    float64(5),
		"MaxRetries":    float64(3),
	}
	if _, err := FromQueueFormat(raw); err == nil {
		t.Fatal("expected error when retry_count > max_retries")
	}
}

func TestCreateRetryMessage(t *testing.T) {
	orig := NewQueueMessage(MessageTypeContractDownload, "12345", map[string]any{"doc_id": "111"})

	retry, err := orig.CreateRetryMessage("download timed out")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if retry.RetryCount != orig.RetryCount+1 {
		t.Errorf("expected retry count %d, got %d", orig.RetryCount+1, retry.RetryCount)
	}
	if retry.RetryDelaySeconds != orig.RetryDelaySeconds*2 {
		t.Errorf("expected doubled delay %d, got %d", orig.RetryDelaySeconds*2, retry.RetryDelaySeconds)
	}
	if retry.MessageType != MessageTypeRetryTask {
		t.Errorf("expected message type retry_task, got %s", retry.MessageType)
	}
	if retry.FailedAt == nil {
		t.Error("retry message must carry a failure timestamp")
	}
	if retry.IdempotencyKey != orig.IdempotencyKey {
		t.Error("idempotency key must be stable across retries of the same logical message")
	}
	// Original is never mutated.
	if orig.RetryCount != 0 || orig.FailedAt != nil || orig.MessageType != MessageTypeContractDownload {
		t.Errorf("original message was mutated: %+v", orig)
	}
}

func TestCreateRetryMessageCapsDelay(t *testing.T) {
	msg := NewQueueMessage(MessageTypeContractDownload, "12345", nil)
	msg.RetryDelaySeconds = 600

	retry, err := msg.CreateRetryMessage("still failing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retry.RetryDelaySeconds != MaxRetryDelaySeconds {
		t.Errorf("expected delay capped at %d, got %d", MaxRetryDelaySeconds, retry.RetryDelaySeconds)
	}
}

func TestCreateRetryMessageExhaustedBudget(t *testing.T) {
	msg := NewQueueMessage(MessageTypeContractDownload, "12345", nil)
	msg.RetryCount = 3
	msg.MaxRetries = 3

	_, err := msg.CreateRetryMessage("one failure too many")
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("expected ErrRetryBudgetExhausted, got %v", err)
	}
}

func TestCreateDLQMessage(t *testing.T) {
	orig := NewQueueMessage(MessageTypeContractDownload, "12345", map[string]any{"doc_id": "111"})

	dlq := orig.CreateDLQMessage("uw-contracts-parser-dev-sqs", "retry budget exhausted")

	if dlq.MessageType != MessageTypeDLQ {
		t.Errorf("expected message type dlq_message, got %s", dlq.MessageType)
	}
	if dlq.Priority != DLQPriority {
		t.Errorf("expected priority %d, got %d", DLQPriority, dlq.Priority)
	}
	if dlq.FailureReason == "" {
		t.Error("DLQ message must carry a non-empty failure reason")
	}
	if dlq.OriginalQueue != "uw-contracts-parser-dev-sqs" {
		t.Errorf("expected original queue tag, got %q", dlq.OriginalQueue)
	}
	if dlq.FailedAt == nil {
		t.Error("DLQ message must carry a failure timestamp")
	}
	if dlq.IdempotencyKey == orig.IdempotencyKey {
		t.Error("DLQ message must not reuse the original idempotency key")
	}
}

func TestCreateDLQMessageDefaultsEmptyReason(t *testing.T) {
	msg := NewQueueMessage(MessageTypeContractDownload, "12345", nil)
	dlq := msg.CreateDLQMessage("some-queue", "")
	if dlq.FailureReason == "" {
		t.Error("empty failure reason must be replaced with a default")
	}
}

func TestDeterministicKeyStable(t *testing.T) {
	a := DeterministicKey("12345", "Contract", "333")
	b := DeterministicKey("12345", "Contract", "333")
	c := DeterministicKey("12345", "Contract", "334")

	if a != b {
		t.Errorf("same inputs must produce the same key: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different inputs must produce different keys")
	}
	if !strings.HasPrefix(a, "idem_") {
		t.Errorf("unexpected key shape: %s", a)
	}
}

func TestHasExpired(t *testing.T) {
	acquired := time.Now()

	fresh := NewQueueMessage(MessageTypeContractDownload, "1", nil)
	if fresh.HasExpired(acquired) {
		t.Error("just-acquired message must not be expired")
	}

	stale := NewQueueMessage(MessageTypeContractDownload, "1", nil)
	past := time.Now().Add(-10 * time.Minute)
	stale.FailedAt = &past
	stale.ProcessingTimeoutSeconds = 300
	if !stale.HasExpired(acquired) {
		t.Error("message held past its processing timeout must be expired")
	}

	unlimited := NewQueueMessage(MessageTypeContractDownload, "1", nil)
	unlimited.ProcessingTimeoutSeconds = 0
	unlimited.FailedAt = &past
	if unlimited.HasExpired(acquired) {
		t.Error("zero timeout disables expiry")
	}
}

func TestSchemaMajor(t *testing.T) {
	cases := []struct {
		version string
		want    int
	}{
		{"1.0", 1},
		{"2.0", 2},
		{"2.1", 2},
		{"10.3", 10},
		{"garbage", 1},
		{"", 1},
	}
	for _, tc := range cases {
		if got := schemaMajor(tc.version); got != tc.want {
			t.Errorf("schemaMajor(%q) = %d, want %d", tc.version, got, tc.want)
		}
	}
}
