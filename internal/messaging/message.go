// Package messaging implements the queue envelope and queue backends for the
// ContractFlow ingestion pipeline. The QueueMessage envelope is the contract
// between the webhook receiver and the downstream document workers; it must
// remain parseable across deploys, so every change to the wire format is
// gated behind the schema version tag.
package messaging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of work a QueueMessage represents.
type MessageType string

const (
	MessageTypeContractDownload MessageType = "contract_download"
	MessageTypeDocumentParse    MessageType = "document_parse"
	MessageTypeValidationTask   MessageType = "validation_task"
	MessageTypeWebhookReceived  MessageType = "webhook_received"
	MessageTypeRetryTask        MessageType = "retry_task"
	MessageTypeDLQ              MessageType = "dlq_message"
	MessageTypeTest             MessageType = "test"
)

// Schema versions shipped to date. Version 1.0 predates the retry state
// fields; readers must default them when absent.
const (
	SchemaVersionV1      = "1.0"
	CurrentSchemaVersion = "2.0"
)

// Envelope defaults. RetryDelaySeconds doubles on every derived retry message
// and is capped at MaxRetryDelaySeconds, which matches the SQS DelaySeconds
// ceiling of 900 seconds.
const (
	DefaultPriority                 = 5
	DLQPriority                     = 10
	DefaultMaxRetries               = 3
	DefaultRetryDelaySeconds        = 60
	MaxRetryDelaySeconds            = 900
	DefaultProcessingTimeoutSeconds = 300
)

// ErrRetryBudgetExhausted is returned by CreateRetryMessage when the message
// has already consumed all of its application-level retries. Callers should
// route the message to the DLQ via CreateDLQMessage instead.
var ErrRetryBudgetExhausted = fmt.Errorf("retry budget exhausted")

// QueueMessage is the versioned unit of work placed on a queue. Messages are
// never mutated in place after creation; retry and DLQ variants are derived
// via CreateRetryMessage and CreateDLQMessage so the original stays intact
// for auditability.
type QueueMessage struct {
	SchemaVersion string
	MessageType   MessageType
	ContactID     string
	Data          map[string]any
	CorrelationID string
	TraceID       string
	Timestamp     time.Time
	Priority      int // 1 = highest .. 10 = lowest

	// Retry state (schema >= 2.0 on the wire).
	RetryCount               int
	MaxRetries               int
	RetryDelaySeconds        int
	ProcessingTimeoutSeconds int
	OriginalQueue            string
	FailureReason            string
	FailedAt                 *time.Time

	// IdempotencyKey is stable across retries of the same logical message so
	// downstream deduplication works.
	IdempotencyKey string

	// Extra preserves unknown wire fields from newer schema versions so that
	// round-tripping a message through an older deploy does not drop them.
	Extra map[string]any
}

// MessageOption customizes a message built by NewQueueMessage.
type MessageOption func(*QueueMessage)

// WithPriority sets the priority hint (1 = highest, 10 = lowest).
func WithPriority(p int) MessageOption {
	return func(m *QueueMessage) { m.Priority = p }
}

// WithCorrelationID sets the correlation id carried from the inbound request.
func WithCorrelationID(id string) MessageOption {
	return func(m *QueueMessage) { m.CorrelationID = id }
}

// WithIdempotencyKey overrides the generated idempotency key. Use
// DeterministicKey to derive a key that is stable across duplicate
// webhook deliveries of the same logical event.
func WithIdempotencyKey(key string) MessageOption {
	return func(m *QueueMessage) { m.IdempotencyKey = key }
}

// WithMaxRetries overrides the default application-level retry budget.
func WithMaxRetries(n int) MessageOption {
	return func(m *QueueMessage) { m.MaxRetries = n }
}

// WithProcessingTimeout sets the per-message processing deadline in seconds.
func WithProcessingTimeout(seconds int) MessageOption {
	return func(m *QueueMessage) { m.ProcessingTimeoutSeconds = seconds }
}

// WithTraceID propagates an existing trace id instead of generating one.
func WithTraceID(id string) MessageOption {
	return func(m *QueueMessage) { m.TraceID = id }
}

// NewQueueMessage builds a QueueMessage at the current schema version with
// sensible defaults: priority 5, three retries, 60-second initial retry
// delay, a fresh trace id, and a generated idempotency key when none is
// supplied via options.
func NewQueueMessage(msgType MessageType, contactID string, data map[string]any, opts ...MessageOption) *QueueMessage {
	m := &QueueMessage{
		SchemaVersion:            CurrentSchemaVersion,
		MessageType:              msgType,
		ContactID:                contactID,
		Data:                     data,
		TraceID:                  uuid.NewString(),
		Timestamp:                time.Now().UTC(),
		Priority:                 DefaultPriority,
		MaxRetries:               DefaultMaxRetries,
		RetryDelaySeconds:        DefaultRetryDelaySeconds,
		ProcessingTimeoutSeconds: DefaultProcessingTimeoutSeconds,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.IdempotencyKey == "" {
		m.IdempotencyKey = fmt.Sprintf("%s_%s_%s", msgType, contactID, uuid.NewString())
	}

	return m
}

// DeterministicKey derives a stable idempotency key from the given parts.
// Two calls with the same parts always produce the same key, which is what
// lets duplicate webhook deliveries of the same document collapse into a
// single queued message.
func DeterministicKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "idem_" + hex.EncodeToString(sum[:])[:32]
}

// CreateRetryMessage derives a retry_task message from m: retry count
// incremented, retry delay doubled (capped at MaxRetryDelaySeconds), failure
// timestamp set, idempotency key preserved. The original message is not
// mutated. Returns ErrRetryBudgetExhausted when RetryCount has reached
// MaxRetries; callers should then promote to the DLQ instead.
func (m *QueueMessage) CreateRetryMessage(failureReason string) (*QueueMessage, error) {
	if m.RetryCount >= m.MaxRetries {
		return nil, fmt.Errorf("%w: retry_count=%d max_retries=%d", ErrRetryBudgetExhausted, m.RetryCount, m.MaxRetries)
	}

	delay := m.RetryDelaySeconds * 2
	if delay > MaxRetryDelaySeconds {
		delay = MaxRetryDelaySeconds
	}

	now := time.Now().UTC()
	retry := m.clone()
	retry.MessageType = MessageTypeRetryTask
	retry.Timestamp = now
	retry.RetryCount = m.RetryCount + 1
	retry.RetryDelaySeconds = delay
	retry.FailureReason = failureReason
	retry.FailedAt = &now

	return retry, nil
}

// CreateDLQMessage derives a dlq_message from m, tagged with the queue it
// failed on and the failure reason. DLQ messages always carry the lowest
// priority and a non-empty failure reason. The derived message gets a
// distinct idempotency key so the DLQ enqueue is not short-circuited by the
// dedup record of the original send.
func (m *QueueMessage) CreateDLQMessage(originalQueue, failureReason string) *QueueMessage {
	if failureReason == "" {
		failureReason = "unspecified_failure"
	}

	now := time.Now().UTC()
	dlq := m.clone()
	dlq.MessageType = MessageTypeDLQ
	dlq.Timestamp = now
	dlq.Priority = DLQPriority
	dlq.OriginalQueue = originalQueue
	dlq.FailureReason = failureReason
	dlq.FailedAt = &now
	dlq.IdempotencyKey = "dlq_" + m.IdempotencyKey

	return dlq
}

// HasExpired reports whether the message has been held past its processing
// timeout. The reference point is FailedAt when set (the last failure), else
// acquiredAt (when the worker received the delivery).
func (m *QueueMessage) HasExpired(acquiredAt time.Time) bool {
	if m.ProcessingTimeoutSeconds <= 0 {
		return false
	}
	ref := acquiredAt
	if m.FailedAt != nil {
		ref = *m.FailedAt
	}
	return time.Since(ref) > time.Duration(m.ProcessingTimeoutSeconds)*time.Second
}

// clone returns a deep-enough copy of m. Data and Extra maps are copied
// shallowly at the top level; values are treated as immutable payload.
func (m *QueueMessage) clone() *QueueMessage {
	out := *m
	if m.Data != nil {
		out.Data = make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			out.Data[k] = v
		}
	}
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	if m.FailedAt != nil {
		t := *m.FailedAt
		out.FailedAt = &t
	}
	return &out
}

// Wire format keys. The capitalized names are the cross-service contract;
// do not rename without bumping the schema version.
const (
	wireSchemaVersion     = "SchemaVersion"
	wireMessageType       = "MessageType"
	wireContactID         = "ContactId"
	wireData              = "Data"
	wireCorrelationID     = "CorrelationId"
	wireTraceID           = "TraceId"
	wireTimestamp         = "Timestamp"
	wirePriority          = "Priority"
	wireIdempotencyKey    = "IdempotencyKey"
	wireRetryCount        = "RetryCount"
	wireMaxRetries        = "MaxRetries"
	wireRetryDelaySeconds = "RetryDelaySeconds"
	wireProcessingTimeout = "ProcessingTimeoutSeconds"
	wireOriginalQueue     = "OriginalQueue"
	wireFailureReason     = "FailureReason"
	wireFailedAt          = "FailedAt"
)

// ToQueueFormat flattens the message into the capitalized-key wire map. The
// retry state fields are emitted only for schema versions >= 2.0; a v1.0
// message on the wire never carries them. Unknown fields captured in Extra
// are passed through untouched.
func (m *QueueMessage) ToQueueFormat() map[string]any {
	out := map[string]any{
		wireSchemaVersion: m.SchemaVersion,
		wireMessageType:   string(m.MessageType),
		wireContactID:     m.ContactID,
		wireData:          m.Data,
		wireTimestamp:     m.Timestamp.UTC().Format(time.RFC3339Nano),
		wirePriority:      m.Priority,
	}
	if m.CorrelationID != "" {
		out[wireCorrelationID] = m.CorrelationID
	}
	if m.TraceID != "" {
		out[wireTraceID] = m.TraceID
	}
	if m.IdempotencyKey != "" {
		out[wireIdempotencyKey] = m.IdempotencyKey
	}

	if schemaMajor(m.SchemaVersion) >= 2 {
		out[wireRetryCount] = m.RetryCount
		out[wireMaxRetries] = m.MaxRetries
		out[wireRetryDelaySeconds] = m.RetryDelaySeconds
		out[wireProcessingTimeout] = m.ProcessingTimeoutSeconds
		if m.OriginalQueue != "" {
			out[wireOriginalQueue] = m.OriginalQueue
		}
		if m.FailureReason != "" {
			out[wireFailureReason] = m.FailureReason
		}
		if m.FailedAt != nil {
			out[wireFailedAt] = m.FailedAt.UTC().Format(time.RFC3339Nano)
		}
	}

	for k, v := range m.Extra {
		if _, known := out[k]; !known {
			out[k] = v
		}
	}

	return out
}

// FromQueueFormat rebuilds a QueueMessage from a wire map produced by any
// shipped schema version. Fields introduced in 2.0 default sensibly when the
// message predates them; keys this version does not know about are preserved
// in Extra.
func FromQueueFormat(raw map[string]any) (*QueueMessage, error) {
	version, _ := raw[wireSchemaVersion].(string)
	if version == "" {
		version = SchemaVersionV1
	}

	msgType, _ := raw[wireMessageType].(string)
	if msgType == "" {
		return nil, fmt.Errorf("queue format missing %s", wireMessageType)
	}

	m := &QueueMessage{
		SchemaVersion:            version,
		MessageType:              MessageType(msgType),
		Priority:                 DefaultPriority,
		MaxRetries:               DefaultMaxRetries,
		RetryDelaySeconds:        DefaultRetryDelaySeconds,
		ProcessingTimeoutSeconds: DefaultProcessingTimeoutSeconds,
	}

	m.ContactID, _ = raw[wireContactID].(string)
	m.CorrelationID, _ = raw[wireCorrelationID].(string)
	m.TraceID, _ = raw[wireTraceID].(string)
	m.IdempotencyKey, _ = raw[wireIdempotencyKey].(string)

	if data, ok := raw[wireData].(map[string]any); ok {
		m.Data = data
	}

	if ts, ok := raw[wireTimestamp].(string); ok {
		parsed, err := parseWireTime(ts)
		if err != nil {
			return nil, fmt.Errorf("queue format has invalid %s: %w", wireTimestamp, err)
		}
		m.Timestamp = parsed
	}

	if p, ok := wireInt(raw[wirePriority]); ok {
		m.Priority = p
	}
	if v, ok := wireInt(raw[wireRetryCount]); ok {
		m.RetryCount = v
	}
	if v, ok := wireInt(raw[wireMaxRetries]); ok {
		m.MaxRetries = v
	}
	if v, ok := wireInt(raw[wireRetryDelaySeconds]); ok {
		m.RetryDelaySeconds = v
	}
	if v, ok := wireInt(raw[wireProcessingTimeout]); ok {
		m.ProcessingTimeoutSeconds = v
	}
	m.OriginalQueue, _ = raw[wireOriginalQueue].(string)
	m.FailureReason, _ = raw[wireFailureReason].(string)
	if ts, ok := raw[wireFailedAt].(string); ok && ts != "" {
		parsed, err := parseWireTime(ts)
		if err != nil {
			return nil, fmt.Errorf("queue format has invalid %s: %w", wireFailedAt, err)
		}
		m.FailedAt = &parsed
	}

	if m.RetryCount > m.MaxRetries {
		return nil, fmt.Errorf("queue format violates retry invariant: retry_count=%d > max_retries=%d", m.RetryCount, m.MaxRetries)
	}

	for k, v := range raw {
		if knownWireKey(k) {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}

	return m, nil
}

var knownWireKeys = map[string]struct{}{
	wireSchemaVersion: {}, wireMessageType: {}, wireContactID: {}, wireData: {},
	wireCorrelationID: {}, wireTraceID: {}, wireTimestamp: {}, wirePriority: {},
	wireIdempotencyKey: {}, wireRetryCount: {}, wireMaxRetries: {},
	wireRetryDelaySeconds: {}, wireProcessingTimeout: {}, wireOriginalQueue: {},
	wireFailureReason: {}, wireFailedAt: {},
}

func knownWireKey(k string) bool {
	_, ok := knownWireKeys[k]
	return ok
}

// schemaMajor extracts the major component of a semantic version tag.
// Unparseable versions are treated as major 1 (the oldest shipped format).
func schemaMajor(version string) int {
	majorStr, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return 1
	}
	return major
}

// parseWireTime accepts RFC3339 with or without sub-second precision.
func parseWireTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// wireInt coerces the numeric representations JSON decoding can produce.
func wireInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
