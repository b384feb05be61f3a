package webhook

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"contractflow/internal/types"
)

// Source tags where an inbound event came from.
type Source string

const (
	SourceCRM    Source = "crm"
	SourceManual Source = "manual"
	SourceTest   Source = "test"
)

// GeneratedDocIDPrefix marks a synthesized document id, produced when a
// payload carried no resolvable document id. Downstream enhancement treats
// ids with this prefix as untrustworthy.
const GeneratedDocIDPrefix = "webhook_"

// DefaultDocType is used when the payload names no document type.
const DefaultDocType = "Contract / Agreement"

// placeholderPattern matches unresolved CRM template tokens like {FILENAME}.
// A field whose whole value is such a token was never substituted by the CRM
// and must be treated as absent, not as literal text.
var placeholderPattern = regexp.MustCompile(`^\{.*\}$`)

// WebhookPayload is the validated form of an inbound event. Built once by
// ParseWebhookPayload and immutable afterwards; it lives only long enough to
// become a queue message.
type WebhookPayload struct {
	ContactID     string
	DocType       string
	DocID         string
	DocName       string
	CorrelationID string
	Source        Source
}

// HasGeneratedDocID reports whether DocID was synthesized rather than
// extracted from the payload.
func (p WebhookPayload) HasGeneratedDocID() bool {
	return strings.HasPrefix(p.DocID, GeneratedDocIDPrefix)
}

// extractionStrategy is one step of the doc-id resolution chain: a pure
// function of the raw field map returning a candidate id or "".
type extractionStrategy func(fields map[string]string) string

// docIDStrategies is the resolution chain, tried in priority order. The
// synthesized fallback is not part of the chain; ParseWebhookPayload applies
// it when every strategy comes up empty.
var docIDStrategies = []extractionStrategy{
	func(f map[string]string) string { return cleanField(f, "doc_id") },
	func(f map[string]string) string { return lastCommaEntry(cleanField(f, "{UPLOAD_DOC_IDS}")) },
	func(f map[string]string) string { return cleanField(f, "{LAST_UPLOADED_DOC_ID}") },
	func(f map[string]string) string { return cleanField(f, "{TRIGGERED_DOC_ID}") },
	func(f map[string]string) string { return auxParamDocID(cleanField(f, "aux_param")) },
}

// ParseWebhookPayload validates an untyped field map into a WebhookPayload.
// It is a pure function of its input except for the timestamp used by the
// synthesized doc-id fallback.
//
// contact_id is required and must be numeric. Every other field resolves
// through an alias chain, with unresolved {PLACEHOLDER} values treated as
// absent at every step.
func ParseWebhookPayload(fields map[string]string, source Source) (WebhookPayload, error) {
	contactID := firstClean(fields, "contact_id", "{CONTACT_ID}")
	if contactID == "" {
		return WebhookPayload{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingContactID,
			"contact_id is required",
			nil,
			map[string]any{"field": "contact_id"},
		)
	}
	if !isNumeric(contactID) {
		return WebhookPayload{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidContactID,
			fmt.Sprintf("contact_id must be numeric, got %q", contactID),
			nil,
			map[string]any{"field": "contact_id"},
		)
	}

	docType := firstClean(fields, "doc_type", "{DOC_TYPE}")
	if docType == "" {
		docType = DefaultDocType
	}

	docID := ""
	for _, strategy := range docIDStrategies {
		if v := strategy(fields); v != "" {
			docID = v
			break
		}
	}
	if docID == "" {
		docID = synthesizeDocID(contactID, time.Now().UTC())
	}

	return WebhookPayload{
		ContactID:     contactID,
		DocType:       docType,
		DocID:         docID,
		DocName:       firstClean(fields, "doc_name", "{FILENAME}", "{UPLOAD_DOC_NAME}"),
		CorrelationID: firstClean(fields, "correlation_id", "{CORRELATION_ID}"),
		Source:        source,
	}, nil
}

// synthesizeDocID builds the deterministic fallback id for payloads without
// any document id field.
func synthesizeDocID(contactID string, now time.Time) string {
	return fmt.Sprintf("%s%s_%s", GeneratedDocIDPrefix, now.Format("20060102150405"), contactID)
}

// cleanField returns the trimmed value for key, or "" when missing or an
// unresolved placeholder token.
func cleanField(fields map[string]string, key string) string {
	v := strings.TrimSpace(fields[key])
	if v == "" || placeholderPattern.MatchString(v) {
		return ""
	}
	return v
}

// firstClean tries keys in order and returns the first clean value.
func firstClean(fields map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := cleanField(fields, key); v != "" {
			return v
		}
	}
	return ""
}

// lastCommaEntry returns the last non-empty entry of a comma-separated list.
// Upload lists are appended in upload order, so the last entry is the most
// recent document.
func lastCommaEntry(list string) string {
	if list == "" {
		return ""
	}
	parts := strings.Split(list, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		if v := strings.TrimSpace(parts[i]); v != "" {
			return v
		}
	}
	return ""
}

// auxParamDocID parses the composite auxiliary parameter shaped
// ACCOUNT-CONTACT-DOCID[,DOCID...] and returns the last document id.
func auxParamDocID(param string) string {
	if param == "" {
		return ""
	}
	parts := strings.SplitN(param, "-", 3)
	if len(parts) != 3 {
		return ""
	}
	return lastCommaEntry(parts[2])
}

// isNumeric reports whether s is a non-empty ASCII digit string.
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
