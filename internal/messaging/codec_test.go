package messaging

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeBodySmallStaysPlain(t *testing.T) {
	msg := NewQueueMessage(MessageTypeContractDownload, "12345", map[string]any{"doc_id": "333"})

	body, err := EncodeBody(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if strings.Contains(body, `"Encoding"`) {
		t.Error("small body must not be wrapped in a compression envelope")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		t.Fatalf("plain body is not valid JSON: %v", err)
	}
	if raw["ContactId"] != "12345" {
		t.Errorf("unexpected body content: %v", raw)
	}
}

func TestEncodeBodyLargeIsCompressed(t *testing.T) {
	// Build a payload comfortably over the plain-body threshold. Repetitive
	// text compresses well, mimicking extracted contract text.
	text := strings.Repeat("the party of the first part shall remit payment ", 8192)
	msg := NewQueueMessage(MessageTypeDocumentParse, "12345", map[string]any{
		"doc_id":         "333",
		"extracted_text": text,
	})

	body, err := EncodeBody(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var envelope compressedEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		t.Fatalf("compressed body is not a valid envelope: %v", err)
	}
	if envelope.Encoding != encodingZstd {
		t.Fatalf("expected zstd encoding, got %q", envelope.Encoding)
	}
	if len(body) >= len(text) {
		t.Errorf("compressed body (%d bytes) is not smaller than the payload (%d bytes)", len(body), len(text))
	}
}

func TestBodyRoundTripBothPaths(t *testing.T) {
	small := NewQueueMessage(MessageTypeContractDownload, "111", map[string]any{"doc_id": "1"})
	large := NewQueueMessage(MessageTypeDocumentParse, "222", map[string]any{
		"doc_id":         "2",
		"extracted_text": strings.Repeat("lorem ipsum dolor sit amet ", 16384),
	})

	for name, msg := range map[string]*QueueMessage{"plain": small, "compressed": large} {
		body, err := EncodeBody(msg)
		if err != nil {
			t.Fatalf("%s: encode failed: %v", name, err)
		}
		got, err := DecodeBody(body)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", name, err)
		}
		if got.ContactID != msg.ContactID || got.MessageType != msg.MessageType {
			t.Errorf("%s: round-trip mismatch: got %+v", name, got)
		}
		if got.Data["doc_id"] != msg.Data["doc_id"] {
			t.Errorf("%s: data mismatch", name)
		}
	}
}

func TestDecodeBodyRejectsGarbage(t *testing.T) {
	if _, err := DecodeBody("not json at all"); err == nil {
		t.Error("expected error for non-JSON body")
	}
	if _, err := DecodeBody(`{"Encoding":"zstd","Body":"!!!not-base64!!!"}`); err == nil {
		t.Error("expected error for invalid base64 in compression envelope")
	}
}
