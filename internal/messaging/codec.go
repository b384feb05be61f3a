package messaging

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// maxPlainBodyBytes is the size above which a message body is zstd-compressed
// before being sent. SQS caps bodies at 256 KiB; parsed-document payloads can
// get close, so anything over this threshold is wrapped. The margin below the
// hard limit leaves room for the compression envelope and base64 overhead.
const maxPlainBodyBytes = 192 * 1024

// compressedEnvelope is the wire wrapper for compressed bodies. Decoders
// sniff the Encoding key to distinguish it from a plain QueueMessage map
// (whose keys never include "Encoding").
type compressedEnvelope struct {
	Encoding string `json:"Encoding"`
	Body     string `json:"Body"`
}

const encodingZstd = "zstd"

// Shared zstd coders. NewWriter/NewReader with default options on a nil
// stream cannot fail.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodeBody serializes a QueueMessage into its queue body string: JSON of
// the wire-format map, compressed and wrapped when it exceeds the plain-body
// threshold.
func EncodeBody(msg *QueueMessage) (string, error) {
	plain, err := json.Marshal(msg.ToQueueFormat())
	if err != nil {
		return "", fmt.Errorf("messaging: marshal queue body: %w", err)
	}

	if len(plain) <= maxPlainBodyBytes {
		return string(plain), nil
	}

	compressed := zstdEncoder.EncodeAll(plain, nil)
	wrapped, err := json.Marshal(compressedEnvelope{
		Encoding: encodingZstd,
		Body:     base64.StdEncoding.EncodeToString(compressed),
	})
	if err != nil {
		return "", fmt.Errorf("messaging: marshal compressed envelope: %w", err)
	}
	return string(wrapped), nil
}

// DecodeBody parses a queue body produced by EncodeBody (or by any older
// deploy that wrote plain JSON) back into a QueueMessage.
func DecodeBody(body string) (*QueueMessage, error) {
	var probe compressedEnvelope
	if err := json.Unmarshal([]byte(body), &probe); err == nil && probe.Encoding == encodingZstd {
		compressed, err := base64.StdEncoding.DecodeString(probe.Body)
		if err != nil {
			return nil, fmt.Errorf("messaging: decode compressed body: %w", err)
		}
		plain, err := zstdDecoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("messaging: decompress body: %w", err)
		}
		body = string(plain)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("messaging: unmarshal queue body: %w", err)
	}
	return FromQueueFormat(raw)
}
