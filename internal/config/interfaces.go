package config

import "context"

// SecretProvider resolves secret parameter names to plaintext values. The
// loader uses it to follow *_SSM_PARAM pointers; SSM Parameter Store backs
// it in deployed environments and plain environment variables back it
// locally and in tests.
type SecretProvider interface {
	// GetParametersBatch resolves the given parameter names. Names that
	// cannot be found are omitted from the result; the loader decides
	// whether a missing name is fatal.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
