// Package types holds the shared domain primitives for the ContractFlow
// ingestion service: the error taxonomy, context plumbing, secret redaction,
// and telemetry constants. It has no dependencies on other internal packages
// so that every layer can import it without cycles.
package types

import "context"

// Context keys are unexported to prevent collisions with other packages.
type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context. Returns the empty
// string when no request ID was set (e.g., in worker contexts where the
// correlation id travels inside the queue envelope instead).
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
