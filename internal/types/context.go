package types

import "context"

type contextKey int

const requestIDKey contextKey = iota

// WithRequestID returns a context carrying the given request/trace ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request/trace ID stored in the context, or "" if
// none was set.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
