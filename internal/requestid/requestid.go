package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header carries the request id over HTTP.
const Header = "X-Request-ID"

type contextKey struct{}

// New creates a request id for tracing.
func New() string {
	return uuid.NewString()
}

// With adds a request id to context.
func With(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, requestID)
}

// FromContext reads request id from context.
func FromContext(ctx context.Context) string {
	v := ctx.Value(contextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// Ensure returns ctx carrying a request id, generating one when missing.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := New()
	return With(ctx, id), id
}
