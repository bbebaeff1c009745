// ABOUTME: Request-scoped identity and correlation ID propagation via context
// ABOUTME: Provides WithIdentity/FromContext used by handlers and the upstream client

package auth

import (
	"context"
)

// Identity holds the authenticated caller information extracted from a request.
type Identity struct {
	// Subject is the "sub" claim of the caller's token. It is used as the
	// conversation owner.
	Subject string
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}

// correlationKey is the key type for storing the request correlation ID.
type correlationKey struct{}

// WithCorrelationID returns a new context carrying the request correlation ID.
// The upstream client forwards it so answer-service logs can be tied back to
// the inbound call.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID retrieves the correlation ID from the context, or "" if unset.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
