package middleware

import (
	"context"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ActorKey is the context key for the caller identity taken from ActorHeader
	ActorKey contextKey = "actor"
)

// ActorHeader carries the identity recorded on approvals and rejections
const ActorHeader = "X-Actor"

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetActorFromContext retrieves the caller identity from context
func GetActorFromContext(ctx context.Context) string {
	if val := ctx.Value(ActorKey); val != nil {
		if actor, ok := val.(string); ok {
			return actor
		}
	}
	return ""
}

// WithActor adds the caller identity to the context
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}
