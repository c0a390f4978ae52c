// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that key
// usage is discoverable and collisions are impossible.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains the authenticated *identity.User (sanitized).
	// Set by: middleware.Authenticator
	// Required by: all protected endpoints
	IdentityKey Key = "identity"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: logger, error responses
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.RequestID (after binding the request ID field)
	LoggerKey Key = "logger"
)

// WithIdentity adds the authenticated identity to the context.
func WithIdentity(ctx context.Context, user interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, user)
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
