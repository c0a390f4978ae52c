// Package apperr defines the tagged error taxonomy shared by all services.
//
// Storage-level failures (sql.ErrNoRows, unique constraint violations) are
// mapped into this taxonomy exactly once, inside the service that hit them.
// Handlers translate a Kind to an HTTP status without inspecting error
// strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary rendering.
type Kind int

const (
	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = iota
	// KindValidation marks missing or malformed required input.
	KindValidation
	// KindNotFound marks an absent referenced entity.
	KindNotFound
	// KindForbidden marks an authenticated but unauthorized action.
	KindForbidden
	// KindConflict marks a unique-constraint violation.
	KindConflict
	// KindUnauthenticated marks a missing or unresolvable credential.
	KindUnauthenticated
	// KindTokenExpired marks a well-formed credential past its expiry.
	KindTokenExpired
	// KindTokenInvalid marks a malformed or tampered credential.
	KindTokenInvalid
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindTokenExpired:
		return "token_expired"
	case KindTokenInvalid:
		return "token_invalid"
	default:
		return "internal"
	}
}

// FieldError carries field-level detail for validation failures.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the tagged error type returned by all services.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is matches two taxonomy errors by Kind so errors.Is can be used with the
// sentinel constructors below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a taxonomy error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a taxonomy error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// Validation creates a validation error with optional field details.
func Validation(message string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Forbidden creates a forbidden error.
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// Unauthenticated creates an unauthenticated error.
func Unauthenticated(message string) *Error {
	return &Error{Kind: KindUnauthenticated, Message: message}
}

// TokenExpired creates a token-expired error.
func TokenExpired(message string) *Error {
	return &Error{Kind: KindTokenExpired, Message: message}
}

// TokenInvalid creates a token-invalid error.
func TokenInvalid(message string) *Error {
	return &Error{Kind: KindTokenInvalid, Message: message}
}

// Internal wraps an unexpected failure without exposing its detail.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", wrapped: err}
}

// KindOf extracts the Kind from any error; unclassified errors report
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FieldsOf returns field-level details when present.
func FieldsOf(err error) []FieldError {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
