// Package errs defines the error kinds surfaced by the engine and the typed
// error that carries them across component boundaries.
//
// Every runtime failure is tagged with a Kind so that HTTP handlers, SSE
// streams and execution traces can report machine-readable errors without
// inspecting error strings.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure.
type Kind string

const (
	// Input errors.
	KindValidationFailed Kind = "ValidationFailed"
	KindNameConflict     Kind = "NameConflict"
	KindRouteConflict    Kind = "RouteConflict"
	KindUnknownService   Kind = "UnknownService"
	KindUnknownAgent     Kind = "UnknownAgent"
	KindUnknownProfile   Kind = "UnknownProfile"

	// Runtime errors.
	KindTimeout               Kind = "Timeout"
	KindCancelled             Kind = "Cancelled"
	KindDependencyMissing     Kind = "DependencyMissing"
	KindUndeclaredDependency  Kind = "UndeclaredDependency"
	KindBadResult             Kind = "BadResult"
	KindBadJSON               Kind = "BadJson"
	KindOutputSchemaViolation Kind = "OutputSchemaViolation"
	KindIterationsExhausted   Kind = "IterationsExhausted"
	KindRequiredToolMissing   Kind = "RequiredToolMissing"

	// Upstream (LLM provider) errors.
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindProviderRateLimited Kind = "ProviderRateLimited"
	KindProviderBadResponse Kind = "ProviderBadResponse"

	// Persistence errors.
	KindStoreUnavailable Kind = "StoreUnavailable"
	KindStoreConflict    Kind = "StoreConflict"

	// Internal invariant violation. Always logged at CRITICAL.
	KindBug Kind = "Bug"
)

// Error is the typed error exchanged between engine components.
type Error struct {
	Kind   Kind
	Field  string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a typed error with a formatted detail message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// ForField creates a ValidationFailed error for a single field.
func ForField(field, detail string) *Error {
	return &Error{Kind: KindValidationFailed, Field: field, Detail: detail}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report KindBug so invariant breaks never pass silently.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBug
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the HTTP status code returned by the
// JSON endpoints.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidationFailed, KindBadJSON:
		return http.StatusBadRequest
	case KindUnknownService, KindUnknownAgent, KindUnknownProfile:
		return http.StatusNotFound
	case KindNameConflict, KindRouteConflict, KindStoreConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a provider error should be retried with
// backoff. Only rate limiting and unavailability qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderRateLimited, KindProviderUnavailable:
		return true
	}
	return false
}
