// Package apierror defines the sum-type error model shared across the
// orchestration engine, replacing exceptions-carrying-HTTP-status with an
// explicit {kind, code, message, details, path} value every boundary can
// map deterministically to a transport status.
package apierror

import "fmt"

// Kind is one of the error kinds from spec.md §7.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not-found"
	KindConflict      Kind = "conflict"
	KindTransient     Kind = "transient"
	KindNonRecoverable Kind = "non-recoverable"
	KindInfrastructure Kind = "infrastructure"
	KindUnauthorized  Kind = "unauthorized"
	KindForbidden     Kind = "forbidden"
	KindUnavailable   Kind = "unavailable"
	KindTimeout       Kind = "timeout"
	KindRateLimit     Kind = "rate-limit"
)

// Error is the sum type every component returns instead of raw error
// wrapping. Kind drives HTTP-status mapping at the transport boundary;
// Code is a stable machine-readable string; Details carries ids/values
// relevant to diagnosing the failure; Path is the request path or
// component chain that produced it.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Path    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error with the given kind, code, and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WithDetails returns a copy of e whose Details is replaced by details.
func (e *Error) WithDetails(details map[string]any) *Error {
	out := *e
	out.Details = details
	return &out
}

// WithPath returns a copy of e with Path set.
func (e *Error) WithPath(path string) *Error {
	out := *e
	out.Path = path
	return &out
}

// NotFound builds a not-found error for the given entity/id.
func NotFound(entity, id string) *Error {
	return New(KindNotFound, "not_found", fmt.Sprintf("%s %q not found", entity, id)).
		WithDetails(map[string]any{"entity": entity, "id": id})
}

// Conflict builds a conflict error describing an illegal transition.
func Conflict(message string) *Error {
	return New(KindConflict, "conflict", message)
}

// Validation builds a validation error.
func Validation(message string) *Error {
	return New(KindValidation, "validation_failed", message)
}

// Unavailable builds an unavailable error, e.g. no eligible workers.
func Unavailable(message string) *Error {
	return New(KindUnavailable, "unavailable", message)
}

// RateLimited builds a rate-limit error.
func RateLimited(message string) *Error {
	return New(KindRateLimit, "rate_limited", message)
}

// StatusCode maps an error kind to its HTTP status code per spec.md §6.
func StatusCode(k Kind) int {
	switch k {
	case KindNotFound:
		return 404
	case KindValidation:
		return 400
	case KindConflict:
		return 409
	case KindUnauthorized:
		return 401
	case KindForbidden:
		return 403
	case KindUnavailable, KindInfrastructure:
		return 503
	case KindTimeout:
		return 504
	case KindRateLimit:
		return 429
	case KindTransient:
		return 503
	case KindNonRecoverable:
		return 422
	default:
		return 500
	}
}

// As extracts an *Error from err, if it is one.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
