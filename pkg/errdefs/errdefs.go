package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the HTTP layer's status
// mapping. Kinds mirror the surface taxonomy of the control plane.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindAuthorization      Kind = "AUTHORIZATION_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Error is the control plane's error type. Every core operation fails with
// one of these; cause chains are preserved for errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// ExpectedVersion / CurrentVersion are populated on version-guard
	// conflicts so callers can decide whether to re-read and retry.
	ExpectedVersion int64
	CurrentVersion  int64

	// RetryAfterSeconds hints throttled callers. Zero means no hint.
	RetryAfterSeconds int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorization creates an authorization error.
func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// VersionConflict creates a conflict error carrying the expected and stale
// current versions of a guarded update.
func VersionConflict(expected, current int64) *Error {
	return &Error{
		Kind:            KindConflict,
		Message:         fmt.Sprintf("version guard failed: expected %d, current %d", expected, current),
		ExpectedVersion: expected,
		CurrentVersion:  current,
	}
}

// QuotaExceeded creates a quota error with a retry hint.
func QuotaExceeded(retryAfterSeconds int, format string, args ...any) *Error {
	return &Error{
		Kind:              KindQuotaExceeded,
		Message:           fmt.Sprintf(format, args...),
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// Unavailable creates a service-unavailable error wrapping a dependency
// failure.
func Unavailable(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Internal creates an internal error wrapping an unclassified failure.
func Internal(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err, or KindInternal when err is not a
// classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }
