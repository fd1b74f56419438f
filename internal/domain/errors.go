package domain

import (
	"errors"
	"fmt"
)

// ErrorKind tags an error with its API-visible classification. Kinds decide
// retry behavior inside the worker runtime and the HTTP status at the
// control plane.
type ErrorKind string

const (
	// KindInvalidInput marks malformed client input. Never retried.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindNotFound marks a lookup for an unknown entity.
	KindNotFound ErrorKind = "not_found"
	// KindRestricted marks an operation against a restricted wallet.
	KindRestricted ErrorKind = "restricted"
	// KindAlreadyRunning marks the concurrency gate tripping. Informational.
	KindAlreadyRunning ErrorKind = "already_running"
	// KindSkipped marks the freshness gate tripping. Informational.
	KindSkipped ErrorKind = "skipped"
	// KindExternalUnavailable marks a provider failure after internal retries.
	KindExternalUnavailable ErrorKind = "external_unavailable"
	// KindRateLimited marks provider throttling. Transient.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTimeout marks a job exceeding its budget. Terminal.
	KindTimeout ErrorKind = "timeout"
	// KindInternal marks an unexpected store or logic error.
	KindInternal ErrorKind = "internal"
)

// Error is a kind-tagged error. The message is user-readable; Err carries
// the underlying cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a kind-tagged error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error with a kind and message.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind of err, walking the wrap chain.
// Untagged errors report KindInternal.
func KindOf(err error) ErrorKind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	return KindInternal
}

// IsTransient reports whether a job failing with this kind should be retried
// by the queue. Timeouts are terminal: the budget is already spent.
func (k ErrorKind) IsTransient() bool {
	switch k {
	case KindExternalUnavailable, KindRateLimited, KindInternal:
		return true
	default:
		return false
	}
}
