// Package faults defines the classified error type shared by all labforge
// components. Every failure surfaced by the provisioner, the readiness poller,
// the inventory resolver, or the orchestrator is one of a small set of kinds,
// and the kind decides whether the operation is retried, aborted, or reported
// to the operator as requiring intervention.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	// KindValidation indicates a bad topology or configuration. Raised before
	// any platform mutation; never retried.
	KindValidation Kind = "validation"

	// KindUnavailable indicates the platform API could not be reached or
	// answered with a transient failure (5xx, rate limit). Retried with
	// exponential backoff until the retry budget is exhausted.
	KindUnavailable Kind = "unavailable"

	// KindConflict indicates another resource already owns the requested
	// identity with an incompatible specification. Fatal, requires operator
	// intervention.
	KindConflict Kind = "conflict"

	// KindQuota indicates the platform refused the request for capacity
	// reasons. Fatal, no retry.
	KindQuota Kind = "quota"

	// KindTimeout indicates a resource did not report readiness within its
	// deadline. Fatal for that resource, siblings continue.
	KindTimeout Kind = "timeout"

	// KindUnresolved indicates a discovered address with no matching spec,
	// an internal invariant violation in the phase pipeline.
	KindUnresolved Kind = "unresolved"

	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = "internal"
)

// Error is a classified error with resource and operation context.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// SpecID is the topology resource the error relates to, if any.
	SpecID int

	// Op is the operation being performed when the error occurred.
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.SpecID != 0 && e.Op != "" {
		return fmt.Sprintf("[%s] %s (spec=%d, op=%s)", e.Kind, msg, e.SpecID, e.Op)
	}
	if e.SpecID != 0 {
		return fmt.Sprintf("[%s] %s (spec=%d)", e.Kind, msg, e.SpecID)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two classified errors by kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindTimeout}) work across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithSpec attaches the topology resource id the error relates to.
func (e *Error) WithSpec(specID int) *Error {
	e.SpecID = specID
	return e
}

// WithOp attaches the operation name.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// New creates a classified error.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a validation error.
func Validation(message string, err error) *Error {
	return New(KindValidation, message, err)
}

// Unavailable creates a transient platform error.
func Unavailable(message string, err error) *Error {
	return New(KindUnavailable, message, err)
}

// Conflict creates an identity conflict error.
func Conflict(message string, err error) *Error {
	return New(KindConflict, message, err)
}

// Quota creates a quota exhaustion error.
func Quota(message string, err error) *Error {
	return New(KindQuota, message, err)
}

// Timeout creates a readiness timeout error.
func Timeout(message string, err error) *Error {
	return New(KindTimeout, message, err)
}

// Unresolved creates an orphaned-address error.
func Unresolved(message string, err error) *Error {
	return New(KindUnresolved, message, err)
}

// Internal creates an internal error.
func Internal(message string, err error) *Error {
	return New(KindInternal, message, err)
}

// KindOf returns the kind of a classified error, or KindInternal for any
// other error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error should be retried with backoff.
// Only transient platform unavailability qualifies.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// IsKind reports whether the error chain contains a classified error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
