// Package apperr defines the error taxonomy shared by all components.
//
// Every error that crosses a component boundary is classified into one of the
// kinds below. The task runner uses the classification to decide between
// retry, escalation, and terminal failure; the API layer maps kinds to HTTP
// status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and escalation decisions.
type Kind string

const (
	// KindInputRejected covers signature, format, and size violations on
	// inbound payloads. Surfaced as 4xx, audited, never retried.
	KindInputRejected Kind = "input_rejected"

	// KindTransient covers store unavailability, adapter timeouts, and
	// network failures. Retried with backoff up to max attempts.
	KindTransient Kind = "transient"

	// KindBusinessConflict covers deterministic domain conflicts: an active
	// token already exists, a session has expired, a duplicate processing id.
	// Returned to the caller, never retried.
	KindBusinessConflict Kind = "business_conflict"

	// KindNonRetryable covers contract violations: PHI in a tokenized
	// payload, schema breach, decryption failure. Fails the task immediately
	// with escalation and a security audit entry.
	KindNonRetryable Kind = "non_retryable"

	// KindLowConfidence is not a fault: a medical signal fell below the
	// configured threshold. Forces escalation to human review.
	KindLowConfidence Kind = "low_confidence"

	// KindFatal covers invariant violations such as an unreconcilable
	// cross-store write. The affected component degrades and refuses new
	// work for the token until operator intervention.
	KindFatal Kind = "fatal"
)

// Sentinel errors returned by services and stores.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrExpired is returned when a token or session has passed its TTL.
	ErrExpired = errors.New("expired")

	// ErrForbidden is returned when the caller lacks the required role.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when an active conflicting entity exists.
	ErrConflict = errors.New("conflict")

	// ErrDuplicate is returned for an already-seen processing or event id.
	ErrDuplicate = errors.New("duplicate")

	// ErrCanceled is returned when a task observed its cancellation signal.
	// Terminal but not a failure: no retry, no escalation.
	ErrCanceled = errors.New("canceled")
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// ClassOf returns the Kind of an error. Unclassified errors default to
// KindTransient so that unknown infrastructure failures are retried rather
// than silently dropped.
func ClassOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired),
		errors.Is(err, ErrForbidden), errors.Is(err, ErrConflict),
		errors.Is(err, ErrDuplicate):
		return KindBusinessConflict
	default:
		return KindTransient
	}
}

// Retryable reports whether a failed operation with this error may be retried.
func Retryable(err error) bool {
	if errors.Is(err, ErrCanceled) {
		return false
	}
	return ClassOf(err) == KindTransient
}

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
