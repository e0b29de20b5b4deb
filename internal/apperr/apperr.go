// Package apperr defines the error taxonomy shared across the core.
// Kinds map directly to the error handling contract: InvalidInput and
// NotFound are surfaced to callers immediately, EvalError is always
// absorbed locally and never escalates to a decision, StoreError and
// Timeout are retryable-or-surfaced per the caller's policy, and
// Unavailable/Canceled describe configuration and lifecycle states.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable error category.
type Kind string

const (
	KindInvalidInput Kind = "InvalidInput"
	KindNotFound     Kind = "NotFound"
	KindConflict     Kind = "Conflict"
	KindEvalError    Kind = "EvalError"
	KindStoreError   Kind = "StoreError"
	KindTimeout      Kind = "Timeout"
	KindUnavailable  Kind = "Unavailable"
	KindCanceled     Kind = "Canceled"
)

// Sentinel values for simple conditions callers can compare with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("concurrent update conflict")
	ErrUnavailable  = errors.New("feature not configured")
	ErrCanceled     = errors.New("canceled")
)

// Error is the wrapper type for errors that need a machine-readable kind
// alongside a human message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a kinded error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a kinded error around an existing cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// InvalidInput builds a client-fault error for a malformed request or policy.
func InvalidInput(message string) *Error {
	return New(KindInvalidInput, message)
}

// NotFound builds a client-fault error for an unknown policy or action id.
func NotFound(message string) *Error {
	return Wrap(KindNotFound, message, ErrNotFound)
}

// StoreErr builds a retryable backend-failure error.
func StoreErr(message string, cause error) *Error {
	return Wrap(KindStoreError, message, cause)
}

// TimeoutErr builds a deadline-exceeded error; no partial result accompanies it.
func TimeoutErr(message string) *Error {
	return New(KindTimeout, message)
}

// Unavailable builds an error for a requested-but-unconfigured agentic feature.
func Unavailable(message string) *Error {
	return Wrap(KindUnavailable, message, ErrUnavailable)
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsEvalError reports whether err is an EvalError — callers evaluating a
// rule or derived-role condition must absorb this locally, never escalate.
func IsEvalError(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindEvalError
}
