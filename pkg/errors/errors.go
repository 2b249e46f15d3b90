// Package errors defines the error kinds surfaced by the serving layer.
// Callers branch on Kind rather than on message text.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error.
type Kind string

const (
	KindComputeFailed      Kind = "compute_failed"
	KindTimeout            Kind = "timeout"
	KindCapacityExceeded   Kind = "capacity_exceeded"
	KindPersistence        Kind = "persistence_error"
	KindInvalidFingerprint Kind = "invalid_fingerprint"
)

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed if sent again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindPersistence:
		return true
	default:
		return false
	}
}

// HTTPStatusCode maps the kind onto a response status.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindInvalidFingerprint:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindComputeFailed:
		return http.StatusBadGateway
	case KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ComputeFailed wraps a Model Executor failure.
func ComputeFailed(op string, err error) *Error {
	return &Error{Kind: KindComputeFailed, Op: op, Err: err}
}

// Timeout wraps a context error raised while blocking on a computation.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: "deadline exceeded or request cancelled", Err: err}
}

// CapacityExceeded reports a broken capacity invariant.
func CapacityExceeded(op string, size, max int) *Error {
	return &Error{Kind: KindCapacityExceeded, Op: op, Message: fmt.Sprintf("size %d exceeds max capacity %d", size, max)}
}

// Persistence wraps an I/O failure of the durable store.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// InvalidFingerprint reports malformed lookup input.
func InvalidFingerprint(op, message string) *Error {
	return &Error{Kind: KindInvalidFingerprint, Op: op, Message: message}
}

// FromContext converts ctx errors into Timeout and passes everything else through
// as ComputeFailed. Errors that already carry a Kind are returned unchanged.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return Timeout(op, err)
	}
	return ComputeFailed(op, err)
}

// KindOf returns the Kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// IsKind reports whether err has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is a retryable typed error.
func IsRetryable(err error) bool {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Retryable()
	}
	return false
}

// StatusCode returns the HTTP status for err, defaulting to 500.
func StatusCode(err error) int {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
