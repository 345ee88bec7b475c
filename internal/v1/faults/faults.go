// Package faults defines the error taxonomy shared by every component.
// All client-visible failures carry a Kind, a human-readable message,
// and a retriable hint so callers can back off sensibly.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindBusy              Kind = "busy"
	KindInvalidInput      Kind = "invalid_input"
	KindInvalidTransition Kind = "invalid_transition"
	KindUnauthorized      Kind = "unauthorized"
	KindTooManyRequests   Kind = "too_many_requests"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindDegraded          Kind = "degraded"
	KindUnavailable       Kind = "unavailable"
	KindInternal          Kind = "internal"
)

// Error is the wire-visible error shape.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind. DeadlineExceeded, Unavailable
// and Busy are retriable by contract.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Retriable: retriable(kind)}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap annotates cause with a kind while keeping it unwrappable.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Retriable: retriable(kind), cause: cause}
}

func retriable(kind Kind) bool {
	switch kind {
	case KindDeadlineExceeded, KindUnavailable, KindBusy:
		return true
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError converts any error into a *Error, preserving an existing one.
func AsError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(KindInternal, "unexpected error", err)
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists, KindBusy:
		return http.StatusConflict
	case KindInvalidInput, KindInvalidTransition:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindDegraded:
		return http.StatusOK // degraded reads still return data
	default:
		return http.StatusInternalServerError
	}
}
