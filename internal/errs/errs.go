// Package errs defines the bounded error taxonomy shared by all components.
// Every error surfaced to an operator or an HTTP client carries a stable Kind
// string; the Kind→status mapping in HTTPStatus is the single authoritative
// translation table.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error category string, usable by UI tests.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindAuth              Kind = "AuthError"
	KindNotFound          Kind = "NotFoundError"
	KindStorage           Kind = "StorageError"
	KindTransientNetwork  Kind = "TransientNetworkError"
	KindPermanentProtocol Kind = "PermanentProtocolError"
	KindConfiguration     Kind = "ConfigurationError"
	KindQueueFull         Kind = "QueueFullError"
	KindTaskExpired       Kind = "TaskExpired"
	KindTaskCancelled     Kind = "TaskCancelled"
	KindInternal          Kind = "InternalError"
)

// E is the canonical error value: a kind, a human message, and an optional cause.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

// New constructs an error of the given kind.
func New(kind Kind, msg string) error {
	return &E{Kind: kind, Message: msg}
}

// Newf constructs an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil cause yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &E{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retriable reports whether a bounded retry may recover err.
// Validation, auth, and permanent protocol errors never are.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindStorage, KindTransientNetwork:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to its HTTP response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindStorage:
		return http.StatusInternalServerError
	case KindTransientNetwork:
		return http.StatusBadGateway
	case KindPermanentProtocol:
		return http.StatusBadGateway
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
