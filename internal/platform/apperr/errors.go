// Package apperr defines the typed failure kinds surfaced by the identity and
// encounter engines. Callers branch on kind with errors.Is, never on message
// text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindConflict          Kind = "CONFLICT"
	KindInternal          Kind = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
)

// Error is an application error with a kind and optional details.
type Error struct {
	Kind    Kind              `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target
}

func sentinel(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindConflict:
		return ErrConflict
	default:
		return ErrInternal
	}
}

// Validation creates an error for caller input that fails a precondition.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates an error for a reference that does not resolve.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]string{"resource": resource, "id": id},
	}
}

// InvalidTransition creates an error for a move the status machine rejects.
// An empty from denotes an encounter with no status yet.
func InvalidTransition(from, to string) *Error {
	shown := from
	if shown == "" {
		shown = "<none>"
	}
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot transition from %s to %s", shown, to),
		Details: map[string]string{"from": from, "to": to},
	}
}

// Conflict creates an error for a lost concurrency race.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an infrastructure failure.
func Internal(err error, message string) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code a transport layer should use.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
