// Package apperr classifies the errors that cross component boundaries.
//
// Stores return plain wrapped errors. Services translate them into one
// of the kinds below; the REST layer and the socket hub only ever look at
// the kind, never at the underlying cause.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
	KindInvalidState Kind = "invalid_state"
	KindTransient    Kind = "transient"
	KindFatal        Kind = "fatal"
)

// Well-known codes carried in Error.Code.
const (
	CodeInvalidTimerState    = "invalid-timer-state"
	CodeInvitationGeneration = "invitation-generation"
	CodeInvitationExhausted  = "invitation-exhausted"
	CodeInvitationExpired    = "invitation-expired"
	CodeAlreadyInPool        = "already-in-pool"
	CodeProposalFinalized    = "proposal-finalized"
)

// Error is a classified error. Current and Attempted are filled for
// invalid-state errors so callers can see which transition was refused.
type Error struct {
	Kind      Kind   `json:"kind"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Current   string `json:"current,omitempty"`
	Attempted string `json:"attempted,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func Conflict(code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidState reports an action that is illegal for the current state.
func InvalidState(code, current, attempted string) *Error {
	return &Error{
		Kind:      KindInvalidState,
		Code:      code,
		Message:   fmt.Sprintf("cannot %s while %s", attempted, current),
		Current:   current,
		Attempted: attempted,
	}
}

// Transient wraps an infrastructure failure (broker, database, store).
func Transient(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...), cause: err}
}

// Internal wraps an unexpected failure.
func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf returns the kind of err, defaulting to KindFatal for
// unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err onto the REST status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	case KindConflict, KindInvalidState:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SocketCode maps err onto the code carried in an error frame.
func SocketCode(err error) string {
	switch KindOf(err) {
	case KindInvalidInput:
		return "invalid_message"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindInvalidState:
		return "invalid_state"
	default:
		return "server_error"
	}
}

// PublicMessage returns the message safe to show a client. Unclassified
// and fatal errors never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindFatal && e.Kind != KindTransient {
		return e.Message
	}
	if KindOf(err) == KindTransient {
		return "service temporarily unavailable"
	}
	return "internal error"
}
