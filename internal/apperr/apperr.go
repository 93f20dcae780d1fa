// Package apperr defines the machine-readable error kinds surfaced to API
// callers and their HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	NotAuthenticated    Kind = "NotAuthenticated"
	NotAuthorized       Kind = "NotAuthorized"
	NotFound            Kind = "NotFound"
	InvalidState        Kind = "InvalidState"
	CooldownNotElapsed  Kind = "CooldownNotElapsed"
	CooldownExpired     Kind = "CooldownExpired"
	ItemConflict        Kind = "ItemConflict"
	StaleState          Kind = "StaleState"
	NoPinIssued         Kind = "NoPinIssued"
	PinExpired          Kind = "PinExpired"
	PinAttemptsExceeded Kind = "PinAttemptsExceeded"
	PinMismatch         Kind = "PinMismatch"
	ValidationError     Kind = "ValidationError"
	Internal            Kind = "Internal"
)

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

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind carried by err, or Internal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Message is the caller-safe text for err. Internal errors never leak detail.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		return e.Message
	}
	return "internal error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case NotAuthenticated:
		return http.StatusUnauthorized
	case NotAuthorized:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InvalidState, CooldownNotElapsed, CooldownExpired, ItemConflict, StaleState,
		NoPinIssued, PinExpired, PinAttemptsExceeded, PinMismatch, ValidationError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
