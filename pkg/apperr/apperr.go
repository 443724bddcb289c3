package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the export pipeline. Callers branch on the
// kind, never on the message.
type Kind string

const (
	KindInvalidState      Kind = "INVALID_STATE"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindSourceUnavailable Kind = "SOURCE_UNAVAILABLE"
	KindBadRequest        Kind = "BAD_REQUEST"
)

// Sentinels for errors.Is checks.
var (
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrSourceUnavailable = &Error{Kind: KindSourceUnavailable}
	ErrBadRequest        = &Error{Kind: KindBadRequest}
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	case e.Message != "":
		return e.Message
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// holds for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the whole call may be repeated as-is.
func (e *Error) Retryable() bool {
	return e.Kind == KindSourceUnavailable
}

func InvalidState(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(cause error, format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func SourceUnavailable(cause error, format string, args ...any) error {
	return &Error{Kind: KindSourceUnavailable, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func BadRequest(format string, args ...any) error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind carried by err, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
