package scheduling

import (
	"errors"
	"fmt"
)

// ErrorKind classifies domain failures. The HTTP layer maps kinds to status codes.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindConflict        ErrorKind = "conflict"
	KindUnavailable     ErrorKind = "unavailable"
	KindPastAppointment ErrorKind = "past_appointment"
	KindDuplicate       ErrorKind = "duplicate"
	KindEmptyCart       ErrorKind = "empty_cart"
	KindNotFound        ErrorKind = "not_found"
	KindForbidden       ErrorKind = "forbidden"
)

// Sentinels for errors.Is.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrUnavailable     = &Error{Kind: KindUnavailable}
	ErrPastAppointment = &Error{Kind: KindPastAppointment}
	ErrDuplicate       = &Error{Kind: KindDuplicate}
	ErrEmptyCart       = &Error{Kind: KindEmptyCart}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrForbidden       = &Error{Kind: KindForbidden}
)

// Error is a domain error carrying a kind and a human readable message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...interface{}) error {
	return newError(KindValidation, format, args...)
}

func Conflictf(format string, args ...interface{}) error {
	return newError(KindConflict, format, args...)
}

func Unavailablef(format string, args ...interface{}) error {
	return newError(KindUnavailable, format, args...)
}

func NotFoundf(format string, args ...interface{}) error {
	return newError(KindNotFound, format, args...)
}

func Forbiddenf(format string, args ...interface{}) error {
	return newError(KindForbidden, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
