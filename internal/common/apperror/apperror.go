// Package apperror defines the error taxonomy shared by every layer of the service.
//
// Errors carry a kind (one of the sentinels below) and a message. Callers classify
// with errors.Is against the sentinel, so wrapping with fmt.Errorf("...: %w") keeps
// the classification intact.
package apperror

import (
	"errors"
	"fmt"
)

// Error kinds
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	// ErrInvariant marks broken internal invariants (illegal state transitions,
	// unreadable stored secrets). These are not user-recoverable.
	ErrInvariant = errors.New("invariant violation")
)

// Error is a classified application error.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a validation error.
func Validation(format string, args ...any) error {
	return newf(ErrValidation, format, args...)
}

// NotFound returns a not found error.
func NotFound(format string, args ...any) error {
	return newf(ErrNotFound, format, args...)
}

// Conflict returns a conflict error.
func Conflict(format string, args ...any) error {
	return newf(ErrConflict, format, args...)
}

// Invariant returns an invariant violation error.
func Invariant(format string, args ...any) error {
	return newf(ErrInvariant, format, args...)
}

// Wrap classifies cause under kind with an extra message.
func Wrap(kind, cause error, format string, args ...any) error {
	e := newf(kind, format, args...)
	e.Err = cause
	return e
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool { return errors.Is(err, ErrInvariant) }
