package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for callers that map outcomes to responses.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindInsufficientFunds
	KindState
	KindForbidden
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindState:
		return "state"
	case KindForbidden:
		return "forbidden"
	case KindStore:
		return "store"
	}
	return "unknown"
}

// Error is the error type returned by the core services.
type Error struct {
	Kind    Kind
	Message string
	// Details lists individual problems when more than one was found.
	Details []string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if len(e.Details) > 0 {
		msg += ": " + strings.Join(e.Details, "; ")
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict)
// works for every conflict.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Kind markers for errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrState             = &Error{Kind: KindState}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrStore             = &Error{Kind: KindStore}
)

func Validation(msg string, details ...string) error {
	return &Error{Kind: KindValidation, Message: msg, Details: details}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InsufficientFunds(accountID, balance, amount int64) error {
	return &Error{
		Kind:    KindInsufficientFunds,
		Message: fmt.Sprintf("account %d has balance %d, needs %d", accountID, balance, amount),
	}
}

func State(format string, args ...any) error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// StoreFailure wraps an opaque persistence failure.
func StoreFailure(op string, err error) error {
	return &Error{Kind: KindStore, Message: op, Err: err}
}

// KindOf returns the kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// DetailsOf returns the per-item messages carried by err, if any.
func DetailsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
