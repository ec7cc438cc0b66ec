package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. Transports map it to a coarse status.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindStore      Kind = "store"
)

// Error is returned by every Engine operation that fails.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	// OutcomeUnknown is set when a save timed out; callers must re-read before retrying.
	OutcomeUnknown bool
	Err            error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" && msg == "" {
		msg = e.Field + " is invalid"
	}
	if e.Err != nil {
		if msg == "" {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" when err is nil or not an engine error.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// IsKind reports whether err is an engine error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func authError(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg}
}

func validationError(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictError(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func storeError(msg string, err error) *Error {
	return &Error{Kind: KindStore, Message: msg, Err: err}
}
