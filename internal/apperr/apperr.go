// Package apperr defines the error kinds that cross component boundaries and
// their mapping to transport status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindTokenInvalid
	KindState
	KindNotFound
	KindUnavailable
)

// Error carries a kind, an operator-facing message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind from any error in the chain; unknown errors are internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Validation reports a client input failure; no side effects occurred.
func Validation(msg string) *Error { return New(KindValidation, msg) }

// TokenInvalid reports an unknown, expired or revoked escalation token.
func TokenInvalid(msg string) *Error { return New(KindTokenInvalid, msg) }

// State reports a transition not permitted from the current case status.
func State(msg string) *Error { return New(KindState, msg) }

// Unavailable reports a degraded collaborator (model not loaded, text service down).
func Unavailable(msg string) *Error { return New(KindUnavailable, msg) }

// NotFound reports a missing resource.
func NotFound(msg string) *Error { return New(KindNotFound, msg) }
