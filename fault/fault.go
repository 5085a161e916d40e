// Package fault classifies domain errors so transports can decide whether a caller
// should retry, fix input, or escalate.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalid       Kind = "INVALID_INPUT"
	KindNotFound      Kind = "NOT_FOUND"
	KindPrecondition  Kind = "PRECONDITION_FAILED"
	KindAuthorization Kind = "AUTHORIZATION_FAILED"
	KindExternal      Kind = "EXTERNAL_ADAPTER_FAILED"
	KindConflict      Kind = "CONFLICT"
	KindInternal      Kind = "INTERNAL"
)

// Retryable reports whether the same request may succeed when sent again.
func (k Kind) Retryable() bool {
	return k == KindExternal || k == KindConflict
}

// Error carries a kind, a caller-safe message and the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func Invalid(message string) *Error { return New(KindInvalid, message, nil) }

func NotFound(message string, cause error) *Error { return New(KindNotFound, message, cause) }

func Precondition(message string) *Error { return New(KindPrecondition, message, nil) }

// Preconditionf wraps a sentinel so callers can still match it with errors.Is.
func Preconditionf(cause error, format string, args ...any) *Error {
	return New(KindPrecondition, fmt.Sprintf(format, args...), cause)
}

func Authorization(cause error) *Error {
	return New(KindAuthorization, "step-up authorization failed", cause)
}

func External(operation string, cause error) *Error {
	return New(KindExternal, "settlement "+operation+" failed", cause)
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Public renders the message a caller may see. Non-admin callers never learn
// which step-up check failed nor the cause of an adapter outage.
func Public(err error, admin bool) string {
	var fe *Error
	if !errors.As(err, &fe) {
		return "internal error"
	}
	switch fe.Kind {
	case KindAuthorization:
		if admin && fe.Err != nil {
			return fe.Message + ": " + fe.Err.Error()
		}
		return fe.Message
	case KindExternal:
		if admin && fe.Err != nil {
			return fe.Message + ": " + fe.Err.Error()
		}
		return "settlement service unavailable, try again"
	case KindInternal:
		return "internal error"
	default:
		return fe.Message
	}
}
