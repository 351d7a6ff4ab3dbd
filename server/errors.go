package server

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for logging, metrics and HTTP mapping.
// Clients never see the kind outside development mode.
type Kind string

const (
	KindMalformedRequest   Kind = "MalformedRequest"
	KindInvalidCredentials Kind = "InvalidCredentials"
	KindTokenExpired       Kind = "TokenExpired"
	KindTokenInvalid       Kind = "TokenInvalid"
	KindPrincipalNotFound  Kind = "PrincipalNotFound"
	KindRateLimitExceeded  Kind = "RateLimitExceeded"
	KindInternalFailure    Kind = "InternalFailure"

	// KindForbidden is an ownership mismatch
	KindForbidden Kind = "Forbidden"

	// KindConflict is a registration with an email already in use
	KindConflict Kind = "Conflict"
)

// IsAuthFailure reports whether k is surfaced to clients as the generic
// "could not validate credentials" response
func (k Kind) IsAuthFailure() bool {
	switch k {
	case KindInvalidCredentials, KindTokenExpired, KindTokenInvalid, KindPrincipalNotFound:
		return true
	}
	return false
}

// Error is the error type returned by every Server operation
type Error struct {
	Kind    Kind
	Message string // internal detail, never sent to clients outside dev mode
	Cause   error

	// RetryAfter is set for KindRateLimitExceeded
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: KindTokenExpired}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == "" && t.Cause == nil
}

// KindOf returns the Kind of err, or KindInternalFailure for errors that
// did not originate from this package
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternalFailure
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
