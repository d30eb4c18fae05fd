// Package mahierr defines the error-kind taxonomy shared by every mahid
// subsystem. Transports translate a Kind to their own wire representation
// at the boundary; internal code only ever produces and inspects Kinds.
package mahierr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure, independent of the transport that
// eventually reports it.
type Kind string

const (
	Unauthorized           Kind = "unauthorized"
	RateLimitExceeded      Kind = "rate_limit_exceeded"
	InvalidRequest         Kind = "invalid_request"
	NotFound               Kind = "not_found"
	CapacityExceeded       Kind = "capacity_exceeded"
	NameConflict           Kind = "name_conflict"
	PermissionDenied       Kind = "permission_denied"
	TimedOut               Kind = "timed_out"
	SandboxFailure         Kind = "sandbox_failure"
	BackendUnreachable     Kind = "backend_unreachable"
	TokenStoreError        Kind = "token_store_error"
	RestartBudgetExhausted Kind = "restart_budget_exhausted"
	InvalidProtocol        Kind = "invalid_protocol"
	ConfigError            Kind = "config_error"
)

// Error is a sentinel error carrying a Kind alongside the usual wrapped
// cause, so callers can both log a human message and branch on Kind with
// errors.As.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping cause, using cause's message if message
// is empty.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
