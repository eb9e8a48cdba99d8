package core

import (
	"errors"
	"fmt"
)

// Error is the single error type surfaced by the orchestration core and the gateway.
type Error struct {
	Kind       ErrorKind `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`

	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind when the target carries no message,
// so errors.Is(err, core.ErrSessionNotFound) works for every instance.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	if t.Message != "" && t.Message != e.Message {
		return false
	}
	return t.Kind == e.Kind
}

// ErrorKind categorizes errors.
type ErrorKind string

const (
	KindConfiguration       ErrorKind = "configuration_error"
	KindResourceAcquisition ErrorKind = "resource_acquisition_error"
	KindActionFailed        ErrorKind = "action_failed"
	KindCollaboratorTimeout ErrorKind = "collaborator_timeout"
	KindInvalidTransition   ErrorKind = "invalid_transition"
	KindAlreadyInitialized  ErrorKind = "already_initialized"
	KindSessionTerminated   ErrorKind = "session_terminated"
	KindInvalidSection      ErrorKind = "invalid_section"
	KindCapacityExceeded    ErrorKind = "capacity_exceeded"
	KindSessionNotFound     ErrorKind = "session_not_found"

	KindInvalidRequest ErrorKind = "invalid_request_error"
	KindAuthentication ErrorKind = "authentication_error"
	KindRateLimit      ErrorKind = "rate_limit_error"
	KindInternal       ErrorKind = "api_error"
)

// Sentinels for errors.Is.
var (
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrResourceAcquisition = &Error{Kind: KindResourceAcquisition}
	ErrActionFailed        = &Error{Kind: KindActionFailed}
	ErrCollaboratorTimeout = &Error{Kind: KindCollaboratorTimeout}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrAlreadyInitialized  = &Error{Kind: KindAlreadyInitialized}
	ErrSessionTerminated   = &Error{Kind: KindSessionTerminated}
	ErrInvalidSection      = &Error{Kind: KindInvalidSection}
	ErrCapacityExceeded    = &Error{Kind: KindCapacityExceeded}
	ErrSessionNotFound     = &Error{Kind: KindSessionNotFound}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
)

// Errorf creates an error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
