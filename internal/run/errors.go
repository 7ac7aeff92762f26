package run

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes orchestration errors.
type ErrorCode string

const (
	// ErrCodeInvalidState indicates an operation that is illegal in the
	// execution's current state (e.g. a second input request while one is
	// pending, or starting a non-PENDING execution).
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	// ErrCodeNotFound indicates an unknown execution or request id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeAlreadyResolved indicates a Resolve call that lost the race.
	// Surfaced to the losing caller as a non-error "too late" result by
	// the gate; only raised as an error where a caller insists on winning.
	ErrCodeAlreadyResolved ErrorCode = "ALREADY_RESOLVED"

	// ErrCodeTimeout indicates a gate deadline elapsed.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeCollaborator indicates the task-reasoning collaborator failed.
	// Always terminates the execution as FAILED.
	ErrCodeCollaborator ErrorCode = "COLLABORATOR_ERROR"

	// ErrCodeTransport indicates a publish-to-topic failure. Logged and
	// never fatal to task progress: persistence has already succeeded.
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"
)

// Error is a coded orchestration error with execution context.
type Error struct {
	Code        ErrorCode
	Message     string
	ExecutionID string
	Err         error // underlying cause, optional
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.ExecutionID != "" {
		return fmt.Sprintf("%s: %s (execution=%s)", e.Code, msg, e.ExecutionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a coded error for an execution.
func NewError(code ErrorCode, executionID, message string) *Error {
	return &Error{Code: code, Message: message, ExecutionID: executionID}
}

// WrapError creates a coded error around an underlying cause.
func WrapError(code ErrorCode, executionID, message string, err error) *Error {
	return &Error{Code: code, Message: message, ExecutionID: executionID, Err: err}
}

// CodeOf extracts the error code from err, or "" if err is not a *Error.
// Handles wrapped errors via errors.As.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInvalidState reports whether err carries ErrCodeInvalidState.
func IsInvalidState(err error) bool { return CodeOf(err) == ErrCodeInvalidState }

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsAlreadyResolved reports whether err carries ErrCodeAlreadyResolved.
func IsAlreadyResolved(err error) bool { return CodeOf(err) == ErrCodeAlreadyResolved }

// IsTimeout reports whether err carries ErrCodeTimeout.
func IsTimeout(err error) bool { return CodeOf(err) == ErrCodeTimeout }
