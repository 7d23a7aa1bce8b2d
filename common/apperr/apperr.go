// Package apperr defines the error taxonomy shared by every huntql endpoint.
//
// Errors fall into four hard-failure classes plus a non-fatal degradation
// channel (warnings on a successful response, never an error):
//
//   - validation_error:  malformed input, rejected before any store access
//   - safety_rejected:   a cost/safety guard tripped, rejected before execution
//   - execution_timeout: the query started but exceeded its wall-clock budget
//   - execution_failure: the event-store executor errored
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error class on the wire.
type Code string

const (
	CodeValidation       Code = "validation_error"
	CodeSafetyRejected   Code = "safety_rejected"
	CodeExecutionTimeout Code = "execution_timeout"
	CodeExecutionFailure Code = "execution_failure"
	CodeNotFound         Code = "not_found"
	CodeInternal         Code = "internal_error"
)

// Error is a classified error with optional structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation creates a validation_error.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// SafetyRejected creates a safety_rejected error naming the guard that failed.
func SafetyRejected(guard, format string, args ...interface{}) *Error {
	return &Error{
		Code:    CodeSafetyRejected,
		Message: fmt.Sprintf(format, args...),
		Details: map[string]interface{}{"guard": guard},
	}
}

// Timeout creates an execution_timeout error.
func Timeout(format string, args ...interface{}) *Error {
	return &Error{Code: CodeExecutionTimeout, Message: fmt.Sprintf(format, args...)}
}

// ExecutionFailure wraps a store executor error.
func ExecutionFailure(err error) *Error {
	return &Error{Code: CodeExecutionFailure, Message: "event store query failed", Err: err}
}

// NotFound creates a not_found error.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected error.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// CodeOf extracts the Code from err, or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// As returns the *Error within err, or nil.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
