// Package errs defines the semantic error kinds shared across the
// platform. Components return *Error values; only the gateway converts
// them to transport status codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for propagation and transport mapping.
type Code string

const (
	CodeValidation            Code = "VALIDATION"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodePermissionDenied      Code = "PERMISSION_DENIED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeTimeout               Code = "TIMEOUT"
	CodeExecutionError        Code = "EXECUTION_ERROR"
	CodeSandboxViolation      Code = "SANDBOX_VIOLATION"
	CodeDependencyUnavailable Code = "DEPENDENCY_UNAVAILABLE"
)

// Error carries a semantic code alongside a message safe to show to
// callers. The wrapped cause, when present, is for server-side logs only.
type Error struct {
	Code        Code
	Message     string
	RetryAfter  int // seconds; set for RATE_LIMITED
	Recoverable bool
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and caller-safe message to an underlying error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// RateLimited creates a RATE_LIMITED error carrying the retry hint.
func RateLimited(message string, retryAfter int) *Error {
	return &Error{Code: CodeRateLimited, Message: message, RetryAfter: retryAfter, Recoverable: true}
}

// CodeOf extracts the semantic code from an error chain. Unclassified
// errors report EXECUTION_ERROR; nil reports the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeExecutionError
}

// As returns the *Error in the chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a semantic code to its transport status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeDependencyUnavailable:
		return http.StatusServiceUnavailable
	case CodeExecutionError, CodeSandboxViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the caller-safe message for an error chain. Raw error
// strings never reach users: unclassified errors collapse to a generic
// message because they may carry keys, paths, or wrapped chains.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
