package types

import "fmt"

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Transport and command error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrTimeout        ErrorCode = "TIMEOUT"
)

// Session and task error codes
const (
	ErrTaskConflict      ErrorCode = "TASK_CONFLICT"
	ErrNoActiveTask      ErrorCode = "NO_ACTIVE_TASK"
	ErrStaleInstance     ErrorCode = "STALE_INSTANCE"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrEngineFailure     ErrorCode = "ENGINE_FAILURE"
	ErrStoreFailure      ErrorCode = "STORE_FAILURE"
)

// Infrastructure error codes
const (
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewNotFoundError creates a NOT_FOUND error with HTTP 404.
func NewNotFoundError(message string) *Error {
	return &Error{Code: ErrNotFound, Message: message, HTTPStatus: 404}
}

// NewInvalidRequestError creates an INVALID_REQUEST error with HTTP 400.
func NewInvalidRequestError(message string) *Error {
	return &Error{Code: ErrInvalidRequest, Message: message, HTTPStatus: 400}
}

// NewTaskConflictError creates a TASK_CONFLICT error with HTTP 409.
func NewTaskConflictError(message string) *Error {
	return &Error{Code: ErrTaskConflict, Message: message, HTTPStatus: 409}
}

// NewStaleInstanceError creates a STALE_INSTANCE error. Stale callbacks are
// rejected without mutating session state, so the error is never retryable.
func NewStaleInstanceError(instanceID string) *Error {
	return &Error{
		Code:    ErrStaleInstance,
		Message: fmt.Sprintf("instance %s is not the active task for this session", instanceID),
	}
}

// NewEngineError creates an ENGINE_FAILURE error wrapping an engine call failure.
func NewEngineError(message string, cause error) *Error {
	return &Error{Code: ErrEngineFailure, Message: message, HTTPStatus: 502, Retryable: true, Cause: cause}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
