// Package errors provides error code definitions for Go-Dart boundary bridging.
package errors

import "fmt"

// ErrorCode represents a unique error code that can be bridged to Dart.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Queue errors
	ErrQueueFull        ErrorCode = "QUEUE_FULL"
	ErrOperationUnknown ErrorCode = "OPERATION_NOT_FOUND"

	// Sync errors
	ErrSyncTransient  ErrorCode = "SYNC_TRANSIENT"
	ErrSyncRejected   ErrorCode = "SYNC_REJECTED"
	ErrSyncAuthFailed ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncHalted     ErrorCode = "SYNC_HALTED"

	// Conflict errors
	ErrConflictUnknown  ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictResolved ErrorCode = "CONFLICT_ALREADY_RESOLVED"

	// Transport errors
	ErrTransportStopped ErrorCode = "TRANSPORT_STOPPED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
