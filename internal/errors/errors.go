// Package errors provides error code definitions for the FibreField sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors. Storage failures are fatal to the subsystem and
	// must propagate, never be swallowed.
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Workflow errors
	ErrAccuracyExceeded ErrorCode = "GPS_ACCURACY_EXCEEDED"
	ErrDistanceExceeded ErrorCode = "GPS_DISTANCE_EXCEEDED"
	ErrPhotoType        ErrorCode = "PHOTO_TYPE_NOT_REQUIRED"
	ErrIncomplete       ErrorCode = "CAPTURE_INCOMPLETE"

	// Sync errors
	ErrSyncNetwork    ErrorCode = "SYNC_NETWORK"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrSyncAuthFailed ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncRejected   ErrorCode = "SYNC_REJECTED"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncCancelled  ErrorCode = "SYNC_CANCELLED"

	// Upload errors
	ErrUploadFailed ErrorCode = "UPLOAD_FAILED"
	ErrCompression  ErrorCode = "COMPRESSION_FAILED"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
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

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of an error, or ErrInternal when the error
// carries no code.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsValidation reports whether the error is user-correctable input. These
// are surfaced immediately to the caller and never queued.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case ErrValidation, ErrInvalid, ErrAccuracyExceeded, ErrDistanceExceeded,
		ErrPhotoType, ErrIncomplete:
		return true
	}
	return false
}

// IsRetryable reports whether a sync failure should drive backoff rather
// than fail the queue item permanently.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrSyncNetwork, ErrSyncTimeout, ErrSyncCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether a sync failure must not be retried blindly:
// the remote rejected the payload or authentication is permanently
// invalid.
func IsTerminal(err error) bool {
	switch CodeOf(err) {
	case ErrSyncRejected, ErrSyncAuthFailed:
		return true
	}
	return false
}
