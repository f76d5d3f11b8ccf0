// Package errors provides the error codes surfaced by the sync subsystem.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncNotConfigured       ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrMappingNotFound         ErrorCode = "MAPPING_NOT_FOUND"
	ErrInvalidRemoteResponse   ErrorCode = "INVALID_REMOTE_RESPONSE"
	ErrSyncConflict            ErrorCode = "SYNC_CONFLICT"
	ErrSyncInProgress          ErrorCode = "SYNC_IN_PROGRESS"
	ErrNotAuthenticated        ErrorCode = "NOT_AUTHENTICATED"
	ErrInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
	ErrNetwork                 ErrorCode = "NETWORK_ERROR"
	ErrEntityNotFound          ErrorCode = "ENTITY_NOT_FOUND"
	ErrDuplicateMapping        ErrorCode = "DUPLICATE_MAPPING"
	ErrVersionRegression       ErrorCode = "VERSION_REGRESSION"
	ErrLockLost                ErrorCode = "LOCK_LOST"

	// Credential errors
	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"
)

// Kind groups error codes by how callers are expected to react.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindTransient     Kind = "transient"
	KindData          Kind = "data"
	KindConflict      Kind = "conflict"
	KindConcurrency   Kind = "concurrency"
	KindInternal      Kind = "internal"
)

// Kind returns the handling class of the code.
func (c ErrorCode) Kind() Kind {
	switch c {
	case ErrSyncNotConfigured, ErrNotAuthenticated, ErrInsufficientPermissions, ErrCryptoFailed:
		return KindConfiguration
	case ErrNetwork, ErrDatabase:
		return KindTransient
	case ErrInvalidRemoteResponse, ErrEntityNotFound, ErrMappingNotFound, ErrInvalid:
		return KindData
	case ErrSyncConflict:
		return KindConflict
	case ErrSyncInProgress, ErrDuplicateMapping, ErrVersionRegression, ErrLockLost:
		return KindConcurrency
	default:
		return KindInternal
	}
}

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
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Network wraps a transport-level cause as a NetworkError.
func Network(cause error) *AppError {
	return Wrap(ErrNetwork, "remote call failed", cause)
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost code attached to err, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// KindOf returns the handling class of err. Untyped errors are transient.
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code.Kind()
	}
	return KindTransient
}

// Retryable reports whether err should be retried through the queue backoff.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == KindTransient
}
