package pspdb

import (
	"errors"
	"fmt"
	"strings"
)

// Error variables for the categories of storage failures callers branch on.
var (
	// Configuration errors
	ErrMissingDSN          = errors.New("database dsn is required")
	ErrInvalidDriver       = errors.New("invalid database driver")
	ErrInvalidMaxOpenConns = errors.New("max open connections must be >= 0")
	ErrInvalidMaxIdleConns = errors.New("max idle connections must be >= 0")
	ErrInvalidTimeout      = errors.New("timeout must be positive")
	ErrInvalidMaxRetries   = errors.New("max retries must be >= 0")
	ErrInvalidRetryDelay   = errors.New("retry delay must be >= 0")

	// Connection errors
	ErrDatabaseClosed    = errors.New("database connection is closed")
	ErrConnectionFailed  = errors.New("failed to connect to database")
	ErrConnectionTimeout = errors.New("database connection timeout")

	// Transaction errors
	ErrTransactionClosed       = errors.New("transaction is closed")
	ErrTransactionCommitFailed = errors.New("transaction commit failed")
	ErrDeadlock                = errors.New("database deadlock detected")

	// Data errors
	ErrNotFound        = errors.New("record not found")
	ErrDuplicateEntry  = errors.New("duplicate entry")
	ErrTenantMismatch  = errors.New("row belongs to a different tenant")
	ErrDataCorruption  = errors.New("data corruption detected")
	ErrUniqueViolation = errors.New("unique constraint violation")
)

// ErrorType represents the category of a storage error.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeData
	ErrorTypeConstraint
	ErrorTypeQuery
	ErrorTypeSchema
)

// StorageError carries the operation, category and retryability of a storage
// failure. Idempotent callers use Retryable to decide whether to re-run the
// whole operation.
type StorageError struct {
	Type      ErrorType `json:"type"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Cause     error     `json:"cause,omitempty"`
	Code      string    `json:"code,omitempty"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// WithCode sets the error code.
func (e *StorageError) WithCode(code string) *StorageError {
	e.Code = code
	return e
}

// NewStorageError creates a StorageError with retryability derived from the
// category and cause.
func NewStorageError(errorType ErrorType, operation, message string, cause error) *StorageError {
	return &StorageError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryableError(errorType, cause),
	}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(operation, message string, cause error) *StorageError {
	return NewStorageError(ErrorTypeConfiguration, operation, message, cause)
}

// NewConnectionError creates a connection error.
func NewConnectionError(operation, message string, cause error) *StorageError {
	return NewStorageError(ErrorTypeConnection, operation, message, cause)
}

// NewTransactionError creates a transaction error.
func NewTransactionError(operation, message string, cause error) *StorageError {
	return NewStorageError(ErrorTypeTransaction, operation, message, cause)
}

// NewDataError creates a data error.
func NewDataError(operation, message string, cause error) *StorageError {
	return NewStorageError(ErrorTypeData, operation, message, cause)
}

// NewConstraintError creates a constraint error.
func NewConstraintError(operation, message string, cause error) *StorageError {
	return NewStorageError(ErrorTypeConstraint, operation, message, cause)
}

// NewQueryError creates a query error.
func NewQueryError(operation, message string, cause error) *StorageError {
	return NewStorageError(ErrorTypeQuery, operation, message, cause)
}

// NewSchemaError creates a schema error.
func NewSchemaError(operation, message string, cause error) *StorageError {
	return NewStorageError(ErrorTypeSchema, operation, message, cause)
}

func isRetryableError(errorType ErrorType, cause error) bool {
	switch errorType {
	case ErrorTypeConnection:
		return true
	case ErrorTypeTransaction:
		if cause == nil {
			return false
		}
		s := strings.ToLower(cause.Error())
		return strings.Contains(s, "deadlock") ||
			strings.Contains(s, "timeout") ||
			strings.Contains(s, "serialization") ||
			strings.Contains(s, "database is locked")
	case ErrorTypeQuery:
		if cause == nil {
			return false
		}
		s := strings.ToLower(cause.Error())
		return strings.Contains(s, "timeout") || strings.Contains(s, "canceled")
	default:
		return false
	}
}

// IsRetryable reports whether an error should be retried at operation
// granularity.
func IsRetryable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"database is locked",
		"deadlock",
		"serialization failure",
		"timeout",
		"busy",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// IsConstraintError checks if an error is a constraint error.
func IsConstraintError(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Type == ErrorTypeConstraint
}

// IsDataError checks if an error is a data error.
func IsDataError(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Type == ErrorTypeData
}

// WrapError wraps an error with storage operation context, classifying it by
// message when the type is not already known.
func WrapError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var se *StorageError
	if errors.As(err, &se) {
		clone := *se
		clone.Operation = operation
		return &clone
	}

	s := strings.ToLower(err.Error())
	var errorType ErrorType
	var retryable bool

	switch {
	case strings.Contains(s, "connection") || strings.Contains(s, "connect"):
		errorType = ErrorTypeConnection
		retryable = true
	case strings.Contains(s, "deadlock") || strings.Contains(s, "serialization"):
		errorType = ErrorTypeTransaction
		retryable = true
	case strings.Contains(s, "constraint") || strings.Contains(s, "duplicate") || strings.Contains(s, "unique"):
		errorType = ErrorTypeConstraint
	case strings.Contains(s, "not found") || strings.Contains(s, "no rows"):
		errorType = ErrorTypeData
	case strings.Contains(s, "syntax"):
		errorType = ErrorTypeQuery
	case strings.Contains(s, "table") || strings.Contains(s, "column") || strings.Contains(s, "schema"):
		errorType = ErrorTypeSchema
	default:
		errorType = ErrorTypeUnknown
	}

	return &StorageError{
		Type:      errorType,
		Operation: operation,
		Message:   err.Error(),
		Cause:     err,
		Retryable: retryable,
	}
}
