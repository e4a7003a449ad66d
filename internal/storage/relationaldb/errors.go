package relationaldb

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by repositories and configuration validation.
var (
	// Configuration errors
	ErrMissingHost           = errors.New("database host is required")
	ErrMissingDatabase       = errors.New("database name is required")
	ErrMissingUsername       = errors.New("database username is required")
	ErrMissingPath           = errors.New("database file path is required")
	ErrInvalidPort           = errors.New("invalid database port")
	ErrInvalidDriver         = errors.New("invalid database driver")
	ErrInvalidMaxOpenConns   = errors.New("max open connections must be >= 0")
	ErrInvalidMaxIdleConns   = errors.New("max idle connections must be >= 0")
	ErrMaxIdleExceedsMaxOpen = errors.New("max idle connections cannot exceed max open connections")
	ErrInvalidTimeout        = errors.New("timeout must be positive")

	// Connection errors
	ErrDatabaseClosed   = errors.New("database connection is closed")
	ErrConnectionFailed = errors.New("failed to connect to database")

	// Data errors
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	ErrPolicyNotFound       = errors.New("agent policy not found")
	ErrHoldNotFound         = errors.New("payment hold not found")
	ErrPaymentNotFound      = errors.New("payment record not found")
	ErrDuplicateEntry       = errors.New("duplicate entry")
)

// ErrorType categorizes database errors for logging and retry decisions.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeData
	ErrorTypeQuery
	ErrorTypeSchema
)

// DatabaseError provides detailed information about database errors.
type DatabaseError struct {
	Type      ErrorType `json:"type"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Cause     error     `json:"cause,omitempty"`
	Code      string    `json:"code,omitempty"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface
func (e *DatabaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying cause error
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target
func (e *DatabaseError) Is(target error) bool {
	if target == nil {
		return false
	}

	if dbErr, ok := target.(*DatabaseError); ok {
		return e.Message == dbErr.Message && e.Type == dbErr.Type
	}

	switch target {
	case ErrSubscriptionNotFound:
		return e.Type == ErrorTypeData && e.Code == "SUBSCRIPTION_NOT_FOUND"
	case ErrPolicyNotFound:
		return e.Type == ErrorTypeData && e.Code == "POLICY_NOT_FOUND"
	case ErrHoldNotFound:
		return e.Type == ErrorTypeData && e.Code == "HOLD_NOT_FOUND"
	case ErrPaymentNotFound:
		return e.Type == ErrorTypeData && e.Code == "PAYMENT_NOT_FOUND"
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	}

	return false
}

// WithCode sets the error code
func (e *DatabaseError) WithCode(code string) *DatabaseError {
	e.Code = code
	return e
}

// IsRetryable returns whether the error is retryable
func (e *DatabaseError) IsRetryable() bool {
	return e.Retryable
}

// NewDatabaseError creates a new DatabaseError
func NewDatabaseError(errorType ErrorType, operation, message string, cause error) *DatabaseError {
	return &DatabaseError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryableError(errorType, cause),
	}
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeConfiguration, operation, message, cause)
}

// NewConnectionError creates a connection error
func NewConnectionError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeConnection, operation, message, cause)
}

// NewTransactionError creates a transaction error
func NewTransactionError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeTransaction, operation, message, cause)
}

// NewDataError creates a data error
func NewDataError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeData, operation, message, cause)
}

// NewQueryError creates a query error
func NewQueryError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeQuery, operation, message, cause)
}

// NewSchemaError creates a schema error
func NewSchemaError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeSchema, operation, message, cause)
}

// IsNotFound reports whether err is any of the repository not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

// isRetryableError determines if an error is retryable based on its type and cause
func isRetryableError(errorType ErrorType, cause error) bool {
	switch errorType {
	case ErrorTypeConnection:
		return true
	case ErrorTypeTransaction, ErrorTypeQuery:
		if cause != nil {
			msg := strings.ToLower(cause.Error())
			return strings.Contains(msg, "deadlock") ||
				strings.Contains(msg, "timeout") ||
				strings.Contains(msg, "busy") ||
				strings.Contains(msg, "temporary")
		}
		return false
	default:
		return false
	}
}
