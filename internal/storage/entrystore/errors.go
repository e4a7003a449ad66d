package entrystore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested key was not found
	ErrNotFound = errors.New("key not found")

	// ErrDataCorrupt indicates that stored data is corrupted
	ErrDataCorrupt = errors.New("data corruption detected")

	// ErrBackendClosed indicates that the backend is closed
	ErrBackendClosed = errors.New("backend is closed")

	// ErrInvalidConfig indicates that the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// StoreError wraps a backend failure with the operation and key involved.
type StoreError struct {
	Operation string // The operation that failed
	Backend   string // The backend name
	Key       []byte // The key involved, if any
	Cause     error  // The underlying error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if len(e.Key) == 0 {
		return fmt.Sprintf("entrystore %s error on backend %s: %v",
			e.Operation, e.Backend, e.Cause)
	}
	return fmt.Sprintf("entrystore %s error on backend %s for key %q: %v",
		e.Operation, e.Backend, e.Key, e.Cause)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Cause, target)
}

// NewError creates a new StoreError.
func NewError(operation, backend string, key []byte, cause error) *StoreError {
	return &StoreError{
		Operation: operation,
		Backend:   backend,
		Key:       key,
		Cause:     cause,
	}
}

// StatusError converts a Status into a sentinel error, nil for OK.
func StatusError(s Status) error {
	switch s {
	case OK:
		return nil
	case NotFound:
		return ErrNotFound
	case DataCorrupt:
		return ErrDataCorrupt
	default:
		return ErrBackendClosed
	}
}

// IsNotFound checks if an error indicates that a key was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBackendClosed checks if an error indicates that the backend is closed.
func IsBackendClosed(err error) bool {
	return errors.Is(err, ErrBackendClosed)
}
