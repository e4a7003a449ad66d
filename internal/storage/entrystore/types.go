// Package entrystore provides ordered key-value storage for the ledger
// journal. Keys are caller-assigned and iterated in byte order, which the
// ledger relies on to replay entries by sequence number. Backends are
// pluggable with optional compression.
package entrystore

import "fmt"

// Record is a single key-value pair destined for a backend.
type Record struct {
	Key   []byte
	Value []byte
}

// Status represents the outcome of a backend operation.
type Status int

const (
	// OK indicates the operation was successful
	OK Status = iota
	// NotFound indicates the requested key was not found
	NotFound
	// DataCorrupt indicates the stored data failed to decode
	DataCorrupt
	// BackendError indicates an error in the storage backend
	BackendError
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case NotFound:
		return "NotFound"
	case DataCorrupt:
		return "DataCorrupt"
	case BackendError:
		return "BackendError"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Backend defines the interface for storage backends.
type Backend interface {
	// Name returns a human-readable name for this backend.
	Name() string

	// Open opens the backend for use.
	Open(createIfMissing bool) error

	// Close closes the backend and releases resources.
	Close() error

	// IsOpen returns true if the backend is currently open.
	IsOpen() bool

	// Get retrieves the value stored under key.
	Get(key []byte) ([]byte, Status)

	// Put stores a single key-value pair.
	Put(key, value []byte) Status

	// PutBatch stores multiple records atomically.
	PutBatch(records []Record) Status

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key []byte) Status

	// Has reports whether a key is present.
	Has(key []byte) bool

	// ForEachPrefix visits every record whose key starts with prefix,
	// in ascending key order. Returning an error from fn stops the scan.
	ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error

	// Sync forces pending writes to be flushed.
	Sync() Status

	// SetDeletePath marks the backend's data for deletion when closed.
	SetDeletePath()

	// FdRequired returns the number of file descriptors needed.
	FdRequired() int
}

// BackendStats holds counters for a backend.
type BackendStats struct {
	Reads        int64 // Number of read operations
	Writes       int64 // Number of write operations
	BytesRead    int64 // Total bytes read
	BytesWritten int64 // Total bytes written
	Records      int64 // Number of records stored, -1 if unknown
}
