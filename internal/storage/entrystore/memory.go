package entrystore

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryBackend implements an in-memory Backend for testing purposes.
// It provides thread-safe operations and is useful for unit tests and development.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte

	open       int64 // atomic flag for open state
	deletePath int64 // atomic flag for delete on close

	// Statistics
	stats struct {
		reads        int64
		writes       int64
		bytesRead    int64
		bytesWritten int64
	}
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string][]byte),
	}
}

// NewMemoryBackendFromConfig creates a new in-memory backend from config.
// The config is ignored for memory backends but required for the BackendFactory signature.
func NewMemoryBackendFromConfig(config *Config) (Backend, error) {
	return NewMemoryBackend(), nil
}

// Name returns the name of this backend.
func (m *MemoryBackend) Name() string {
	return "memory"
}

// Open opens the backend for use.
func (m *MemoryBackend) Open(createIfMissing bool) error {
	if !atomic.CompareAndSwapInt64(&m.open, 0, 1) {
		return ErrBackendClosed // Already open, treat as error for consistency
	}
	return nil
}

// Close closes the backend and clears all data.
func (m *MemoryBackend) Close() error {
	if !atomic.CompareAndSwapInt64(&m.open, 1, 0) {
		return nil // Already closed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}

// IsOpen returns true if the backend is currently open.
func (m *MemoryBackend) IsOpen() bool {
	return atomic.LoadInt64(&m.open) != 0
}

// Get retrieves the value stored under key.
func (m *MemoryBackend) Get(key []byte) ([]byte, Status) {
	if !m.IsOpen() {
		return nil, BackendError
	}

	m.mu.RLock()
	value, found := m.data[string(key)]
	m.mu.RUnlock()

	if !found {
		return nil, NotFound
	}

	atomic.AddInt64(&m.stats.reads, 1)
	atomic.AddInt64(&m.stats.bytesRead, int64(len(value)))

	// Return a copy to prevent mutation
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, OK
}

// Put stores a single key-value pair.
func (m *MemoryBackend) Put(key, value []byte) Status {
	if !m.IsOpen() {
		return BackendError
	}

	cp := make([]byte, len(value))
	copy(cp, value)

	m.mu.Lock()
	m.data[string(key)] = cp
	m.mu.Unlock()

	atomic.AddInt64(&m.stats.writes, 1)
	atomic.AddInt64(&m.stats.bytesWritten, int64(len(value)))
	return OK
}

// PutBatch stores multiple records atomically.
func (m *MemoryBackend) PutBatch(records []Record) Status {
	if !m.IsOpen() {
		return BackendError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var totalBytes int64
	for _, rec := range records {
		cp := make([]byte, len(rec.Value))
		copy(cp, rec.Value)
		m.data[string(rec.Key)] = cp
		totalBytes += int64(len(rec.Value))
	}

	atomic.AddInt64(&m.stats.writes, int64(len(records)))
	atomic.AddInt64(&m.stats.bytesWritten, totalBytes)
	return OK
}

// Delete removes a key.
func (m *MemoryBackend) Delete(key []byte) Status {
	if !m.IsOpen() {
		return BackendError
	}

	m.mu.Lock()
	delete(m.data, string(key))
	m.mu.Unlock()
	return OK
}

// Has reports whether a key is present.
func (m *MemoryBackend) Has(key []byte) bool {
	if !m.IsOpen() {
		return false
	}

	m.mu.RLock()
	_, found := m.data[string(key)]
	m.mu.RUnlock()
	return found
}

// ForEachPrefix visits matching records in ascending key order.
func (m *MemoryBackend) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	if !m.IsOpen() {
		return ErrBackendClosed
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	// Snapshot the matching values so fn runs without the lock held.
	values := make([][]byte, len(keys))
	for i, k := range keys {
		v := m.data[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		values[i] = cp
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Sync forces pending writes to be flushed (no-op for memory backend).
func (m *MemoryBackend) Sync() Status {
	if !m.IsOpen() {
		return BackendError
	}
	return OK
}

// SetDeletePath marks the backend for deletion when closed (no-op for memory backend).
func (m *MemoryBackend) SetDeletePath() {
	atomic.StoreInt64(&m.deletePath, 1)
}

// FdRequired returns the number of file descriptors needed (0 for memory backend).
func (m *MemoryBackend) FdRequired() int {
	return 0
}

// Size returns the number of records stored in the backend.
func (m *MemoryBackend) Size() int {
	m.mu.RLock()
	size := len(m.data)
	m.mu.RUnlock()
	return size
}

// Clear removes all records from the backend without closing it.
func (m *MemoryBackend) Clear() {
	m.mu.Lock()
	m.data = make(map[string][]byte)
	m.mu.Unlock()
}

// Stats returns performance statistics.
func (m *MemoryBackend) Stats() BackendStats {
	return BackendStats{
		Reads:        atomic.LoadInt64(&m.stats.reads),
		Writes:       atomic.LoadInt64(&m.stats.writes),
		BytesRead:    atomic.LoadInt64(&m.stats.bytesRead),
		BytesWritten: atomic.LoadInt64(&m.stats.bytesWritten),
		Records:      int64(m.Size()),
	}
}

// Info returns information about this backend.
func (m *MemoryBackend) Info() BackendInfo {
	return BackendInfo{
		Name:            "memory",
		Description:     "In-memory storage backend for testing",
		FileDescriptors: 0,
		Persistent:      false,
		Compression:     false,
	}
}

func init() {
	RegisterBackend("memory", NewMemoryBackendFromConfig)
}
