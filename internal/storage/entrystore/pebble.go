package entrystore

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"

	"github.com/sardislabs/sardisd/internal/storage/entrystore/compression"
)

// PebbleBackend implements a persistent LSM-tree storage backend.
type PebbleBackend struct {
	db         *pebble.DB
	compressor compression.Compressor
	config     *Config

	// State management (atomic for lock-free reads)
	open       int64
	deletePath int64

	// Stats (atomic for lock-free updates)
	stats struct {
		reads        int64
		writes       int64
		bytesRead    int64
		bytesWritten int64
	}
}

// NewPebbleBackend creates a new PebbleDB backend.
func NewPebbleBackend(config *Config) (Backend, error) {
	if config == nil {
		config = DefaultConfig()
	}

	name := config.Compressor
	if name == "" {
		name = "none"
	}
	compressor, err := compression.Get(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get compressor %s: %w", name, err)
	}

	return &PebbleBackend{
		compressor: compressor,
		config:     config,
	}, nil
}

// Name returns the name of this backend.
func (p *PebbleBackend) Name() string {
	return fmt.Sprintf("pebble(%s)", p.config.Path)
}

// Open opens the backend for use.
func (p *PebbleBackend) Open(createIfMissing bool) error {
	if !atomic.CompareAndSwapInt64(&p.open, 0, 1) {
		return fmt.Errorf("backend already open")
	}

	if createIfMissing {
		if err := os.MkdirAll(p.config.Path, 0755); err != nil {
			atomic.StoreInt64(&p.open, 0)
			return fmt.Errorf("failed to create directory %s: %w", p.config.Path, err)
		}
	}

	db, err := pebble.Open(p.config.Path, p.buildOptions())
	if err != nil {
		atomic.StoreInt64(&p.open, 0)
		return fmt.Errorf("failed to open PebbleDB at %s: %w", p.config.Path, err)
	}

	p.db = db
	return nil
}

// buildOptions tunes PebbleDB for a journal workload: sequential writes
// under short keys, point lookups, and forward prefix scans.
func (p *PebbleBackend) buildOptions() *pebble.Options {
	cache := pebble.NewCache(128 << 20)

	opts := &pebble.Options{
		Cache:                       cache,
		MaxOpenFiles:                1000,
		MemTableSize:                32 << 20,
		MemTableStopWritesThreshold: 4,
		MaxConcurrentCompactions: func() int {
			return runtime.NumCPU()
		},
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 20,
		LBaseMaxBytes:         128 << 20,
		Levels:                make([]pebble.LevelOptions, 7),
		DisableWAL:            false,
	}

	for i := range opts.Levels {
		opts.Levels[i] = pebble.LevelOptions{
			BlockSize:      16 << 10,
			FilterPolicy:   bloom.FilterPolicy(10),
			FilterType:     pebble.TableFilter,
			TargetFileSize: int64(4<<20) << uint(i),
			// The envelope layer already compresses values.
			Compression: pebble.NoCompression,
		}
		if opts.Levels[i].TargetFileSize > 128<<20 {
			opts.Levels[i].TargetFileSize = 128 << 20
		}
	}

	return opts
}

// Close closes the backend and releases resources.
func (p *PebbleBackend) Close() error {
	if !atomic.CompareAndSwapInt64(&p.open, 1, 0) {
		return nil // Already closed
	}

	var err error
	if p.db != nil {
		if syncErr := p.db.Flush(); syncErr != nil {
			err = syncErr
		}
		if closeErr := p.db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		p.db = nil
	}

	if atomic.LoadInt64(&p.deletePath) != 0 && p.config.Path != "" {
		if removeErr := os.RemoveAll(p.config.Path); removeErr != nil && err == nil {
			err = removeErr
		}
	}

	return err
}

// IsOpen returns true if the backend is currently open.
func (p *PebbleBackend) IsOpen() bool {
	return atomic.LoadInt64(&p.open) != 0
}

// Get retrieves the value stored under key.
func (p *PebbleBackend) Get(key []byte) ([]byte, Status) {
	if !p.IsOpen() {
		return nil, BackendError
	}

	value, closer, err := p.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, NotFound
		}
		return nil, BackendError
	}
	defer closer.Close()

	decoded, err := p.decodeValue(value)
	if err != nil {
		return nil, DataCorrupt
	}

	atomic.AddInt64(&p.stats.reads, 1)
	atomic.AddInt64(&p.stats.bytesRead, int64(len(value)))
	return decoded, OK
}

// Put stores a single key-value pair.
func (p *PebbleBackend) Put(key, value []byte) Status {
	if !p.IsOpen() {
		return BackendError
	}

	encoded := p.encodeValue(value)
	if err := p.db.Set(key, encoded, p.writeOpt()); err != nil {
		return BackendError
	}

	atomic.AddInt64(&p.stats.writes, 1)
	atomic.AddInt64(&p.stats.bytesWritten, int64(len(encoded)))
	return OK
}

// PutBatch stores multiple records atomically.
func (p *PebbleBackend) PutBatch(records []Record) Status {
	if !p.IsOpen() {
		return BackendError
	}
	if len(records) == 0 {
		return OK
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	var totalBytes int64
	for _, rec := range records {
		encoded := p.encodeValue(rec.Value)
		if err := batch.Set(rec.Key, encoded, nil); err != nil {
			return BackendError
		}
		totalBytes += int64(len(encoded))
	}

	if err := batch.Commit(p.writeOpt()); err != nil {
		return BackendError
	}

	atomic.AddInt64(&p.stats.writes, int64(len(records)))
	atomic.AddInt64(&p.stats.bytesWritten, totalBytes)
	return OK
}

// Delete removes a key.
func (p *PebbleBackend) Delete(key []byte) Status {
	if !p.IsOpen() {
		return BackendError
	}
	if err := p.db.Delete(key, p.writeOpt()); err != nil {
		return BackendError
	}
	return OK
}

// Has reports whether a key is present.
func (p *PebbleBackend) Has(key []byte) bool {
	if !p.IsOpen() {
		return false
	}
	_, closer, err := p.db.Get(key)
	if err != nil {
		return false
	}
	closer.Close()
	return true
}

// ForEachPrefix visits matching records in ascending key order.
func (p *PebbleBackend) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	if !p.IsOpen() {
		return ErrBackendClosed
	}

	opts := &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	}

	iter, err := p.db.NewIter(opts)
	if err != nil {
		return NewError("iterate", p.Name(), prefix, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		decoded, decErr := p.decodeValue(iter.Value())
		if decErr != nil {
			return NewError("iterate", p.Name(), iter.Key(), ErrDataCorrupt)
		}

		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())

		if err := fn(key, decoded); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Sync forces pending writes to be flushed.
func (p *PebbleBackend) Sync() Status {
	if !p.IsOpen() {
		return BackendError
	}
	if err := p.db.Flush(); err != nil {
		return BackendError
	}
	return OK
}

// SetDeletePath marks the backend for deletion when closed.
func (p *PebbleBackend) SetDeletePath() {
	atomic.StoreInt64(&p.deletePath, 1)
}

// FdRequired returns the number of file descriptors needed.
func (p *PebbleBackend) FdRequired() int {
	return 200
}

// Stats returns performance statistics.
func (p *PebbleBackend) Stats() BackendStats {
	return BackendStats{
		Reads:        atomic.LoadInt64(&p.stats.reads),
		Writes:       atomic.LoadInt64(&p.stats.writes),
		BytesRead:    atomic.LoadInt64(&p.stats.bytesRead),
		BytesWritten: atomic.LoadInt64(&p.stats.bytesWritten),
		Records:      -1,
	}
}

// Info returns information about this backend.
func (p *PebbleBackend) Info() BackendInfo {
	return BackendInfo{
		Name:            "pebble",
		Description:     "LSM-tree database backend for the entry journal",
		FileDescriptors: p.FdRequired(),
		Persistent:      true,
		Compression:     true,
	}
}

func (p *PebbleBackend) writeOpt() *pebble.WriteOptions {
	if p.config.SyncWrites {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (p *PebbleBackend) encodeValue(value []byte) []byte {
	return encodeEnvelope(p.compressor, value)
}

func (p *PebbleBackend) decodeValue(data []byte) ([]byte, error) {
	return decodeEnvelope(p.compressor, data)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func init() {
	RegisterBackend("pebble", NewPebbleBackend)
}
