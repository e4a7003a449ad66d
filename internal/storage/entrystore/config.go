package entrystore

import (
	"errors"
	"fmt"
)

// Config holds configuration options for an entry store backend.
type Config struct {
	// Backend specifies the storage backend to use
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`

	// Path specifies the file system path for data storage
	Path string `json:"path" yaml:"path" mapstructure:"path"`

	// Compression configuration
	Compressor string `json:"compressor" yaml:"compressor" mapstructure:"compressor"`

	// SyncWrites forces every commit to be flushed to stable storage.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes" mapstructure:"sync_writes"`

	// CreateIfMissing controls whether the database is created on open.
	CreateIfMissing bool `json:"create_if_missing" yaml:"create_if_missing" mapstructure:"create_if_missing"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend:         "pebble",
		Path:            "./data/entries",
		Compressor:      "lz4",
		SyncWrites:      true,
		CreateIfMissing: true,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Backend == "" {
		return errors.New("backend must be specified")
	}
	if c.Backend != "memory" && c.Path == "" {
		return errors.New("path must be specified")
	}

	validCompressors := map[string]bool{
		"lz4":  true,
		"none": true,
	}
	if c.Compressor != "" && !validCompressors[c.Compressor] {
		return fmt.Errorf("unsupported compressor: %s", c.Compressor)
	}

	return nil
}

// Option represents a functional option for configuring the store.
type Option func(*Config)

// WithPath sets the storage path.
func WithPath(path string) Option {
	return func(c *Config) {
		c.Path = path
	}
}

// WithBackend sets the storage backend.
func WithBackend(backend string) Option {
	return func(c *Config) {
		c.Backend = backend
	}
}

// WithCompression sets the compression algorithm.
func WithCompression(compressor string) Option {
	return func(c *Config) {
		c.Compressor = compressor
	}
}

// WithSyncWrites controls whether commits block on stable storage.
func WithSyncWrites(sync bool) Option {
	return func(c *Config) {
		c.SyncWrites = sync
	}
}

// ApplyOptions applies the given options to the config.
func (c *Config) ApplyOptions(options ...Option) {
	for _, option := range options {
		option(c)
	}
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
