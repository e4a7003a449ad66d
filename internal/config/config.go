// Package config defines the sardisd configuration: structure, defaults,
// loading (file plus SARDIS_ environment overrides) and validation.
package config

import (
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sardislabs/sardisd/internal/storage/entrystore"
	"github.com/sardislabs/sardisd/internal/storage/relationaldb"
)

// Config is the complete sardisd configuration.
type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Relational RelationalConfig `mapstructure:"relational"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`

	// configPath remembers where the config was loaded from, empty when
	// running on defaults and environment only.
	configPath string `mapstructure:"-"`
}

// NodeConfig identifies the node and its on-disk home.
type NodeConfig struct {
	// DataDir anchors every derived path (entry store, sqlite file).
	DataDir string `mapstructure:"data_dir"`

	// Standalone disables components that need external infrastructure.
	Standalone bool `mapstructure:"standalone"`
}

// LedgerConfig configures the entry store and engine caches.
type LedgerConfig struct {
	// Backend selects the entry store: memory, pebble or leveldb.
	Backend string `mapstructure:"backend"`

	// Path overrides the entry store location. Empty derives
	// <data_dir>/entries.
	Path string `mapstructure:"path"`

	Compressor string `mapstructure:"compressor"`
	SyncWrites bool   `mapstructure:"sync_writes"`

	// EntryCacheSize is the engine's entry LRU capacity.
	EntryCacheSize int `mapstructure:"entry_cache_size"`

	// CheckpointInterval is how often the daemon snapshots balances into
	// the journal. Zero disables automatic checkpoints.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// FeesConfig sets platform fee pricing. Amounts are decimal strings.
type FeesConfig struct {
	// Default is charged for currencies without an explicit entry.
	Default string `mapstructure:"default"`

	// Flat maps currency code to the flat fee charged per payment.
	Flat map[string]string `mapstructure:"flat"`

	// FeeWallet collects platform fees. Empty burns them.
	FeeWallet string `mapstructure:"fee_wallet"`
}

// PolicyConfig seeds the policy service.
type PolicyConfig struct {
	// DefaultTier is applied to agents without an explicit policy:
	// LOW, MEDIUM, HIGH or UNLIMITED.
	DefaultTier string `mapstructure:"default_tier"`
}

// RiskConfig tunes the risk pipeline.
type RiskConfig struct {
	DenyThreshold   float64 `mapstructure:"deny_threshold"`
	ReviewThreshold float64 `mapstructure:"review_threshold"`

	// DisabledRules removes rules from the pipeline by name.
	DisabledRules []string `mapstructure:"disabled_rules"`
}

// WebhookConfig tunes event delivery.
type WebhookConfig struct {
	Workers     int             `mapstructure:"workers"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	MaxAttempts int             `mapstructure:"max_attempts"`
	Backoff     []time.Duration `mapstructure:"backoff"`
}

// StreamConfig configures the WebSocket event feed.
type StreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// RelationalConfig wraps the relational store settings with an enable
// switch. Disabled keeps subscriptions, policies, holds and the payment
// index memory-only.
type RelationalConfig struct {
	Enabled bool `mapstructure:"enabled"`

	relationaldb.Config `mapstructure:",squash"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Encoding is json or console.
	Encoding string `mapstructure:"encoding"`
}

// ConfigPath reports where the configuration was loaded from.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// EntryStorePath resolves the entry store location.
func (c *Config) EntryStorePath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return filepath.Join(c.Node.DataDir, "entries")
}

// EntryStoreConfig builds the backend configuration for the ledger.
func (c *Config) EntryStoreConfig() *entrystore.Config {
	return &entrystore.Config{
		Backend:         c.Ledger.Backend,
		Path:            c.EntryStorePath(),
		Compressor:      c.Ledger.Compressor,
		SyncWrites:      c.Ledger.SyncWrites,
		CreateIfMissing: true,
	}
}

// RelationalDBConfig resolves the relational store configuration, deriving
// the sqlite file under the data dir when no path is set. Returns nil when
// the relational store is disabled.
func (c *Config) RelationalDBConfig() *relationaldb.Config {
	if !c.Relational.Enabled {
		return nil
	}
	cfg := c.Relational.Config.Clone()
	if cfg.Driver == relationaldb.DriverSQLite && cfg.Path == "" && cfg.ConnectionString == "" {
		cfg.Path = filepath.Join(c.Node.DataDir, "sardis.db")
	}
	return cfg
}

// FeeTable parses the fee section into decimals for the pricer.
func (c *FeesConfig) FeeTable() (decimal.Decimal, map[string]decimal.Decimal, error) {
	def, err := decimal.NewFromString(c.Default)
	if err != nil {
		return decimal.Zero, nil, &FieldError{Field: "fees.default", Value: c.Default, Reason: "not a decimal"}
	}
	flat := make(map[string]decimal.Decimal, len(c.Flat))
	for currency, raw := range c.Flat {
		fee, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, nil, &FieldError{Field: "fees.flat." + currency, Value: raw, Reason: "not a decimal"}
		}
		flat[currency] = fee
	}
	return def, flat, nil
}

// BuildLogger constructs the process logger from the log section. The
// debug flag forces level debug regardless of configuration.
func (c *LogConfig) BuildLogger(debug bool) (*zap.Logger, error) {
	level := zap.InfoLevel
	if err := level.Set(c.Level); err != nil {
		return nil, &FieldError{Field: "log.level", Value: c.Level, Reason: "unknown level"}
	}
	if debug {
		level = zap.DebugLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Encoding = c.Encoding
	if c.Encoding == "console" {
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zcfg.Build()
}
