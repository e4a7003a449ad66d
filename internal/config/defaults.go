package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values applied before any file or environment override.
const (
	DefaultDataDir            = "./data"
	DefaultLedgerBackend      = "pebble"
	DefaultCompressor         = "lz4"
	DefaultEntryCacheSize     = 4096
	DefaultCheckpointInterval = time.Hour
	DefaultFee                = "0.10"
	DefaultTier               = "MEDIUM"
	DefaultDenyThreshold      = 90
	DefaultReviewThreshold    = 50
	DefaultWebhookWorkers     = 4
	DefaultWebhookTimeout     = 10 * time.Second
	DefaultWebhookAttempts    = 3
	DefaultStreamListen       = "127.0.0.1:8330"
	DefaultMetricsListen      = "127.0.0.1:9464"
	DefaultLogLevel           = "info"
	DefaultLogEncoding        = "json"
)

// setDefaults installs every default on the viper instance so partial
// config files inherit the rest.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node.data_dir", DefaultDataDir)
	v.SetDefault("node.standalone", false)

	v.SetDefault("ledger.backend", DefaultLedgerBackend)
	v.SetDefault("ledger.path", "")
	v.SetDefault("ledger.compressor", DefaultCompressor)
	v.SetDefault("ledger.sync_writes", true)
	v.SetDefault("ledger.entry_cache_size", DefaultEntryCacheSize)
	v.SetDefault("ledger.checkpoint_interval", DefaultCheckpointInterval)

	v.SetDefault("fees.default", DefaultFee)
	v.SetDefault("fees.flat", map[string]string{})
	v.SetDefault("fees.fee_wallet", "")

	v.SetDefault("policy.default_tier", DefaultTier)

	v.SetDefault("risk.deny_threshold", DefaultDenyThreshold)
	v.SetDefault("risk.review_threshold", DefaultReviewThreshold)
	v.SetDefault("risk.disabled_rules", []string{})

	v.SetDefault("webhook.workers", DefaultWebhookWorkers)
	v.SetDefault("webhook.timeout", DefaultWebhookTimeout)
	v.SetDefault("webhook.max_attempts", DefaultWebhookAttempts)
	v.SetDefault("webhook.backoff", []time.Duration{time.Second, 5 * time.Second, 30 * time.Second})

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.listen", DefaultStreamListen)

	v.SetDefault("relational.enabled", false)
	v.SetDefault("relational.driver", "sqlite")
	v.SetDefault("relational.connection_string", "")
	v.SetDefault("relational.host", "localhost")
	v.SetDefault("relational.port", 5432)
	v.SetDefault("relational.database", "sardis")
	v.SetDefault("relational.username", "sardis")
	v.SetDefault("relational.password", "")
	v.SetDefault("relational.ssl_mode", "prefer")
	v.SetDefault("relational.path", "")
	v.SetDefault("relational.max_open_conns", 25)
	v.SetDefault("relational.max_idle_conns", 5)
	v.SetDefault("relational.conn_max_lifetime", time.Hour)
	v.SetDefault("relational.conn_max_idle_time", 15*time.Minute)
	v.SetDefault("relational.default_timeout", 30*time.Second)
	v.SetDefault("relational.enable_wal_mode", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", DefaultMetricsListen)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.encoding", DefaultLogEncoding)
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults must always validate; tests pin this.
		panic(err)
	}
	return cfg
}
