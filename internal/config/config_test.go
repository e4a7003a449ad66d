package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sardislabs/sardisd/internal/storage/relationaldb"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sardis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultDataDir, cfg.Node.DataDir)
	assert.False(t, cfg.Node.Standalone)
	assert.Equal(t, "pebble", cfg.Ledger.Backend)
	assert.Equal(t, "lz4", cfg.Ledger.Compressor)
	assert.True(t, cfg.Ledger.SyncWrites)
	assert.Equal(t, DefaultEntryCacheSize, cfg.Ledger.EntryCacheSize)
	assert.Equal(t, time.Hour, cfg.Ledger.CheckpointInterval)
	assert.Equal(t, "0.10", cfg.Fees.Default)
	assert.Equal(t, "MEDIUM", cfg.Policy.DefaultTier)
	assert.InDelta(t, 90, cfg.Risk.DenyThreshold, 0.001)
	assert.InDelta(t, 50, cfg.Risk.ReviewThreshold, 0.001)
	assert.Equal(t, 4, cfg.Webhook.Workers)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}, cfg.Webhook.Backoff)
	assert.True(t, cfg.Stream.Enabled)
	assert.False(t, cfg.Relational.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Encoding)
	assert.Empty(t, cfg.ConfigPath())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
node:
  data_dir: /var/lib/sardis
ledger:
  backend: leveldb
  entry_cache_size: 128
  checkpoint_interval: 30m
fees:
  default: "0.25"
  flat:
    USDC: "0.10"
    EURC: "0.15"
policy:
  default_tier: high
risk:
  deny_threshold: 80
  review_threshold: 40
  disabled_rules: [behavior_fingerprint]
webhook:
  workers: 2
  timeout: 5s
  backoff: [100ms, 200ms]
stream:
  enabled: false
relational:
  enabled: true
  driver: sqlite
metrics:
  listen: "0.0.0.0:9999"
log:
  level: warn
  encoding: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigPath())
	assert.Equal(t, "/var/lib/sardis", cfg.Node.DataDir)
	assert.Equal(t, "leveldb", cfg.Ledger.Backend)
	assert.Equal(t, 128, cfg.Ledger.EntryCacheSize)
	assert.Equal(t, 30*time.Minute, cfg.Ledger.CheckpointInterval)
	assert.Equal(t, "0.25", cfg.Fees.Default)
	assert.Equal(t, "0.15", cfg.Fees.Flat["EURC"])
	assert.Equal(t, "HIGH", cfg.Policy.DefaultTier, "tier is normalized to upper case")
	assert.InDelta(t, 80, cfg.Risk.DenyThreshold, 0.001)
	assert.Equal(t, []string{"behavior_fingerprint"}, cfg.Risk.DisabledRules)
	assert.Equal(t, 2, cfg.Webhook.Workers)
	assert.Equal(t, 5*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, cfg.Webhook.Backoff)
	assert.False(t, cfg.Stream.Enabled)
	assert.Equal(t, "0.0.0.0:9999", cfg.Metrics.Listen)
	assert.Equal(t, "warn", cfg.Log.Level)

	// Unset sections keep their defaults.
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
	assert.Equal(t, DefaultStreamListen, cfg.Stream.Listen)
}

func TestExplicitFileMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SARDIS_LOG_LEVEL", "debug")
	t.Setenv("SARDIS_LEDGER_BACKEND", "memory")
	t.Setenv("SARDIS_WEBHOOK_TIMEOUT", "3s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, 3*time.Second, cfg.Webhook.Timeout)
}

func TestEnvironmentBeatsFile(t *testing.T) {
	path := writeConfigFile(t, "log:\n  level: warn\n")
	t.Setenv("SARDIS_LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{
			name:    "EmptyDataDir",
			mutate:  func(c *Config) { c.Node.DataDir = "" },
			wantKey: "node.data_dir",
		},
		{
			name:    "UnknownBackend",
			mutate:  func(c *Config) { c.Ledger.Backend = "rocksdb" },
			wantKey: "ledger.backend",
		},
		{
			name:    "ZeroCacheSize",
			mutate:  func(c *Config) { c.Ledger.EntryCacheSize = 0 },
			wantKey: "ledger.entry_cache_size",
		},
		{
			name:    "BadFeeDecimal",
			mutate:  func(c *Config) { c.Fees.Default = "ten cents" },
			wantKey: "fees.default",
		},
		{
			name:    "BadFlatFee",
			mutate:  func(c *Config) { c.Fees.Flat = map[string]string{"USDC": "x"} },
			wantKey: "fees.flat.USDC",
		},
		{
			name:    "UnknownTier",
			mutate:  func(c *Config) { c.Policy.DefaultTier = "PLATINUM" },
			wantKey: "policy.default_tier",
		},
		{
			name: "ReviewAboveDeny",
			mutate: func(c *Config) {
				c.Risk.DenyThreshold = 40
				c.Risk.ReviewThreshold = 60
			},
			wantKey: "risk.review_threshold",
		},
		{
			name:    "UnknownRiskRule",
			mutate:  func(c *Config) { c.Risk.DisabledRules = []string{"astrology"} },
			wantKey: "risk.disabled_rules",
		},
		{
			name:    "ZeroWebhookWorkers",
			mutate:  func(c *Config) { c.Webhook.Workers = 0 },
			wantKey: "webhook.workers",
		},
		{
			name:    "NegativeBackoff",
			mutate:  func(c *Config) { c.Webhook.Backoff = []time.Duration{-time.Second} },
			wantKey: "webhook.backoff",
		},
		{
			name:    "BadStreamListen",
			mutate:  func(c *Config) { c.Stream.Listen = "no-port" },
			wantKey: "stream.listen",
		},
		{
			name:    "BadLogEncoding",
			mutate:  func(c *Config) { c.Log.Encoding = "xml" },
			wantKey: "log.encoding",
		},
		{
			name:    "BadLogLevel",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantKey: "log.level",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantKey)
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Node.DataDir = "/srv/sardis"

	assert.Equal(t, filepath.Join("/srv/sardis", "entries"), cfg.EntryStorePath())

	cfg.Ledger.Path = "/mnt/fast/entries"
	assert.Equal(t, "/mnt/fast/entries", cfg.EntryStorePath())

	t.Run("RelationalDisabledIsNil", func(t *testing.T) {
		assert.Nil(t, cfg.RelationalDBConfig())
	})

	t.Run("SQLitePathDerived", func(t *testing.T) {
		cfg.Relational.Enabled = true
		cfg.Relational.Driver = relationaldb.DriverSQLite
		db := cfg.RelationalDBConfig()
		require.NotNil(t, db)
		assert.Equal(t, filepath.Join("/srv/sardis", "sardis.db"), db.Path)
	})
}

func TestFeeTable(t *testing.T) {
	fees := FeesConfig{
		Default: "0.10",
		Flat:    map[string]string{"USDC": "0.05", "EURC": "0.20"},
	}
	def, flat, err := fees.FeeTable()
	require.NoError(t, err)
	assert.True(t, def.Equal(dec("0.10")))
	assert.True(t, flat["USDC"].Equal(dec("0.05")))
	assert.True(t, flat["EURC"].Equal(dec("0.20")))
}

func TestBuildLogger(t *testing.T) {
	lc := LogConfig{Level: "warn", Encoding: "json"}
	logger, err := lc.BuildLogger(false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	logger, err = lc.BuildLogger(true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel), "debug flag forces level down")
}
