package config

import (
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/sardislabs/sardisd/internal/storage/entrystore"
)

// FieldError pins a validation failure to one configuration key.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s (got %q)", e.Field, e.Reason, e.Value)
}

var validTiers = map[string]bool{
	"LOW":       true,
	"MEDIUM":    true,
	"HIGH":      true,
	"UNLIMITED": true,
}

var knownRiskRules = map[string]bool{
	"velocity":             true,
	"amount_anomaly":       true,
	"merchant_reputation":  true,
	"behavior_fingerprint": true,
	"failure_pattern":      true,
}

// Validate checks the whole configuration, normalizing case-insensitive
// enumerations in place.
func (c *Config) Validate() error {
	if err := c.validateNode(); err != nil {
		return err
	}
	if err := c.validateLedger(); err != nil {
		return err
	}
	if _, _, err := c.Fees.FeeTable(); err != nil {
		return err
	}
	if err := c.validatePolicy(); err != nil {
		return err
	}
	if err := c.validateRisk(); err != nil {
		return err
	}
	if err := c.validateWebhook(); err != nil {
		return err
	}
	if err := validateListen("stream.listen", c.Stream.Enabled, c.Stream.Listen); err != nil {
		return err
	}
	if err := validateListen("metrics.listen", c.Metrics.Enabled, c.Metrics.Listen); err != nil {
		return err
	}
	if err := c.validateRelational(); err != nil {
		return err
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateNode() error {
	if c.Node.DataDir == "" {
		return &FieldError{Field: "node.data_dir", Reason: "must not be empty"}
	}
	return nil
}

func (c *Config) validateLedger() error {
	if !entrystore.IsBackendAvailable(c.Ledger.Backend) {
		return &FieldError{
			Field:  "ledger.backend",
			Value:  c.Ledger.Backend,
			Reason: fmt.Sprintf("unknown backend, available: %s", strings.Join(entrystore.AvailableBackends(), ", ")),
		}
	}
	if c.Ledger.EntryCacheSize <= 0 {
		return &FieldError{
			Field:  "ledger.entry_cache_size",
			Value:  fmt.Sprint(c.Ledger.EntryCacheSize),
			Reason: "must be positive",
		}
	}
	if c.Ledger.CheckpointInterval < 0 {
		return &FieldError{
			Field:  "ledger.checkpoint_interval",
			Value:  c.Ledger.CheckpointInterval.String(),
			Reason: "must not be negative",
		}
	}
	if err := c.EntryStoreConfig().Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

func (c *Config) validatePolicy() error {
	tier := strings.ToUpper(c.Policy.DefaultTier)
	if !validTiers[tier] {
		return &FieldError{
			Field:  "policy.default_tier",
			Value:  c.Policy.DefaultTier,
			Reason: "must be LOW, MEDIUM, HIGH or UNLIMITED",
		}
	}
	c.Policy.DefaultTier = tier
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.DenyThreshold < 0 || c.Risk.DenyThreshold > 100 {
		return &FieldError{
			Field:  "risk.deny_threshold",
			Value:  fmt.Sprint(c.Risk.DenyThreshold),
			Reason: "must be within [0, 100]",
		}
	}
	if c.Risk.ReviewThreshold < 0 || c.Risk.ReviewThreshold > 100 {
		return &FieldError{
			Field:  "risk.review_threshold",
			Value:  fmt.Sprint(c.Risk.ReviewThreshold),
			Reason: "must be within [0, 100]",
		}
	}
	if c.Risk.ReviewThreshold > c.Risk.DenyThreshold {
		return &FieldError{
			Field:  "risk.review_threshold",
			Value:  fmt.Sprint(c.Risk.ReviewThreshold),
			Reason: "must not exceed risk.deny_threshold",
		}
	}
	for i, name := range c.Risk.DisabledRules {
		normalized := strings.ToLower(name)
		if !knownRiskRules[normalized] {
			return &FieldError{
				Field:  "risk.disabled_rules",
				Value:  name,
				Reason: "unknown rule",
			}
		}
		c.Risk.DisabledRules[i] = normalized
	}
	return nil
}

func (c *Config) validateWebhook() error {
	if c.Webhook.Workers <= 0 {
		return &FieldError{
			Field:  "webhook.workers",
			Value:  fmt.Sprint(c.Webhook.Workers),
			Reason: "must be positive",
		}
	}
	if c.Webhook.Timeout <= 0 {
		return &FieldError{
			Field:  "webhook.timeout",
			Value:  c.Webhook.Timeout.String(),
			Reason: "must be positive",
		}
	}
	if c.Webhook.MaxAttempts <= 0 {
		return &FieldError{
			Field:  "webhook.max_attempts",
			Value:  fmt.Sprint(c.Webhook.MaxAttempts),
			Reason: "must be positive",
		}
	}
	for _, d := range c.Webhook.Backoff {
		if d <= 0 {
			return &FieldError{
				Field:  "webhook.backoff",
				Value:  d.String(),
				Reason: "every backoff step must be positive",
			}
		}
	}
	return nil
}

func (c *Config) validateRelational() error {
	if !c.Relational.Enabled {
		return nil
	}
	cfg := c.RelationalDBConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("relational: %w", err)
	}
	// Keep the normalized driver name.
	c.Relational.Driver = cfg.Driver
	return nil
}

func (c *Config) validateLog() error {
	switch c.Log.Encoding {
	case "json", "console":
	default:
		return &FieldError{
			Field:  "log.encoding",
			Value:  c.Log.Encoding,
			Reason: "must be json or console",
		}
	}
	var level zapcore.Level
	if err := level.Set(c.Log.Level); err != nil {
		return &FieldError{Field: "log.level", Value: c.Log.Level, Reason: "unknown level"}
	}
	return nil
}

func validateListen(field string, enabled bool, listen string) error {
	if !enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return &FieldError{Field: field, Value: listen, Reason: "must be host:port"}
	}
	return nil
}
