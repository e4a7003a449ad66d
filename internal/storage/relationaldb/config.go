package relationaldb

import (
	"fmt"
	"net/url"
	"time"
)

// Driver names accepted by Config.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config contains relational database configuration settings.
type Config struct {
	// Database connection settings
	Driver           string `json:"driver" yaml:"driver" mapstructure:"driver"`
	ConnectionString string `json:"connection_string" yaml:"connection_string" mapstructure:"connection_string"`
	Host             string `json:"host" yaml:"host" mapstructure:"host"`
	Port             int    `json:"port" yaml:"port" mapstructure:"port"`
	Database         string `json:"database" yaml:"database" mapstructure:"database"`
	Username         string `json:"username" yaml:"username" mapstructure:"username"`
	Password         string `json:"password" yaml:"password" mapstructure:"password"`
	SSLMode          string `json:"ssl_mode" yaml:"ssl_mode" mapstructure:"ssl_mode"`

	// Path is the database file for the sqlite driver.
	Path string `json:"path" yaml:"path" mapstructure:"path"`

	// Connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`

	// DefaultTimeout bounds individual statements and pings.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout" mapstructure:"default_timeout"`

	// EnableWALMode switches sqlite into write-ahead logging.
	EnableWALMode bool `json:"enable_wal_mode" yaml:"enable_wal_mode" mapstructure:"enable_wal_mode"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Driver:          DriverPostgres,
		Host:            "localhost",
		Port:            5432,
		Database:        "sardis",
		Username:        "sardis",
		SSLMode:         "prefer",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 15,
		DefaultTimeout:  time.Second * 30,
		EnableWALMode:   true,
	}
}

// PostgresConfig creates a PostgreSQL-specific configuration.
func PostgresConfig() *Config {
	config := NewConfig()
	config.Driver = DriverPostgres
	return config
}

// SQLiteConfig creates a SQLite-specific configuration backed by the
// given database file.
func SQLiteConfig(dbPath string) *Config {
	config := NewConfig()
	config.Driver = DriverSQLite
	config.Path = dbPath
	config.MaxOpenConns = 1 // SQLite limitation
	config.MaxIdleConns = 1
	return config
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	switch c.Driver {
	case "postgres", "postgresql":
		c.Driver = DriverPostgres
	case "sqlite", "sqlite3":
		c.Driver = DriverSQLite
	default:
		return fmt.Errorf("%w: %s", ErrInvalidDriver, c.Driver)
	}

	if c.Driver == DriverPostgres && c.ConnectionString == "" {
		if c.Host == "" {
			return ErrMissingHost
		}
		if c.Port <= 0 || c.Port > 65535 {
			return ErrInvalidPort
		}
		if c.Database == "" {
			return ErrMissingDatabase
		}
		if c.Username == "" {
			return ErrMissingUsername
		}
		switch c.SSLMode {
		case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
		default:
			return fmt.Errorf("invalid SSL mode: %s", c.SSLMode)
		}
	}

	if c.Driver == DriverSQLite && c.ConnectionString == "" && c.Path == "" {
		return ErrMissingPath
	}

	if c.MaxOpenConns < 0 {
		return ErrInvalidMaxOpenConns
	}
	if c.MaxIdleConns < 0 {
		return ErrInvalidMaxIdleConns
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return ErrMaxIdleExceedsMaxOpen
	}
	if c.DefaultTimeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}

// BuildConnectionString builds a driver DSN from the config.
func (c *Config) BuildConnectionString() (string, error) {
	if c.ConnectionString != "" {
		return c.ConnectionString, nil
	}

	switch c.Driver {
	case DriverPostgres:
		return c.buildPostgresConnectionString()
	case DriverSQLite:
		return c.buildSQLiteConnectionString()
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidDriver, c.Driver)
	}
}

// buildPostgresConnectionString builds a PostgreSQL connection URL.
func (c *Config) buildPostgresConnectionString() (string, error) {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	params.Set("connect_timeout", "30")
	params.Set("application_name", "sardisd")

	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: params.Encode(),
	}
	if c.Username != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		} else {
			u.User = url.User(c.Username)
		}
	}

	return u.String(), nil
}

// buildSQLiteConnectionString builds a modernc sqlite DSN with pragmas.
func (c *Config) buildSQLiteConnectionString() (string, error) {
	dsn := "file:" + c.Path

	params := url.Values{}
	if c.EnableWALMode {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "synchronous(NORMAL)")

	return dsn + "?" + params.Encode(), nil
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
