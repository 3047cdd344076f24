// Package config defines the kgbridge configuration surface: the YAML
// file format, defaults, environment overrides, validation, and logger
// construction.
package config

import (
	"time"
)

// Source modes select which change-source adapter serve runs with.
const (
	SourceModePostgres = "postgres"
	SourceModeFile     = "file"
)

// Config is the root configuration for kgbridge.
type Config struct {
	Source  SourceConfig  `mapstructure:"source" yaml:"source"`
	Graph   GraphConfig   `mapstructure:"graph" yaml:"graph"`
	Ledger  LedgerConfig  `mapstructure:"ledger" yaml:"ledger"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Rules   RulesConfig   `mapstructure:"rules" yaml:"rules"`
	Status  StatusConfig  `mapstructure:"status" yaml:"status"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// SourceConfig selects and configures the document change source.
type SourceConfig struct {
	// Mode is "postgres" for LISTEN/NOTIFY against the documents
	// database, or "file" for a watched snapshot directory.
	Mode string `mapstructure:"mode" yaml:"mode"`

	// DSN is the PostgreSQL connection string. Required in postgres
	// mode.
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	// Channels are the NOTIFY channels to LISTEN on.
	Channels []string `mapstructure:"channels" yaml:"channels"`

	// ReconnectDelay is the base delay before re-establishing a lost
	// listener connection. Doubles per consecutive failure up to
	// MaxReconnectDelay.
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay" yaml:"max_reconnect_delay"`

	// Dir is the snapshot directory watched in file mode.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// GraphConfig holds Neo4j connection settings.
type GraphConfig struct {
	URI               string        `mapstructure:"uri" yaml:"uri"`
	Username          string        `mapstructure:"username" yaml:"username"`
	Password          string        `mapstructure:"password" yaml:"password"`
	Database          string        `mapstructure:"database" yaml:"database"`
	MaxConnections    int           `mapstructure:"max_connections" yaml:"max_connections"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
}

// LedgerConfig locates the local sync-ledger database.
type LedgerConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// EngineConfig tunes the sync engine.
type EngineConfig struct {
	Workers             int           `mapstructure:"workers" yaml:"workers"`
	QueueSize           int           `mapstructure:"queue_size" yaml:"queue_size"`
	DebounceInterval    time.Duration `mapstructure:"debounce_interval" yaml:"debounce_interval"`
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval"`
	StaleAfter          time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	ClaimTimeout        time.Duration `mapstructure:"claim_timeout" yaml:"claim_timeout"`
	MaxTransientRetries int           `mapstructure:"max_transient_retries" yaml:"max_transient_retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	SkipFullReconcile   bool          `mapstructure:"skip_full_reconcile" yaml:"skip_full_reconcile"`
}

// RulesConfig points at an optional mapping-rule file. When Path is
// empty the built-in rule set is used.
type RulesConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// StatusConfig configures the embedded status HTTP server.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" yaml:"format"`

	// File, when set, sends log output to a size-rotated file instead
	// of stderr.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}
