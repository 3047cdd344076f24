package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// envVarPattern matches ${VAR} references in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from the given YAML file, applies
// KGBRIDGE_* environment overrides and ${VAR} interpolation, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("KGBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.interpolate()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadWithDefaults loads configuration from the given path, falling
// back to defaults when the file does not exist.
func LoadWithDefaults(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

// setDefaults registers every config key with viper so environment
// overrides are visible to Unmarshal even when the file omits the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("source.mode", d.Source.Mode)
	v.SetDefault("source.dsn", d.Source.DSN)
	v.SetDefault("source.channels", d.Source.Channels)
	v.SetDefault("source.reconnect_delay", d.Source.ReconnectDelay)
	v.SetDefault("source.max_reconnect_delay", d.Source.MaxReconnectDelay)
	v.SetDefault("source.dir", d.Source.Dir)

	v.SetDefault("graph.uri", d.Graph.URI)
	v.SetDefault("graph.username", d.Graph.Username)
	v.SetDefault("graph.password", d.Graph.Password)
	v.SetDefault("graph.database", d.Graph.Database)
	v.SetDefault("graph.max_connections", d.Graph.MaxConnections)
	v.SetDefault("graph.connection_timeout", d.Graph.ConnectionTimeout)

	v.SetDefault("ledger.path", d.Ledger.Path)

	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.queue_size", d.Engine.QueueSize)
	v.SetDefault("engine.debounce_interval", d.Engine.DebounceInterval)
	v.SetDefault("engine.reconcile_interval", d.Engine.ReconcileInterval)
	v.SetDefault("engine.stale_after", d.Engine.StaleAfter)
	v.SetDefault("engine.claim_timeout", d.Engine.ClaimTimeout)
	v.SetDefault("engine.max_transient_retries", d.Engine.MaxTransientRetries)
	v.SetDefault("engine.retry_backoff", d.Engine.RetryBackoff)
	v.SetDefault("engine.skip_full_reconcile", d.Engine.SkipFullReconcile)

	v.SetDefault("rules.path", d.Rules.Path)

	v.SetDefault("status.enabled", d.Status.Enabled)
	v.SetDefault("status.addr", d.Status.Addr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}

// interpolate expands ${VAR} references in every string-valued field.
func (c *Config) interpolate() {
	fields := []*string{
		&c.Source.Mode,
		&c.Source.DSN,
		&c.Source.Dir,
		&c.Graph.URI,
		&c.Graph.Username,
		&c.Graph.Password,
		&c.Graph.Database,
		&c.Ledger.Path,
		&c.Rules.Path,
		&c.Status.Addr,
		&c.Logging.Level,
		&c.Logging.Format,
		&c.Logging.File,
	}
	for _, f := range fields {
		*f = interpolateString(*f)
	}
	for i, ch := range c.Source.Channels {
		c.Source.Channels[i] = interpolateString(ch)
	}
}

// interpolateString replaces ${VAR} with the value of the VAR
// environment variable. Unset variables leave the reference in place
// so the failure surfaces verbatim in validation or connect errors.
func interpolateString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value := os.Getenv(name); value != "" {
			return value
		}
		return match
	})
}
