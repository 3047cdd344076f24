package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for missing or inconsistent
// values. All problems are reported together.
func (c *Config) Validate() error {
	var problems []string

	switch c.Source.Mode {
	case SourceModePostgres:
		if c.Source.DSN == "" {
			problems = append(problems, "source.dsn is required when source.mode is 'postgres'")
		}
	case SourceModeFile:
		if c.Source.Dir == "" {
			problems = append(problems, "source.dir is required when source.mode is 'file'")
		}
	default:
		problems = append(problems, fmt.Sprintf("source.mode must be 'postgres' or 'file' (got: %q)", c.Source.Mode))
	}

	if c.Graph.URI == "" {
		problems = append(problems, "graph.uri is required")
	}
	if c.Graph.Username == "" {
		problems = append(problems, "graph.username is required")
	}

	if c.Ledger.Path == "" {
		problems = append(problems, "ledger.path is required")
	}

	if c.Engine.Workers < 1 || c.Engine.Workers > 64 {
		problems = append(problems, fmt.Sprintf("engine.workers must be between 1 and 64 (got: %d)", c.Engine.Workers))
	}
	if c.Engine.QueueSize < 1 {
		problems = append(problems, fmt.Sprintf("engine.queue_size must be at least 1 (got: %d)", c.Engine.QueueSize))
	}
	if c.Engine.MaxTransientRetries < 0 {
		problems = append(problems, fmt.Sprintf("engine.max_transient_retries cannot be negative (got: %d)", c.Engine.MaxTransientRetries))
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		problems = append(problems, "status.addr is required when status.enabled is true")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level must be one of [debug info warn error] (got: %q)", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format must be 'text' or 'json' (got: %q)", c.Logging.Format))
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		problems = append(problems, "logging rotation limits cannot be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}

	return nil
}
