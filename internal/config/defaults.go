package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/portside-labs/kgbridge/internal/source"
)

// DefaultConfig returns a Config with sensible default values. The
// defaults are self-contained: file source mode watching a local
// snapshot directory, so a bare `kgbridge serve` works without a
// documents database. Postgres mode is opted into with source.mode
// and source.dsn.
func DefaultConfig() *Config {
	homeDir := getDefaultHomeDir()

	return &Config{
		Source: SourceConfig{
			Mode:              SourceModeFile,
			Channels:          []string{source.ChannelFieldVerified, source.ChannelDocumentCreated},
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
			Dir:               filepath.Join(homeDir, "documents"),
		},
		Graph: GraphConfig{
			URI:               "bolt://localhost:7687",
			Username:          "neo4j",
			MaxConnections:    50,
			ConnectionTimeout: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			Path: filepath.Join(homeDir, "ledger.db"),
		},
		Engine: EngineConfig{
			Workers:             4,
			QueueSize:           256,
			DebounceInterval:    250 * time.Millisecond,
			ReconcileInterval:   5 * time.Minute,
			StaleAfter:          time.Hour,
			ClaimTimeout:        5 * time.Minute,
			MaxTransientRetries: 3,
			RetryBackoff:        500 * time.Millisecond,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    ":8317",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// getDefaultHomeDir returns the default kgbridge home directory.
// It uses ~/.kgbridge or falls back to a temporary directory if user
// home cannot be determined.
func getDefaultHomeDir() string {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".kgbridge")
	}
	return filepath.Join(userHome, ".kgbridge")
}
