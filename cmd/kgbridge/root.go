package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/portside-labs/kgbridge/internal/config"
	"github.com/portside-labs/kgbridge/internal/fieldmap"
	"github.com/portside-labs/kgbridge/internal/graph"
	"github.com/portside-labs/kgbridge/internal/ledger"
	"github.com/portside-labs/kgbridge/internal/source"
	"github.com/portside-labs/kgbridge/internal/ui"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kgbridge",
	Short: "Keep a knowledge graph in sync with a document store",
	Long: `kgbridge keeps a Neo4j knowledge graph continuously consistent with a
relational store of documents and their human-corrected fields.

It listens for change notifications from the source store, compiles each
changed document's field set into graph nodes and relationships through a
declarative field mapping, and applies the result to the graph with
idempotent upserts. A local SQLite ledger tracks per-document sync state,
enforces single-flight syncing, and drives retries and reconciliation.

Start the daemon with 'kgbridge serve', or sync individual documents with
'kgbridge sync'.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "ops", Title: "Operations Commands:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"path to the configuration file")
}

// defaultConfigPath is ~/.kgbridge/config.yaml, falling back to the
// working directory when the home directory is unknown.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kgbridge.yaml"
	}
	return filepath.Join(home, ".kgbridge", "config.yaml")
}

// loadConfig reads the config file named by --config, using built-in
// defaults when the file does not exist.
func loadConfig() (*config.Config, error) {
	return config.LoadWithDefaults(configPath)
}

// loadRegistry builds the mapping registry from the configured rules
// file, or the built-in logistics rules when none is configured.
func loadRegistry(cfg *config.Config) (*fieldmap.Registry, error) {
	if cfg.Rules.Path == "" {
		return fieldmap.Default(), nil
	}
	return fieldmap.LoadFile(cfg.Rules.Path)
}

// openSource builds the configured change source adapter.
func openSource(ctx context.Context, cfg *config.Config) (source.Source, error) {
	switch cfg.Source.Mode {
	case config.SourceModePostgres:
		return source.NewPGSource(ctx, source.PGConfig{
			DSN:               cfg.Source.DSN,
			Channels:          cfg.Source.Channels,
			ReconnectDelay:    cfg.Source.ReconnectDelay,
			MaxReconnectDelay: cfg.Source.MaxReconnectDelay,
		}, nil)
	case config.SourceModeFile:
		return source.NewFileSource(cfg.Source.Dir, nil)
	default:
		return nil, fmt.Errorf("unknown source mode %q", cfg.Source.Mode)
	}
}

// openWriter connects the configured graph writer. When memory is true
// an in-memory writer is returned instead, for dry runs.
func openWriter(ctx context.Context, cfg *config.Config, reg *fieldmap.Registry, memory bool) (graph.Writer, error) {
	if memory {
		return graph.NewMemoryWriter(), nil
	}
	writer, err := graph.NewNeo4jWriter(graph.Neo4jConfig{
		URI:                     cfg.Graph.URI,
		Username:                cfg.Graph.Username,
		Password:                cfg.Graph.Password,
		Database:                cfg.Graph.Database,
		MaxConnectionPoolSize:   cfg.Graph.MaxConnections,
		ConnectionTimeout:       cfg.Graph.ConnectionTimeout,
		MaxTransactionRetryTime: cfg.Graph.ConnectionTimeout,
	}, reg.KeyProps(), nil)
	if err != nil {
		return nil, err
	}
	if err := writer.Connect(ctx); err != nil {
		return nil, err
	}
	return writer, nil
}

// openLedger opens the sync ledger at the configured path.
func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	return ledger.Open(cfg.Ledger.Path)
}

// fatalf prints an error and exits.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
