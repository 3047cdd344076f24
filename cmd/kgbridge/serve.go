package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/portside-labs/kgbridge/internal/config"
	"github.com/portside-labs/kgbridge/internal/engine"
	"github.com/portside-labs/kgbridge/internal/status"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync daemon",
	Long: `Run the synchronization daemon.

The daemon subscribes to the source store's change notifications, keeps a
bounded worker pool draining the document queue, periodically reconciles
documents the notification stream missed, and serves sync status over HTTP.

Example usage:
  kgbridge serve                     # sync with the configured stores
  kgbridge serve --source file       # watch the local spool directory
  kgbridge serve --graph memory      # dry run against an in-memory graph

The daemon runs until interrupted. In-flight syncs interrupted by shutdown
are retried on the next start; every graph write is an idempotent upsert,
so a restarted sync converges to the same end state.`,
	Run: func(cmd *cobra.Command, args []string) {
		sourceMode, _ := cmd.Flags().GetString("source")
		graphMode, _ := cmd.Flags().GetString("graph")

		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		if sourceMode != "" {
			cfg.Source.Mode = sourceMode
			if err := cfg.Validate(); err != nil {
				fatalf("%v", err)
			}
		}
		if graphMode != "" && graphMode != "memory" && graphMode != "neo4j" {
			fatalf("--graph must be 'neo4j' or 'memory' (got: %q)", graphMode)
		}

		logger, err := config.NewLogger(cfg.Logging)
		if err != nil {
			fatalf("%v", err)
		}
		slog.SetDefault(logger)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		reg, err := loadRegistry(cfg)
		if err != nil {
			fatalf("%v", err)
		}

		led, err := openLedger(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer led.Close()

		src, err := openSource(ctx, cfg)
		if err != nil {
			fatalf("failed to open change source: %v", err)
		}
		defer src.Close(context.Background())

		writer, err := openWriter(ctx, cfg, reg, graphMode == "memory")
		if err != nil {
			fatalf("failed to open graph store: %v", err)
		}
		defer writer.Close(context.Background())

		engineConfig := &engine.Config{
			Workers:             cfg.Engine.Workers,
			QueueSize:           cfg.Engine.QueueSize,
			DebounceInterval:    cfg.Engine.DebounceInterval,
			ReconcileInterval:   cfg.Engine.ReconcileInterval,
			StaleAfter:          cfg.Engine.StaleAfter,
			ClaimTimeout:        cfg.Engine.ClaimTimeout,
			MaxTransientRetries: cfg.Engine.MaxTransientRetries,
			RetryBackoff:        cfg.Engine.RetryBackoff,
			SkipFullReconcile:   cfg.Engine.SkipFullReconcile,
			Logger:              logger,
		}

		eng, err := engine.New(src, writer, led, reg, engineConfig)
		if err != nil {
			fatalf("%v", err)
		}

		if cfg.Status.Enabled {
			server := status.NewServer(eng, led, writer, &status.Config{
				Addr:   cfg.Status.Addr,
				Logger: logger,
			})
			engineConfig.OnSync = server.OnSyncCompleted
			engineConfig.OnTransition = server.OnTransition

			if err := server.Start(); err != nil {
				fatalf("failed to start status server: %v", err)
			}
			defer server.Stop()

			fmt.Printf("Status API: http://%s/api/status\n", server.Addr())
			fmt.Printf("Live feed:  ws://%s/api/ws\n", server.Addr())
		}

		fmt.Printf("Syncing documents (source=%s, rules=%s)\n", cfg.Source.Mode, reg.Version())
		fmt.Println("Press Ctrl+C to stop...")

		if err := eng.Start(ctx); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	serveCmd.Flags().String("source", "", "override the change source mode (postgres|file)")
	serveCmd.Flags().String("graph", "", "override the graph store (neo4j|memory)")
	rootCmd.AddCommand(serveCmd)
}
