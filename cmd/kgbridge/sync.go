package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/portside-labs/kgbridge/internal/config"
	"github.com/portside-labs/kgbridge/internal/engine"
	"github.com/portside-labs/kgbridge/internal/ledger"
	"github.com/portside-labs/kgbridge/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync <document-id>...",
	GroupID: "sync",
	Short:   "Sync one or more documents now",
	Long: `Synchronize the given documents immediately, without the daemon.

Each document's field snapshot is fetched from the source store, compiled
into its graph shape, and applied to the graph. The sync goes through the
same ledger claims as the daemon, so running both at once is safe: whoever
claims a document first syncs it, the other skips.

Example usage:
  kgbridge sync 42                  # sync one document
  kgbridge sync 42 43 57            # sync a batch
  kgbridge sync 42 --dry-run        # print the compiled shape, write nothing`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger, err := config.NewLogger(cfg.Logging)
		if err != nil {
			fatalf("%v", err)
		}
		slog.SetDefault(logger)

		ctx := context.Background()

		reg, err := loadRegistry(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		src, err := openSource(ctx, cfg)
		if err != nil {
			fatalf("failed to open change source: %v", err)
		}
		defer src.Close(ctx)

		if dryRun {
			for _, id := range args {
				snap, err := src.FetchSnapshot(ctx, id)
				if err != nil {
					fatalf("failed to fetch document %s: %v", id, err)
				}
				shape := reg.Compile(snap)
				encoded, err := shape.MarshalCanonical()
				if err != nil {
					fatalf("%v", err)
				}
				fmt.Println(ui.RenderAccent("document " + id))
				fmt.Println(string(encoded))
			}
			return
		}

		led, err := openLedger(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer led.Close()

		writer, err := openWriter(ctx, cfg, reg, false)
		if err != nil {
			fatalf("failed to open graph store: %v", err)
		}
		defer writer.Close(ctx)

		if err := writer.EnsureConstraints(ctx, reg.KeyProps()); err != nil {
			fatalf("failed to ensure graph constraints: %v", err)
		}

		eng, err := engine.New(src, writer, led, reg, &engine.Config{Logger: logger})
		if err != nil {
			fatalf("%v", err)
		}

		failed := 0
		for _, id := range args {
			outcome, err := eng.SyncNow(ctx, id)
			switch {
			case err != nil:
				failed++
				fmt.Printf("%s %s: %v\n", ui.OutcomeBadge(ledger.OutcomeFailed), id, err)
			case outcome == "skipped":
				fmt.Printf("%s %s: claimed by another worker\n", ui.RenderMuted("skipped"), id)
			default:
				fmt.Printf("%s %s\n", ui.OutcomeBadge(outcome), id)
			}
		}
		if failed > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "compile and print the graph shape without writing")
	rootCmd.AddCommand(syncCmd)
}
