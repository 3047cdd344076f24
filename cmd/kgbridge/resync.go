package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/portside-labs/kgbridge/internal/config"
	"github.com/portside-labs/kgbridge/internal/engine"
	"github.com/portside-labs/kgbridge/internal/ledger"
	"github.com/portside-labs/kgbridge/internal/ui"
)

var resyncCmd = &cobra.Command{
	Use:     "resync",
	GroupID: "sync",
	Short:   "Re-sync stale or failed documents",
	Long: `Re-synchronize documents whose graph representation may have drifted.

By default this targets SYNCED documents whose last sync is older than the
--older-than cutoff. With --failed it targets documents whose last sync
attempt failed instead.

The cutoff accepts a Go duration or a natural-language phrase:

  kgbridge resync --older-than 24h
  kgbridge resync --older-than "2 days ago"
  kgbridge resync --failed
  kgbridge resync --older-than 1h --limit 50`,
	Run: func(cmd *cobra.Command, args []string) {
		olderThan, _ := cmd.Flags().GetString("older-than")
		failedOnly, _ := cmd.Flags().GetBool("failed")
		limit, _ := cmd.Flags().GetInt("limit")

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

		led, err := openLedger(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer led.Close()

		var ids []string
		if failedOnly {
			ids, err = led.FailedDocuments(ctx, limit)
			if err != nil {
				fatalf("%v", err)
			}
		} else {
			cutoff, err := parseCutoff(olderThan)
			if err != nil {
				fatalf("%v", err)
			}
			ids, err = led.StaleSynced(ctx, cutoff, limit)
			if err != nil {
				fatalf("%v", err)
			}
		}

		if len(ids) == 0 {
			fmt.Println("Nothing to re-sync.")
			return
		}
		fmt.Printf("Re-syncing %d documents...\n", len(ids))

		reg, err := loadRegistry(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		src, err := openSource(ctx, cfg)
		if err != nil {
			fatalf("failed to open change source: %v", err)
		}
		defer src.Close(ctx)

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
		for _, id := range ids {
			outcome, err := eng.SyncNow(ctx, id)
			if err != nil {
				failed++
				fmt.Printf("%s %s: %v\n", ui.OutcomeBadge(ledger.OutcomeFailed), id, err)
				continue
			}
			fmt.Printf("%s %s\n", ui.OutcomeBadge(outcome), id)
		}
		fmt.Printf("Done: %d synced, %d failed.\n", len(ids)-failed, failed)
		if failed > 0 {
			os.Exit(1)
		}
	},
}

// parseCutoff turns the --older-than value into an absolute cutoff
// time. Plain Go durations are tried first, then natural language
// ("2 days ago", "last monday").
func parseCutoff(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("--older-than is required unless --failed is set")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --older-than value %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("cannot understand --older-than value %q", s)
	}
	return result.Time, nil
}

func init() {
	resyncCmd.Flags().String("older-than", "", "re-sync documents last synced before this cutoff")
	resyncCmd.Flags().Bool("failed", false, "re-sync failed documents instead of stale ones")
	resyncCmd.Flags().Int("limit", 0, "cap the number of documents re-synced (0 = no cap)")
	rootCmd.AddCommand(resyncCmd)
}
