package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/portside-labs/kgbridge/internal/config"
	"github.com/portside-labs/kgbridge/internal/ledger"
	"github.com/portside-labs/kgbridge/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "ops",
	Short:   "Show per-document sync status",
	Long: `Show sync status from the local ledger.

Without flags this prints the per-status document counts and the most
recently updated documents. Reads are local and side-effect free; the
daemon does not need to be running.

Example usage:
  kgbridge status                    # counts plus recent documents
  kgbridge status --status FAILED    # only failed documents, with errors
  kgbridge status --log              # the recent sync audit log
  kgbridge status --graph            # node/relationship counts from Neo4j
  kgbridge status --json             # machine-readable output`,
	Run: func(cmd *cobra.Command, args []string) {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		showLog, _ := cmd.Flags().GetBool("log")
		showGraph, _ := cmd.Flags().GetBool("graph")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}

		ctx := context.Background()

		led, err := openLedger(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer led.Close()

		if showGraph {
			printGraphStats(ctx, cfg, asJSON)
			return
		}

		if showLog {
			printSyncLog(ctx, led, limit, asJSON)
			return
		}

		counts, err := led.StatusCounts(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		entries, err := led.List(ctx, ledger.ListFilter{Status: statusFilter, Limit: limit})
		if err != nil {
			fatalf("%v", err)
		}

		if asJSON {
			out := map[string]interface{}{
				"counts":    counts,
				"documents": entries,
			}
			if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
				fatalf("%v", err)
			}
			return
		}

		fmt.Println(ui.RenderAccent("Sync status"))
		statuses := make([]string, 0, len(counts))
		for status := range counts {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		total := 0
		for _, status := range statuses {
			fmt.Printf("  %s %d\n", ui.StatusBadge(status), counts[status])
			total += counts[status]
		}
		fmt.Println(ui.KeyValue("  total", strconv.Itoa(total)))

		if len(entries) == 0 {
			return
		}

		rows := make([][]string, 0, len(entries))
		for _, entry := range entries {
			rows = append(rows, []string{
				entry.DocumentID,
				ui.StatusBadge(entry.Status),
				strconv.Itoa(entry.Attempts),
				formatTime(entry.SyncedAt),
				truncate(entry.LastError, 48),
			})
		}
		fmt.Println(ui.Table([]string{"DOCUMENT", "STATUS", "ATTEMPTS", "SYNCED", "LAST ERROR"}, rows))
	},
}

func printSyncLog(ctx context.Context, led *ledger.Ledger, limit int, asJSON bool) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := led.RecentLog(ctx, limit)
	if err != nil {
		fatalf("%v", err)
	}

	if asJSON {
		if err := json.NewEncoder(os.Stdout).Encode(entries); err != nil {
			fatalf("%v", err)
		}
		return
	}

	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			entry.OccurredAt.Local().Format("2006-01-02 15:04:05"),
			entry.DocumentID,
			ui.OutcomeBadge(entry.Outcome),
			entry.Duration.String(),
			truncate(entry.Detail, 48),
		})
	}
	fmt.Println(ui.Table([]string{"WHEN", "DOCUMENT", "OUTCOME", "DURATION", "DETAIL"}, rows))
}

func printGraphStats(ctx context.Context, cfg *config.Config, asJSON bool) {
	reg, err := loadRegistry(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	writer, err := openWriter(ctx, cfg, reg, false)
	if err != nil {
		fatalf("failed to open graph store: %v", err)
	}
	defer writer.Close(ctx)

	stats, err := writer.Stats(ctx)
	if err != nil {
		fatalf("%v", err)
	}

	if asJSON {
		if err := json.NewEncoder(os.Stdout).Encode(stats); err != nil {
			fatalf("%v", err)
		}
		return
	}

	fmt.Println(ui.RenderAccent("Nodes"))
	labels := make([]string, 0, len(stats.Nodes))
	for label := range stats.Nodes {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Printf("  %-16s %d\n", label, stats.Nodes[label])
	}
	fmt.Println(ui.KeyValue("  total", strconv.FormatInt(stats.TotalNodes, 10)))

	fmt.Println(ui.RenderAccent("Relationships"))
	types := make([]string, 0, len(stats.Relationships))
	for typ := range stats.Relationships {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		fmt.Printf("  %-16s %d\n", typ, stats.Relationships[typ])
	}
	fmt.Println(ui.KeyValue("  total", strconv.FormatInt(stats.TotalRels, 10)))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func init() {
	statusCmd.Flags().String("status", "", "filter documents by status (PENDING|IN_PROGRESS|SYNCED|FAILED|ABANDONED)")
	statusCmd.Flags().Int("limit", 20, "cap the number of documents listed")
	statusCmd.Flags().Bool("log", false, "show the recent sync audit log instead")
	statusCmd.Flags().Bool("graph", false, "show graph node/relationship counts instead")
	statusCmd.Flags().Bool("json", false, "emit JSON for scripts")
	rootCmd.AddCommand(statusCmd)
}
