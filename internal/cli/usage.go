package cli

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show backend runtime statistics",
	Long: `Show the backend's in-memory runtime statistics: answer streams,
retrieval, LLM generation, history and feedback calls.

Examples:
  kbchat usage`,
	Args: cobra.NoArgs,
	RunE: runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	snap, err := apiClient.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	printServerStats(snap)
	return nil
}

// printServerStats displays server runtime statistics.
func printServerStats(snap *metrics.Snapshot) {
	fmt.Printf("Server Statistics (in-memory, since restart)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", snap.UptimeSeconds)

	names := snap.Names()
	if len(names) == 0 {
		fmt.Println("\nNo operations recorded yet.")
		return
	}
	for _, name := range names {
		fmt.Printf("\n%s:\n", name)
		printOpStats(snap.Operations[name])
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(op *metrics.OperationSnapshot) {
	fmt.Printf("  Calls: %d, Failures: %d, Total: %dms\n", op.Count, op.Failures, op.TotalTimeMs)
	fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	if op.TotalChunks != nil {
		fmt.Printf("  Chunks: %d total", *op.TotalChunks)
		if op.AvgChunks != nil {
			fmt.Printf(", avg %.1f", *op.AvgChunks)
		}
		if op.TotalBytes != nil {
			fmt.Printf(", %d bytes", *op.TotalBytes)
		}
		fmt.Println()
	}
}
