package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/blobwatch/internal/indexing/backfill"
)

var repairBatch int

var recomputeFeesCmd = &cobra.Command{
	Use:   "recompute-fees",
	Short: "Rewrite stored blob base fees that disagree with the fee schedule",
	Run:   runRecomputeFees,
}

var repairTimestampsCmd = &cobra.Command{
	Use:   "repair-timestamps",
	Short: "Fill null block timestamps from the upstream node",
	Run:   runRepairTimestamps,
}

func init() {
	repairTimestampsCmd.Flags().IntVar(&repairBatch, "batch", 500, "rows fetched per page")
	rootCmd.AddCommand(recomputeFeesCmd, repairTimestampsCmd)
}

func runRecomputeFees(cmd *cobra.Command, args []string) {
	cfg := readConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, repo := openStore(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	updated, err := repo.RecomputeBlobFees(ctx)
	if err != nil {
		slog.Error("Failed to recompute blob fees", "updated", updated, "error", err)
		os.Exit(1)
	}
	slog.Info("Blob fees recomputed", "updated", updated)
}

func runRepairTimestamps(cmd *cobra.Command, args []string) {
	cfg := readConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, repo := openStore(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()
	source, provider := openSource(cfg)
	defer func() {
		_ = provider.Close()
	}()

	res, err := backfill.RepairTimestamps(ctx, repo, source, repairBatch)
	if err != nil {
		slog.Error("Timestamp repair failed", "patched", res.Patched, "error", err)
		os.Exit(1)
	}
	slog.Info("Timestamp repair finished",
		"scanned", res.Scanned,
		"patched", res.Patched,
		"skipped", res.Skipped,
	)
}
