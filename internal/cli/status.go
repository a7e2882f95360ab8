package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored block window and any gaps",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := readConfig()

	ctx := context.Background()
	db, repo := openStore(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	count, err := repo.CountBlocks(ctx)
	if err != nil {
		slog.Error("Failed to count blocks", "error", err)
		os.Exit(1)
	}
	latest, ok, err := repo.GetLatestBlockNumber(ctx)
	if err != nil {
		slog.Error("Failed to query latest block", "error", err)
		os.Exit(1)
	}
	gaps, err := repo.FindGaps(ctx)
	if err != nil {
		slog.Error("Failed to find gaps", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STORED\tLATEST\tGAPS")
	latestStr := "-"
	if ok {
		latestStr = fmt.Sprint(latest)
	}
	_, _ = fmt.Fprintf(w, "%d\t%s\t%d\n", count, latestStr, len(gaps))
	_ = w.Flush()

	if ok {
		recs, err := repo.ListRange(ctx, latest, latest)
		if err == nil && len(recs) == 1 {
			rec := recs[0]
			epoch := repo.Schedule().EpochAt(rec.BlockTimestamp)
			fmt.Printf("\nblock %d: blob base fee %s wei, %d blobs, epoch %s\n",
				rec.BlockNumber, rec.BlobBaseFee, rec.BlobCount, epoch.Name)
		}
	}

	if len(gaps) == 0 {
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "FROM\tTO\tMISSING")
	for _, g := range gaps {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\n", g.From(), g.To(), g.MissingCount)
	}
	_ = w.Flush()
}
