package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := readConfig()

	db, _ := openStore(context.Background(), cfg)
	defer func() {
		_ = db.Close()
	}()

	if err := db.Migrate(); err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")
}
