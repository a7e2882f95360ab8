package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/vietddude/blobwatch/internal/core/config"
	"github.com/vietddude/blobwatch/internal/infra/chain/evm"
	"github.com/vietddude/blobwatch/internal/infra/rpc"
	"github.com/vietddude/blobwatch/internal/infra/storage/postgres"
)

// openStore connects to Postgres or exits. Maintenance commands have no
// in-memory fallback since there would be nothing to maintain.
func openStore(ctx context.Context, cfg *config.AppConfig) (*postgres.DB, *postgres.BlockRepo) {
	if cfg.Database.URL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	schedule, err := cfg.Schedule()
	if err != nil {
		slog.Error("Invalid fee schedule", "error", err)
		os.Exit(1)
	}

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return db, postgres.NewBlockRepo(db, schedule).WithRetryConfig(cfg.Database.RetryConfig())
}

// openSource builds the HTTP block source or exits.
func openSource(cfg *config.AppConfig) (*evm.Adapter, *rpc.HTTPProvider) {
	if cfg.Upstream.HTTPURL == "" {
		slog.Error("HTTP_RPC_URL is required")
		os.Exit(1)
	}
	provider := rpc.NewHTTPProvider("upstream", cfg.Upstream.HTTPURL, 10*time.Second)
	if cfg.Upstream.RateLimit > 0 {
		provider.WithRateLimit(cfg.Upstream.RateLimit, cfg.Upstream.RateBurst)
	}
	return evm.NewAdapter(provider), provider
}
