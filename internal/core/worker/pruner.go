package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/blobwatch/internal/indexing/metrics"
	"github.com/vietddude/blobwatch/internal/infra/storage"
)

const (
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultPruneInterval = time.Hour
)

// Pruner deletes block records older than the retention window.
type Pruner struct {
	repo      storage.BlockRepository
	retention time.Duration
	interval  time.Duration
}

// NewPruner creates a new Pruner worker. Zero values take the defaults.
func NewPruner(repo storage.BlockRepository, retention, interval time.Duration) *Pruner {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{
		repo:      repo,
		retention: retention,
		interval:  interval,
	}
}

// Start prunes once immediately and then on every interval until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one retention pass. Errors are logged and the next pass retries.
func (p *Pruner) Prune(ctx context.Context) int64 {
	deleted, err := p.repo.CleanupOldBlocks(ctx, p.retention)
	if err != nil {
		slog.Error("[Pruner] failed to prune blocks", "retention", p.retention, "error", err)
		return 0
	}
	if deleted > 0 {
		metrics.RetentionDeleted.Add(float64(deleted))
		slog.Info("[Pruner] pruned old blocks", "deleted", deleted, "retention", p.retention)
	}
	return deleted
}
