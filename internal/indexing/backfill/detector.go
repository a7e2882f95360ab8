package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vietddude/blobwatch/internal/indexing/metrics"
	"github.com/vietddude/blobwatch/internal/infra/storage"
)

// SweepResult summarizes one gap sweep.
type SweepResult struct {
	Skipped bool // another sweep was already running
	Gaps    int
	Missing uint64
	Result
}

// Detector finds gaps in the store and hands them to a Backfiller.
// Only one sweep runs at a time; overlapping triggers are dropped.
type Detector struct {
	repo     storage.BlockRepository
	executor Backfiller
	running  atomic.Bool
	openGaps atomic.Int64
}

// NewDetector creates a new gap detector.
func NewDetector(repo storage.BlockRepository, executor Backfiller) *Detector {
	return &Detector{repo: repo, executor: executor}
}

// Sweep scans the whole table for gaps and backfills each one in ascending order.
func (d *Detector) Sweep(ctx context.Context) (SweepResult, error) {
	if !d.running.CompareAndSwap(false, true) {
		metrics.GapSweepsSkipped.Inc()
		slog.Debug("Gap sweep already running, skipping")
		return SweepResult{Skipped: true}, nil
	}
	defer d.running.Store(false)

	gaps, err := d.repo.FindGaps(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to find gaps: %w", err)
	}

	res := SweepResult{Gaps: len(gaps)}
	for _, g := range gaps {
		res.Missing += g.MissingCount
	}
	d.openGaps.Store(int64(res.Gaps))
	metrics.GapsOpen.Set(float64(res.Gaps))
	metrics.GapBlocksMissing.Set(float64(res.Missing))

	if len(gaps) == 0 {
		slog.Debug("Gap sweep found no gaps")
		return res, nil
	}
	slog.Info("Gap sweep found gaps", "gaps", res.Gaps, "missing", res.Missing)

	for _, g := range gaps {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		slog.Info("Backfilling gap",
			"after", g.AfterBlock,
			"before", g.BeforeBlock,
			"missing", g.MissingCount,
		)
		res.Add(d.executor.Backfill(ctx, g.From(), g.To()))
	}
	return res, nil
}

// Running reports whether a sweep is in progress.
func (d *Detector) Running() bool {
	return d.running.Load()
}

// OpenGaps returns the gap count found by the most recent sweep.
func (d *Detector) OpenGaps() int {
	return int(d.openGaps.Load())
}

// DefaultSweepInterval is used by Run for a non-positive interval.
const DefaultSweepInterval = 5 * time.Minute

// Run sweeps on a fixed interval until ctx is done. It does not sweep immediately.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Periodic gap sweep failed", "error", err)
			}
		}
	}
}
