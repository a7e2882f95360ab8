package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/blobwatch/internal/infra/chain"
	"github.com/vietddude/blobwatch/internal/infra/storage"
)

// RepairResult reports a timestamp repair pass.
type RepairResult struct {
	Scanned int
	Patched int
	Skipped int // upstream had no block or no timestamp
}

// RepairTimestamps refetches every stored block whose timestamp is null and
// patches it, which also recomputes its blob base fee under the right epoch.
// It pages through the store batch rows at a time and stops when a page makes
// no progress.
func RepairTimestamps(
	ctx context.Context,
	repo storage.BlockRepository,
	source chain.BlockSource,
	batch int,
) (RepairResult, error) {
	if batch <= 0 {
		batch = 500
	}

	var res RepairResult
	skipped := make(map[uint64]bool)
	for {
		limit := batch + len(skipped)
		nums, err := repo.BlocksMissingTimestamp(ctx, limit)
		if err != nil {
			return res, fmt.Errorf("list blocks missing timestamp: %w", err)
		}

		progress := false
		for _, n := range nums {
			if skipped[n] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Scanned++

			block, err := source.GetBlock(ctx, n)
			if err != nil || block == nil || block.Time() == nil {
				slog.Warn("Cannot repair timestamp", "block", n, "error", err)
				skipped[n] = true
				res.Skipped++
				continue
			}

			patched, err := repo.PatchTimestamp(ctx, n, *block.Time())
			if err != nil {
				return res, fmt.Errorf("patch block %d: %w", n, err)
			}
			if patched {
				res.Patched++
				progress = true
			}
		}

		if !progress || len(nums) < limit {
			return res, nil
		}
	}
}
