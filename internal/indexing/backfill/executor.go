package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/blobwatch/internal/core/domain"
	"github.com/vietddude/blobwatch/internal/indexing/metrics"
	"github.com/vietddude/blobwatch/internal/infra/chain"
	"github.com/vietddude/blobwatch/internal/infra/storage"
)

// Executor fetches and stores every number in a range.
type Executor struct {
	source chain.BlockSource
	repo   storage.BlockRepository
	config Config
	sleep  func(ctx context.Context, d time.Duration) error
	label  string

	noBatch atomic.Bool // set once the source reports it cannot batch
}

type fetchFunc func(ctx context.Context, n uint64) (*domain.Block, error)

var _ Backfiller = (*Executor)(nil)

// NewExecutor creates an executor. A non-positive ChunkSize takes the default.
func NewExecutor(source chain.BlockSource, repo storage.BlockRepository, config Config) *Executor {
	def := DefaultConfig()
	if config.ChunkSize <= 0 {
		config.ChunkSize = def.ChunkSize
	}
	if config.ChunkDelay < 0 {
		config.ChunkDelay = 0
	}
	return &Executor{
		source: source,
		repo:   repo,
		config: config,
		sleep:  sleepContext,
		label:  metrics.SourceBackfill,
	}
}

// WithMetricsSource labels inserted blocks with a different source.
func (e *Executor) WithMetricsSource(label string) *Executor {
	e.label = label
	return e
}

// Backfill populates [from, to]. It never fails as a whole: individual fetch or
// insert errors are logged, counted and left for the next gap sweep.
// Remaining chunks are abandoned once ctx is done.
func (e *Executor) Backfill(ctx context.Context, from, to uint64) Result {
	var total Result
	if from > to {
		return total
	}

	start := time.Now()
	metrics.BackfillRuns.Inc()
	defer func() { metrics.BackfillDuration.Observe(time.Since(start).Seconds()) }()

	chunk := uint64(e.config.ChunkSize)
	for lo := from; lo <= to; {
		hi := to
		if to-lo >= chunk {
			hi = lo + chunk - 1
		}

		total.Add(e.runChunk(ctx, lo, hi))

		if hi == to {
			break
		}
		lo = hi + 1

		if err := e.sleep(ctx, e.config.ChunkDelay); err != nil {
			slog.Warn("Backfill interrupted", "from", from, "to", to, "next", lo, "error", err)
			break
		}
	}

	slog.Info("Backfill finished",
		"from", from,
		"to", to,
		"attempted", total.Attempted,
		"inserted", total.Inserted,
		"failed", total.Failed,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return total
}

// runChunk fetches the chunk with one batch request when the source supports
// it, otherwise one request per number. Either way a failed number only skips
// that number.
func (e *Executor) runChunk(ctx context.Context, lo, hi uint64) Result {
	var inserted, failed atomic.Int64

	fetch := fetchFunc(e.source.GetBlock)
	if batch, ok := e.fetchBatch(ctx, lo, hi); ok {
		fetch = func(_ context.Context, n uint64) (*domain.Block, error) {
			r := batch[n-lo]
			return r.Block, r.Err
		}
	}

	var g errgroup.Group
	if e.config.Concurrency > 0 {
		g.SetLimit(e.config.Concurrency)
	}

	for n := lo; n <= hi; n++ {
		g.Go(func() error {
			ok, err := e.fetchAndStore(ctx, n, fetch)
			switch {
			case err != nil:
				failed.Add(1)
				slog.Warn("Backfill block failed", "block", n, "error", err)
			case ok:
				inserted.Add(1)
			}
			return nil
		})
		if n == hi {
			break // hi may be MaxUint64
		}
	}
	_ = g.Wait()

	return Result{
		Attempted: int(hi-lo) + 1,
		Inserted:  int(inserted.Load()),
		Failed:    int(failed.Load()),
	}
}

// fetchBatch returns per-number results for [lo, hi], or false when the chunk
// must be fetched one number at a time.
func (e *Executor) fetchBatch(ctx context.Context, lo, hi uint64) ([]chain.BlockResult, bool) {
	src, ok := e.source.(chain.BatchBlockSource)
	if !ok || e.noBatch.Load() {
		return nil, false
	}

	results, err := src.GetBlocks(ctx, lo, hi)
	if err == nil && uint64(len(results)) != hi-lo+1 {
		err = fmt.Errorf("got %d results for %d blocks", len(results), hi-lo+1)
	}
	switch {
	case errors.Is(err, chain.ErrBatchUnsupported):
		e.noBatch.Store(true)
		return nil, false
	case err != nil:
		slog.Warn("Batch fetch failed, fetching blocks individually", "from", lo, "to", hi, "error", err)
		return nil, false
	}
	return results, true
}

func (e *Executor) fetchAndStore(ctx context.Context, n uint64, fetch fetchFunc) (bool, error) {
	block, err := fetch(ctx, n)
	if err != nil {
		metrics.BlockFetchErrors.WithLabelValues(e.label).Inc()
		return false, err
	}
	if block == nil {
		metrics.BlockFetchErrors.WithLabelValues(e.label).Inc()
		return false, ErrBlockUnavailable
	}

	ok, err := e.repo.Insert(ctx, block, storage.InsertOptions{Silent: true})
	if err != nil {
		return false, err
	}
	if ok {
		metrics.BlocksIndexed.WithLabelValues(e.label).Inc()
	}
	return ok, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
