// Package rescan drains operator-queued block ranges through the backfill
// executor. Ranges are pushed with `blobwatch backfill --enqueue` and kept in a
// Redis sorted set, so several instances can share one queue.
package rescan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/blobwatch/internal/indexing/backfill"
	"github.com/vietddude/blobwatch/internal/indexing/metrics"
)

// Queue is the shared range queue.
type Queue interface {
	PopRange(ctx context.Context) (start, end uint64, found bool, err error)
	PushRange(ctx context.Context, start, end uint64) error
	GetAllRanges(ctx context.Context) ([]string, error)
	ReplaceRanges(ctx context.Context, ranges [][2]uint64) error
	AcquireLock(ctx context.Context, start, end uint64, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, start, end uint64) error
}

// WorkerConfig holds configuration for the rescan worker.
type WorkerConfig struct {
	ChunkSize  uint64        // Max blocks per locked chunk (default: 500)
	LockTTL    time.Duration // Lock TTL (default: 5m)
	EmptySleep time.Duration // Sleep when queue empty (default: 10s)
}

// DefaultConfig returns default worker configuration.
func DefaultConfig() WorkerConfig {
	return WorkerConfig{
		ChunkSize:  500,
		LockTTL:    5 * time.Minute,
		EmptySleep: 10 * time.Second,
	}
}

// Worker processes rescan ranges from the queue.
type Worker struct {
	cfg      WorkerConfig
	queue    Queue
	executor backfill.Backfiller
	sleep    func(ctx context.Context, d time.Duration) error
	log      *slog.Logger
}

// NewWorker creates a new rescan worker.
func NewWorker(cfg WorkerConfig, queue Queue, executor backfill.Backfiller) *Worker {
	def := DefaultConfig()
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.EmptySleep <= 0 {
		cfg.EmptySleep = def.EmptySleep
	}
	return &Worker{
		cfg:      cfg,
		queue:    queue,
		executor: executor,
		sleep:    sleepContext,
		log:      slog.Default().With("component", "rescan"),
	}
}

// Run starts the worker loop.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Starting rescan worker")

	for {
		if ctx.Err() != nil {
			w.log.Info("Rescan worker stopped")
			return nil
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Error("Rescan iteration failed", "error", err)
			if w.sleep(ctx, w.cfg.EmptySleep) != nil {
				return nil
			}
		}
	}
}

// RunOnce merges the queue and processes at most one range. It sleeps when the
// queue is empty and reports whether a range was taken.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	// Try to merge ranges periodically
	if err := w.mergeQueueRanges(ctx); err != nil {
		w.log.Warn("Failed to merge ranges", "error", err)
	}

	start, end, found, err := w.queue.PopRange(ctx)
	if err != nil {
		return false, fmt.Errorf("pop range: %w", err)
	}
	if !found {
		_ = w.sleep(ctx, w.cfg.EmptySleep)
		return false, nil
	}

	w.processRange(ctx, Range{Start: start, End: end})
	return true, nil
}

// processRange backfills a range chunk by chunk. Chunks left over on shutdown
// go back on the queue.
func (w *Worker) processRange(ctx context.Context, full Range) {
	w.log.Info("Processing range", "start", full.Start, "end", full.End)

	var total backfill.Result
	chunks := full.Split(w.cfg.ChunkSize)
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			w.requeue(chunks[i:])
			return
		}

		res, err := w.processChunk(ctx, chunk)
		if err != nil {
			w.log.Error("Failed to process chunk", "start", chunk.Start, "end", chunk.End, "error", err)
			w.requeue(chunks[i:])
			return
		}
		total.Add(res)
	}

	metrics.RescanRangesProcessed.Inc()
	w.log.Info("Range completed",
		"start", full.Start,
		"end", full.End,
		"inserted", total.Inserted,
		"failed", total.Failed,
	)
}

// processChunk backfills one chunk under a lock so two instances never fetch
// the same numbers.
func (w *Worker) processChunk(ctx context.Context, chunk Range) (backfill.Result, error) {
	locked, err := w.queue.AcquireLock(ctx, chunk.Start, chunk.End, w.cfg.LockTTL)
	if err != nil {
		return backfill.Result{}, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		w.log.Debug("Chunk already locked by another worker", "start", chunk.Start, "end", chunk.End)
		return backfill.Result{}, nil
	}
	defer func() {
		if err := w.queue.ReleaseLock(context.WithoutCancel(ctx), chunk.Start, chunk.End); err != nil {
			w.log.Warn("Failed to release lock", "error", err)
		}
	}()

	return w.executor.Backfill(ctx, chunk.Start, chunk.End), nil
}

func (w *Worker) requeue(chunks []Range) {
	if len(chunks) == 0 {
		return
	}
	rest := Range{Start: chunks[0].Start, End: chunks[len(chunks)-1].End}
	// The caller's context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.PushRange(ctx, rest.Start, rest.End); err != nil {
		w.log.Error("Failed to re-queue range", "range", rest.String(), "error", err)
		return
	}
	w.log.Info("Re-queued remaining range", "range", rest.String())
}

// mergeQueueRanges merges overlapping/adjacent ranges in the queue.
func (w *Worker) mergeQueueRanges(ctx context.Context) error {
	rangeStrs, err := w.queue.GetAllRanges(ctx)
	if err != nil {
		return err
	}
	if len(rangeStrs) <= 1 {
		return nil // Nothing to merge
	}

	ranges, err := RangesFromStrings(rangeStrs)
	if err != nil {
		return err
	}

	merged := MergeRanges(ranges)
	if len(merged) == len(ranges) {
		return nil // No change
	}

	w.log.Info("Merging ranges", "before", len(ranges), "after", len(merged))

	pairs := make([][2]uint64, len(merged))
	for i, r := range merged {
		pairs[i] = [2]uint64{r.Start, r.End}
	}
	return w.queue.ReplaceRanges(ctx, pairs)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
