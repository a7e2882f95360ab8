// Package backfill fills holes in the stored block sequence.
//
// # Design: Detect Locally, Fetch Upstream
//
// Gap detection reads only the store (0 RPC calls). The Executor is the only
// component that touches the node, and it bounds that load two ways:
//   - numbers are fetched in fixed-size chunks, concurrently within a chunk
//   - a short delay separates chunks
//
// Inserts are idempotent, so the Executor may be pointed at an already filled
// range or run concurrently with the live subscriber without coordination.
//
// # Usage
//
//	exec := backfill.NewExecutor(source, repo, backfill.DefaultConfig())
//	exec.Backfill(ctx, 1000, 1200)
//
//	detector := backfill.NewDetector(repo, exec)
//	go detector.Run(ctx, 5*time.Minute)
package backfill

import (
	"context"
	"errors"
	"time"
)

// ErrBlockUnavailable is recorded when the node has no block for a number yet.
var ErrBlockUnavailable = errors.New("block not available upstream")

// Result reports the outcome of one Backfill call.
type Result struct {
	Attempted int
	Inserted  int
	Failed    int
}

// Add accumulates another result.
func (r *Result) Add(o Result) {
	r.Attempted += o.Attempted
	r.Inserted += o.Inserted
	r.Failed += o.Failed
}

// Backfiller populates an inclusive block range.
type Backfiller interface {
	Backfill(ctx context.Context, from, to uint64) Result
}

// Config controls chunking and throttling.
type Config struct {
	ChunkSize   int           // numbers per chunk (default: 50)
	ChunkDelay  time.Duration // pause between chunks (default: 200ms)
	Concurrency int           // fetch limit within a chunk; 0 means the whole chunk
}

// DefaultConfig returns the production chunking parameters.
func DefaultConfig() Config {
	return Config{
		ChunkSize:  50,
		ChunkDelay: 200 * time.Millisecond,
	}
}
