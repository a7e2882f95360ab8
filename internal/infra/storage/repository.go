package storage

import (
	"context"
	"math/big"
	"time"

	"github.com/vietddude/blobwatch/internal/core/domain"
	"github.com/vietddude/blobwatch/internal/core/fee"
)

// InsertOptions tunes a single insert.
type InsertOptions struct {
	// Silent suppresses the per-block debug log line. Backfills set it.
	Silent bool

	// CreatedAt stamps the record. Zero means the store's clock.
	CreatedAt time.Time
}

// Stamp returns the creation time for a record inserted with o.
func (o InsertOptions) Stamp(now func() time.Time) time.Time {
	if !o.CreatedAt.IsZero() {
		return o.CreatedAt
	}
	return now()
}

// BlockRepository handles block record storage.
// Every write is idempotent on block number, so callers may interleave freely.
type BlockRepository interface {
	// Insert derives the record from the upstream block and stores it.
	// Returns false without error when the block number already exists.
	Insert(ctx context.Context, block *domain.Block, opts InsertOptions) (bool, error)

	// GetLatestBlockNumber returns the highest stored block number.
	// ok is false when the store is empty.
	GetLatestBlockNumber(ctx context.Context) (num uint64, ok bool, err error)

	// FindGaps reports every run of missing numbers between stored blocks.
	FindGaps(ctx context.Context) ([]domain.Gap, error)

	// CleanupOldBlocks deletes records created before now-retention.
	CleanupOldBlocks(ctx context.Context, retention time.Duration) (int64, error)

	// ListRange returns stored records in [from, to] ordered by number.
	ListRange(ctx context.Context, from, to uint64) ([]*domain.BlockRecord, error)

	// CountBlocks returns the number of stored records.
	CountBlocks(ctx context.Context) (int64, error)

	// BlocksMissingTimestamp returns up to limit block numbers with no timestamp.
	BlocksMissingTimestamp(ctx context.Context, limit int) ([]uint64, error)

	// PatchTimestamp sets a null timestamp and recomputes the blob base fee.
	// Returns false if the block is absent or already has a timestamp.
	PatchTimestamp(ctx context.Context, blockNumber uint64, ts time.Time) (bool, error)

	// RecomputeBlobFees rewrites blob base fees that disagree with the schedule.
	RecomputeBlobFees(ctx context.Context) (int64, error)
}

// NewRecord derives the persisted record from an upstream block.
// The blob base fee is always computed here, never taken from the source.
func NewRecord(b *domain.Block, schedule *fee.Schedule, now time.Time) *domain.BlockRecord {
	var excess, blobCount uint64
	if b.ExcessBlobGas != nil {
		excess = *b.ExcessBlobGas
	}
	if b.BlobGasUsed != nil {
		blobCount = fee.BlobCount(*b.BlobGasUsed)
	}

	baseFee := b.BaseFeePerGas
	if baseFee == nil {
		baseFee = new(big.Int)
	}

	ts := b.Time()
	return &domain.BlockRecord{
		BlockNumber:    b.Number,
		GasLimit:       b.GasLimit,
		GasUsed:        b.GasUsed,
		BaseFee:        new(big.Int).Set(baseFee),
		ExcessBlobGas:  excess,
		BlobCount:      blobCount,
		BlobBaseFee:    schedule.BlobBaseFee(excess, ts),
		BlockTimestamp: ts,
		CreatedAt:      now,
	}
}
