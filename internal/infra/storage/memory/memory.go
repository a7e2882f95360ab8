package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/blobwatch/internal/core/domain"
	"github.com/vietddude/blobwatch/internal/core/fee"
	"github.com/vietddude/blobwatch/internal/infra/storage"
)

// BlockRepo is an in-memory storage.BlockRepository.
type BlockRepo struct {
	mu       sync.RWMutex
	blocks   map[uint64]*domain.BlockRecord
	schedule *fee.Schedule
	now      func() time.Time
}

var _ storage.BlockRepository = (*BlockRepo)(nil)

func NewBlockRepo(schedule *fee.Schedule) *BlockRepo {
	return &BlockRepo{
		blocks:   make(map[uint64]*domain.BlockRecord),
		schedule: schedule,
		now:      time.Now,
	}
}

// SetClock replaces the clock used for created_at and retention.
func (r *BlockRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *BlockRepo) Insert(ctx context.Context, block *domain.Block, opts storage.InsertOptions) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.blocks[block.Number]; exists {
		return false, nil
	}
	r.blocks[block.Number] = storage.NewRecord(block, r.schedule, opts.Stamp(r.now))
	return true, nil
}

func (r *BlockRepo) GetLatestBlockNumber(ctx context.Context) (uint64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		max   uint64
		found bool
	)
	for num := range r.blocks {
		if !found || num > max {
			max, found = num, true
		}
	}
	return max, found, nil
}

func (r *BlockRepo) FindGaps(ctx context.Context) ([]domain.Gap, error) {
	r.mu.RLock()
	nums := make([]uint64, 0, len(r.blocks))
	for num := range r.blocks {
		nums = append(nums, num)
	}
	r.mu.RUnlock()

	return storage.GapsFromSorted(sortNumbers(nums)), nil
}

func (r *BlockRepo) CleanupOldBlocks(ctx context.Context, retention time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-retention)
	var deleted int64
	for num, rec := range r.blocks {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.blocks, num)
			deleted++
		}
	}
	return deleted, nil
}

func (r *BlockRepo) ListRange(ctx context.Context, from, to uint64) ([]*domain.BlockRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.BlockRecord
	for num, rec := range r.blocks {
		if num >= from && num <= to {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (r *BlockRepo) CountBlocks(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.blocks)), nil
}

func (r *BlockRepo) BlocksMissingTimestamp(ctx context.Context, limit int) ([]uint64, error) {
	r.mu.RLock()
	var nums []uint64
	for num, rec := range r.blocks {
		if rec.BlockTimestamp == nil {
			nums = append(nums, num)
		}
	}
	r.mu.RUnlock()

	nums = sortNumbers(nums)
	if limit > 0 && len(nums) > limit {
		nums = nums[:limit]
	}
	return nums, nil
}

func (r *BlockRepo) PatchTimestamp(ctx context.Context, blockNumber uint64, ts time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.blocks[blockNumber]
	if !ok || rec.BlockTimestamp != nil {
		return false, nil
	}
	t := ts.UTC()
	rec.BlockTimestamp = &t
	rec.BlobBaseFee = r.schedule.BlobBaseFee(rec.ExcessBlobGas, rec.BlockTimestamp)
	return true, nil
}

func (r *BlockRepo) RecomputeBlobFees(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var updated int64
	for _, rec := range r.blocks {
		want := r.schedule.BlobBaseFee(rec.ExcessBlobGas, rec.BlockTimestamp)
		if rec.BlobBaseFee == nil || rec.BlobBaseFee.Cmp(want) != 0 {
			rec.BlobBaseFee = want
			updated++
		}
	}
	return updated, nil
}

// Put stores a record as-is. Tests use it to seed rows with arbitrary state.
func (r *BlockRepo) Put(rec *domain.BlockRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[rec.BlockNumber] = copyRecord(rec)
}

func sortNumbers(nums []uint64) []uint64 {
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

func copyRecord(rec *domain.BlockRecord) *domain.BlockRecord {
	c := *rec
	if rec.BaseFee != nil {
		c.BaseFee = new(big.Int).Set(rec.BaseFee)
	}
	if rec.BlobBaseFee != nil {
		c.BlobBaseFee = new(big.Int).Set(rec.BlobBaseFee)
	}
	if rec.BlockTimestamp != nil {
		t := *rec.BlockTimestamp
		c.BlockTimestamp = &t
	}
	return &c
}
