package memory

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/vietddude/blobwatch/internal/core/domain"
	"github.com/vietddude/blobwatch/internal/core/fee"
	"github.com/vietddude/blobwatch/internal/infra/storage"
)

func block(n uint64) *domain.Block {
	return &domain.Block{Number: n, GasLimit: 30_000_000, BaseFeePerGas: big.NewInt(1_000_000_000)}
}

func TestBlockRepo_InsertIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockRepo(fee.MainnetSchedule())

	inserted, err := repo.Insert(ctx, block(10), storage.InsertOptions{})
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v; want true, nil", inserted, err)
	}

	inserted, err = repo.Insert(ctx, block(10), storage.InsertOptions{})
	if err != nil {
		t.Fatalf("duplicate insert returned error: %v", err)
	}
	if inserted {
		t.Error("duplicate insert reported inserted = true")
	}

	if n, _ := repo.CountBlocks(ctx); n != 1 {
		t.Errorf("CountBlocks = %d, want 1", n)
	}
}

func TestBlockRepo_GetLatestBlockNumber(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockRepo(fee.MainnetSchedule())

	if _, ok, err := repo.GetLatestBlockNumber(ctx); err != nil || ok {
		t.Fatalf("empty store: ok = %v, err = %v", ok, err)
	}

	for _, n := range []uint64{5, 12, 7} {
		_, _ = repo.Insert(ctx, block(n), storage.InsertOptions{})
	}

	num, ok, err := repo.GetLatestBlockNumber(ctx)
	if err != nil || !ok || num != 12 {
		t.Errorf("got %d, %v, %v; want 12, true, nil", num, ok, err)
	}
}

func TestBlockRepo_FindGaps(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockRepo(fee.MainnetSchedule())

	for _, n := range []uint64{10, 1, 8, 3, 7, 2} {
		_, _ = repo.Insert(ctx, block(n), storage.InsertOptions{})
	}

	gaps, err := repo.FindGaps(ctx)
	if err != nil {
		t.Fatalf("FindGaps: %v", err)
	}
	want := []domain.Gap{
		{AfterBlock: 3, BeforeBlock: 7, MissingCount: 3},
		{AfterBlock: 8, BeforeBlock: 10, MissingCount: 1},
	}
	if len(gaps) != len(want) {
		t.Fatalf("got %v, want %v", gaps, want)
	}
	for i := range want {
		if gaps[i] != want[i] {
			t.Errorf("gap %d = %+v, want %+v", i, gaps[i], want[i])
		}
	}
}

func TestBlockRepo_CleanupOldBlocks(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockRepo(fee.MainnetSchedule())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	repo.SetClock(func() time.Time { return now })

	_, _ = repo.Insert(ctx, block(1), storage.InsertOptions{}) // 8 days old at sweep
	now = base.Add(2 * 24 * time.Hour)
	_, _ = repo.Insert(ctx, block(2), storage.InsertOptions{}) // 6 days old
	now = base.Add(7 * 24 * time.Hour)
	_, _ = repo.Insert(ctx, block(3), storage.InsertOptions{}) // 1 day old

	now = base.Add(8 * 24 * time.Hour)
	deleted, err := repo.CleanupOldBlocks(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldBlocks: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	recs, _ := repo.ListRange(ctx, 0, 100)
	if len(recs) != 2 || recs[0].BlockNumber != 2 || recs[1].BlockNumber != 3 {
		t.Fatalf("remaining = %v", recs)
	}
	cutoff := now.Add(-7 * 24 * time.Hour)
	for _, r := range recs {
		if r.CreatedAt.Before(cutoff) {
			t.Errorf("block %d older than window survived", r.BlockNumber)
		}
	}
}

func TestBlockRepo_PatchTimestamp(t *testing.T) {
	ctx := context.Background()
	schedule := fee.MainnetSchedule()
	repo := NewBlockRepo(schedule)

	excess := uint64(10_000_000)
	b := block(50)
	b.ExcessBlobGas = &excess
	_, _ = repo.Insert(ctx, b, storage.InsertOptions{})

	missing, _ := repo.BlocksMissingTimestamp(ctx, 10)
	if len(missing) != 1 || missing[0] != 50 {
		t.Fatalf("BlocksMissingTimestamp = %v, want [50]", missing)
	}

	ts := time.Unix(int64(fee.BPO1.ActivationTime)+60, 0)
	patched, err := repo.PatchTimestamp(ctx, 50, ts)
	if err != nil || !patched {
		t.Fatalf("PatchTimestamp = %v, %v", patched, err)
	}

	recs, _ := repo.ListRange(ctx, 50, 50)
	if want := schedule.BlobBaseFee(excess, &ts); recs[0].BlobBaseFee.Cmp(want) != 0 {
		t.Errorf("blob fee after patch = %s, want %s", recs[0].BlobBaseFee, want)
	}

	patched, _ = repo.PatchTimestamp(ctx, 50, ts.Add(time.Hour))
	if patched {
		t.Error("second patch overwrote an existing timestamp")
	}
	if patched, _ := repo.PatchTimestamp(ctx, 999, ts); patched {
		t.Error("patched a block that does not exist")
	}
}

func TestBlockRepo_RecomputeBlobFees(t *testing.T) {
	ctx := context.Background()
	schedule := fee.MainnetSchedule()
	repo := NewBlockRepo(schedule)

	ts := time.Unix(int64(fee.Prague.ActivationTime)+1, 0)
	repo.Put(&domain.BlockRecord{
		BlockNumber:    1,
		BaseFee:        big.NewInt(1),
		ExcessBlobGas:  10_000_000,
		BlobBaseFee:    big.NewInt(12345), // stale value
		BlockTimestamp: &ts,
	})
	_, _ = repo.Insert(ctx, block(2), storage.InsertOptions{})

	updated, err := repo.RecomputeBlobFees(ctx)
	if err != nil {
		t.Fatalf("RecomputeBlobFees: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}

	recs, _ := repo.ListRange(ctx, 1, 1)
	if want := schedule.BlobBaseFee(10_000_000, &ts); recs[0].BlobBaseFee.Cmp(want) != 0 {
		t.Errorf("fee = %s, want %s", recs[0].BlobBaseFee, want)
	}
}

func TestBlockRepo_InsertCreatedAt(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockRepo(fee.MainnetSchedule())
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return clock })

	stamp := clock.Add(-time.Hour)
	_, _ = repo.Insert(ctx, block(1), storage.InsertOptions{CreatedAt: stamp})
	_, _ = repo.Insert(ctx, block(2), storage.InsertOptions{})

	recs, _ := repo.ListRange(ctx, 1, 2)
	if !recs[0].CreatedAt.Equal(stamp) {
		t.Errorf("explicit stamp: CreatedAt = %v, want %v", recs[0].CreatedAt, stamp)
	}
	if !recs[1].CreatedAt.Equal(clock) {
		t.Errorf("store clock: CreatedAt = %v, want %v", recs[1].CreatedAt, clock)
	}
}
