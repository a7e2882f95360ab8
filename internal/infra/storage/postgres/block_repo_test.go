package postgres

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/vietddude/blobwatch/internal/core/domain"
	"github.com/vietddude/blobwatch/internal/core/fee"
	"github.com/vietddude/blobwatch/internal/infra/storage"
)

// newTestRepo connects to BLOBWATCH_TEST_DATABASE_URL and starts from an empty table.
func newTestRepo(t *testing.T) *BlockRepo {
	t.Helper()

	url := os.Getenv("BLOBWATCH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BLOBWATCH_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := NewDB(ctx, Config{URL: url})
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE blob_fee_blocks`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewBlockRepo(db, fee.MainnetSchedule())
}

func testBlock(n uint64) *domain.Block {
	excess := uint64(20_000_000)
	used := uint64(2 * 131072)
	return &domain.Block{
		Number:        n,
		GasLimit:      36_000_000,
		GasUsed:       15_000_000,
		BaseFeePerGas: big.NewInt(3_500_000_000),
		BlobGasUsed:   &used,
		ExcessBlobGas: &excess,
		Timestamp:     fee.Prague.ActivationTime + n*12,
	}
}

func TestBlockRepo_Postgres(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, n := range []uint64{1, 2, 3, 7, 8, 10} {
		inserted, err := repo.Insert(ctx, testBlock(n), storage.InsertOptions{Silent: true})
		if err != nil || !inserted {
			t.Fatalf("insert %d = %v, %v", n, inserted, err)
		}
	}

	inserted, err := repo.Insert(ctx, testBlock(7), storage.InsertOptions{})
	if err != nil || inserted {
		t.Fatalf("duplicate insert = %v, %v; want false, nil", inserted, err)
	}

	latest, ok, err := repo.GetLatestBlockNumber(ctx)
	if err != nil || !ok || latest != 10 {
		t.Fatalf("latest = %d, %v, %v", latest, ok, err)
	}

	gaps, err := repo.FindGaps(ctx)
	if err != nil {
		t.Fatalf("FindGaps: %v", err)
	}
	want := []domain.Gap{
		{AfterBlock: 3, BeforeBlock: 7, MissingCount: 3},
		{AfterBlock: 8, BeforeBlock: 10, MissingCount: 1},
	}
	if len(gaps) != len(want) || gaps[0] != want[0] || gaps[1] != want[1] {
		t.Fatalf("gaps = %+v, want %+v", gaps, want)
	}

	recs, err := repo.ListRange(ctx, 7, 7)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListRange = %v, %v", recs, err)
	}
	b := testBlock(7)
	wantFee := fee.MainnetSchedule().BlobBaseFee(*b.ExcessBlobGas, b.Time())
	if recs[0].BlobBaseFee.Cmp(wantFee) != 0 {
		t.Errorf("blob_base_fee = %s, want %s", recs[0].BlobBaseFee, wantFee)
	}
	if recs[0].BlobCount != 2 {
		t.Errorf("blob_count = %d, want 2", recs[0].BlobCount)
	}

	if n, err := repo.RecomputeBlobFees(ctx); err != nil || n != 0 {
		t.Errorf("RecomputeBlobFees = %d, %v; want 0, nil", n, err)
	}
}

func TestBlockRepo_PostgresCleanup(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now()
	repo.now = func() time.Time { return now.Add(-8 * 24 * time.Hour) }
	if _, err := repo.Insert(ctx, testBlock(1), storage.InsertOptions{}); err != nil {
		t.Fatal(err)
	}
	repo.now = func() time.Time { return now }
	if _, err := repo.Insert(ctx, testBlock(2), storage.InsertOptions{}); err != nil {
		t.Fatal(err)
	}

	deleted, err := repo.CleanupOldBlocks(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldBlocks: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if count, _ := repo.CountBlocks(ctx); count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
