package storage

import (
	"math/big"
	"testing"
	"time"

	"github.com/vietddude/blobwatch/internal/core/domain"
	"github.com/vietddude/blobwatch/internal/core/fee"
)

func TestGapsFromSorted(t *testing.T) {
	tests := []struct {
		name string
		nums []uint64
		want []domain.Gap
	}{
		{"empty", nil, nil},
		{"single", []uint64{42}, nil},
		{"contiguous", []uint64{1, 2, 3, 4}, nil},
		{
			"two gaps",
			[]uint64{1, 2, 3, 7, 8, 10},
			[]domain.Gap{
				{AfterBlock: 3, BeforeBlock: 7, MissingCount: 3},
				{AfterBlock: 8, BeforeBlock: 10, MissingCount: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GapsFromSorted(tt.nums)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d gaps (%v), want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("gap %d: got %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNewRecord(t *testing.T) {
	schedule := fee.MainnetSchedule()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	blobGas := uint64(3*131072 + 5)
	excess := uint64(10_000_000)

	b := &domain.Block{
		Number:        100,
		GasLimit:      30_000_000,
		GasUsed:       12_000_000,
		BaseFeePerGas: big.NewInt(7),
		BlobGasUsed:   &blobGas,
		ExcessBlobGas: &excess,
		Timestamp:     uint64(fee.Prague.ActivationTime),
	}

	rec := NewRecord(b, schedule, now)

	if rec.BlobCount != 4 {
		t.Errorf("BlobCount = %d, want 4", rec.BlobCount)
	}
	if rec.BlockTimestamp == nil || rec.BlockTimestamp.Unix() != int64(fee.Prague.ActivationTime) {
		t.Errorf("BlockTimestamp = %v", rec.BlockTimestamp)
	}
	ts := rec.BlockTimestamp
	if want := schedule.BlobBaseFee(excess, ts); rec.BlobBaseFee.Cmp(want) != 0 {
		t.Errorf("BlobBaseFee = %s, want %s", rec.BlobBaseFee, want)
	}
	if !rec.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, now)
	}

	b.BaseFeePerGas.SetInt64(99)
	if rec.BaseFee.Int64() != 7 {
		t.Errorf("record aliases source base fee")
	}
}

func TestNewRecord_PreBlobBlock(t *testing.T) {
	rec := NewRecord(&domain.Block{Number: 1}, fee.MainnetSchedule(), time.Now())

	if rec.BlobCount != 0 || rec.ExcessBlobGas != 0 {
		t.Errorf("blob fields = %d/%d, want 0/0", rec.BlobCount, rec.ExcessBlobGas)
	}
	if rec.BlobBaseFee.Int64() != fee.MinBaseFeePerBlobGas {
		t.Errorf("BlobBaseFee = %s, want 1", rec.BlobBaseFee)
	}
	if rec.BaseFee == nil || rec.BaseFee.Sign() != 0 {
		t.Errorf("BaseFee = %v, want 0", rec.BaseFee)
	}
	if rec.BlockTimestamp != nil {
		t.Errorf("BlockTimestamp = %v, want nil", rec.BlockTimestamp)
	}
}
