package domain

import (
	"math/big"
	"time"
)

// Block is a block header as reported by the upstream node.
type Block struct {
	Number        uint64
	GasLimit      uint64
	GasUsed       uint64
	BaseFeePerGas *big.Int
	BlobGasUsed   *uint64 // nil before blobs existed
	ExcessBlobGas *uint64 // nil before blobs existed
	Timestamp     uint64  // unix seconds, 0 when unknown
}

// Time returns the block timestamp, or nil when the node did not report one.
func (b *Block) Time() *time.Time {
	if b.Timestamp == 0 {
		return nil
	}
	t := time.Unix(int64(b.Timestamp), 0).UTC()
	return &t
}

// BlockRecord is the persisted row for one block number.
type BlockRecord struct {
	BlockNumber    uint64
	GasLimit       uint64
	GasUsed        uint64
	BaseFee        *big.Int
	ExcessBlobGas  uint64
	BlobCount      uint64
	BlobBaseFee    *big.Int
	BlockTimestamp *time.Time
	CreatedAt      time.Time
}

// Gap is a run of missing block numbers strictly between two stored blocks.
type Gap struct {
	AfterBlock   uint64
	BeforeBlock  uint64
	MissingCount uint64
}

// From returns the first missing block number.
func (g Gap) From() uint64 { return g.AfterBlock + 1 }

// To returns the last missing block number.
func (g Gap) To() uint64 { return g.BeforeBlock - 1 }
