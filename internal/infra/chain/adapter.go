package chain

import (
	"context"
	"errors"

	"github.com/vietddude/blobwatch/internal/core/domain"
)

// BlockSource fetches blocks on demand.
type BlockSource interface {
	// GetLatestBlock returns the latest block number on the chain.
	GetLatestBlock(ctx context.Context) (uint64, error)

	// GetBlock fetches a block by number. It returns nil, nil when the node
	// does not have the block yet.
	GetBlock(ctx context.Context, blockNumber uint64) (*domain.Block, error)
}

// ErrBatchUnsupported is returned by GetBlocks when the transport cannot batch.
var ErrBatchUnsupported = errors.New("batch requests not supported")

// BlockResult is one entry of a batched fetch. Block is nil when the node
// does not have the block yet.
type BlockResult struct {
	Block *domain.Block
	Err   error
}

// BatchBlockSource is a BlockSource that can fetch a range in one round trip.
type BatchBlockSource interface {
	BlockSource

	// GetBlocks returns one result per number in [from, to], in order.
	// A returned error means the whole batch failed; per-number failures
	// are reported in the matching BlockResult.
	GetBlocks(ctx context.Context, from, to uint64) ([]BlockResult, error)
}

// HeadSource opens push subscriptions for new block heads.
type HeadSource interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a live stream of head numbers.
// Err delivers at most one value; after it fires Heads is no longer fed.
type Subscription interface {
	Heads() <-chan uint64
	Err() <-chan error
	Close()
}
