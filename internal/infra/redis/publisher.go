package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/blobwatch/internal/core/domain"
)

// EventBlockIndexed is the type of events published after a live insert.
const EventBlockIndexed = "block.indexed"

// BlockEvent is the JSON payload published for every newly stored live block.
// Fee values are decimal strings.
type BlockEvent struct {
	Type           string     `json:"type"`
	Instance       string     `json:"instance"`
	BlockNumber    uint64     `json:"block_number"`
	GasLimit       uint64     `json:"gas_limit"`
	GasUsed        uint64     `json:"gas_used"`
	BaseFee        string     `json:"base_fee"`
	ExcessBlobGas  uint64     `json:"excess_blob_gas"`
	BlobCount      uint64     `json:"blob_count"`
	BlobBaseFee    string     `json:"blob_base_fee"`
	BlockTimestamp *time.Time `json:"block_timestamp,omitempty"`
	IndexedAt      time.Time  `json:"indexed_at"`
}

// NewBlockEvent builds the event for a stored record.
func NewBlockEvent(instance string, rec *domain.BlockRecord) BlockEvent {
	ev := BlockEvent{
		Type:           EventBlockIndexed,
		Instance:       instance,
		BlockNumber:    rec.BlockNumber,
		GasLimit:       rec.GasLimit,
		GasUsed:        rec.GasUsed,
		ExcessBlobGas:  rec.ExcessBlobGas,
		BlobCount:      rec.BlobCount,
		BlockTimestamp: rec.BlockTimestamp,
		IndexedAt:      rec.CreatedAt,
	}
	if rec.BaseFee != nil {
		ev.BaseFee = rec.BaseFee.String()
	}
	if rec.BlobBaseFee != nil {
		ev.BlobBaseFee = rec.BlobBaseFee.String()
	}
	return ev
}

// PublishBlock sends a block.indexed event. Delivery is best effort and callers
// only log failures.
func (c *Client) PublishBlock(ctx context.Context, rec *domain.BlockRecord) error {
	data, err := json.Marshal(NewBlockEvent(c.instance, rec))
	if err != nil {
		return fmt.Errorf("failed to marshal block event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.publishTO)
	defer cancel()
	if err := c.rdb.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("publish block %d: %w", rec.BlockNumber, err)
	}
	return nil
}
