package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/blobwatch/internal/core/domain"
	"github.com/vietddude/blobwatch/internal/infra/chain"
	"github.com/vietddude/blobwatch/internal/infra/rpc"
)

// Adapter reads block headers over JSON-RPC.
type Adapter struct {
	client rpc.Caller
}

var _ chain.BatchBlockSource = (*Adapter)(nil)

func NewAdapter(client rpc.Caller) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) GetLatestBlock(ctx context.Context) (uint64, error) {
	result, err := a.client.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber failed: %w", err)
	}

	blockHex, ok := result.(string)
	if !ok {
		return 0, fmt.Errorf("invalid block number response")
	}
	return hexutil.DecodeUint64(blockHex)
}

func (a *Adapter) GetBlock(ctx context.Context, blockNumber uint64) (*domain.Block, error) {
	result, err := a.client.Call(ctx, "eth_getBlockByNumber", []any{hexutil.EncodeUint64(blockNumber), false})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber failed: %w", err)
	}
	if result == nil {
		return nil, nil // not yet available
	}

	raw, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid block format")
	}
	return parseBlock(raw)
}

// GetBlocks fetches [from, to] with one batched eth_getBlockByNumber request.
// It returns chain.ErrBatchUnsupported when the client is not an rpc.BatchCaller.
func (a *Adapter) GetBlocks(ctx context.Context, from, to uint64) ([]chain.BlockResult, error) {
	batcher, ok := a.client.(rpc.BatchCaller)
	if !ok {
		return nil, chain.ErrBatchUnsupported
	}
	if from > to {
		return nil, nil
	}

	requests := make([]rpc.BatchRequest, 0, to-from+1)
	for n := from; ; n++ {
		requests = append(requests, rpc.BatchRequest{
			Method: "eth_getBlockByNumber",
			Params: []any{hexutil.EncodeUint64(n), false},
		})
		if n == to {
			break
		}
	}

	responses, err := batcher.BatchCall(ctx, requests)
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber batch failed: %w", err)
	}
	if len(responses) != len(requests) {
		return nil, fmt.Errorf("eth_getBlockByNumber batch: got %d responses for %d requests", len(responses), len(requests))
	}

	results := make([]chain.BlockResult, len(responses))
	for i, resp := range responses {
		n := from + uint64(i)
		switch {
		case resp.Error != nil:
			results[i].Err = fmt.Errorf("eth_getBlockByNumber %d failed: %w", n, resp.Error)
		case resp.Result == nil:
			// not yet available
		default:
			raw, ok := resp.Result.(map[string]any)
			if !ok {
				results[i].Err = fmt.Errorf("block %d: invalid block format", n)
				continue
			}
			block, err := parseBlock(raw)
			switch {
			case err != nil:
				results[i].Err = err
			case block.Number != n:
				results[i].Err = fmt.Errorf("requested block %d, got %d", n, block.Number)
			default:
				results[i].Block = block
			}
		}
	}
	return results, nil
}

// parseBlock maps the header fields we persist. Blob fields are absent before
// Cancun and stay nil.
func parseBlock(raw map[string]any) (*domain.Block, error) {
	number, err := requiredUint64(raw, "number")
	if err != nil {
		return nil, err
	}
	gasLimit, err := requiredUint64(raw, "gasLimit")
	if err != nil {
		return nil, err
	}
	gasUsed, err := requiredUint64(raw, "gasUsed")
	if err != nil {
		return nil, err
	}
	timestamp, err := requiredUint64(raw, "timestamp")
	if err != nil {
		return nil, err
	}

	block := &domain.Block{
		Number:    number,
		GasLimit:  gasLimit,
		GasUsed:   gasUsed,
		Timestamp: timestamp,
	}

	if s := getString(raw["baseFeePerGas"]); s != "" {
		fee, err := hexutil.DecodeBig(s)
		if err != nil {
			return nil, fmt.Errorf("block %d: baseFeePerGas: %w", number, err)
		}
		block.BaseFeePerGas = fee
	} else {
		block.BaseFeePerGas = new(big.Int)
	}

	if block.BlobGasUsed, err = optionalUint64(raw, "blobGasUsed"); err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}
	if block.ExcessBlobGas, err = optionalUint64(raw, "excessBlobGas"); err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}
	return block, nil
}

func requiredUint64(raw map[string]any, key string) (uint64, error) {
	s := getString(raw[key])
	if s == "" {
		return 0, fmt.Errorf("missing %s", key)
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func optionalUint64(raw map[string]any, key string) (*uint64, error) {
	s := getString(raw[key])
	if s == "" {
		return nil, nil
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &v, nil
}

func getString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
