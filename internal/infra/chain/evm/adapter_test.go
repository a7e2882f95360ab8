package evm

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/blobwatch/internal/infra/chain"
	"github.com/vietddude/blobwatch/internal/infra/rpc"
)

// MockCaller implements rpc.Caller for testing.
type MockCaller struct {
	CallFunc func(ctx context.Context, method string, params []any) (any, error)
}

func (m *MockCaller) Call(ctx context.Context, method string, params []any) (any, error) {
	if m.CallFunc != nil {
		return m.CallFunc(ctx, method, params)
	}
	return nil, nil
}

func TestAdapter_GetLatestBlock(t *testing.T) {
	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (any, error) {
			if method == "eth_blockNumber" {
				return "0x12d687", nil // 1234567
			}
			return nil, nil
		},
	}

	height, err := NewAdapter(mock).GetLatestBlock(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if height != 1234567 {
		t.Errorf("expected height 1234567, got %d", height)
	}
}

func TestAdapter_GetBlock(t *testing.T) {
	var gotParams []any
	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (any, error) {
			gotParams = params
			return map[string]any{
				"number":        "0x1406f40",
				"hash":          "0xabc123",
				"timestamp":     "0x6627a5b7",
				"gasUsed":       "0xe4e1c0",
				"gasLimit":      "0x1c9c380",
				"baseFeePerGas": "0x3b9aca00",
				"blobGasUsed":   "0x60000",
				"excessBlobGas": "0x4c4b40",
			}, nil
		},
	}

	block, err := NewAdapter(mock).GetBlock(context.Background(), 21000000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotParams[0] != "0x1406f40" || gotParams[1] != false {
		t.Errorf("params = %v", gotParams)
	}
	if block.Number != 21000000 {
		t.Errorf("number = %d", block.Number)
	}
	if block.GasLimit != 30_000_000 || block.GasUsed != 15_000_000 {
		t.Errorf("gas = %d/%d", block.GasLimit, block.GasUsed)
	}
	if block.BaseFeePerGas.Int64() != 1_000_000_000 {
		t.Errorf("base fee = %s", block.BaseFeePerGas)
	}
	if block.BlobGasUsed == nil || *block.BlobGasUsed != 393216 {
		t.Errorf("blobGasUsed = %v", block.BlobGasUsed)
	}
	if block.ExcessBlobGas == nil || *block.ExcessBlobGas != 5_000_000 {
		t.Errorf("excessBlobGas = %v", block.ExcessBlobGas)
	}
	if block.Timestamp != 0x6627a5b7 {
		t.Errorf("timestamp = %d", block.Timestamp)
	}
}

func TestAdapter_GetBlock_PreCancun(t *testing.T) {
	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (any, error) {
			return map[string]any{
				"number":        "0x1",
				"timestamp":     "0x5",
				"gasUsed":       "0x0",
				"gasLimit":      "0x1388",
				"baseFeePerGas": "0x7",
			}, nil
		},
	}

	block, err := NewAdapter(mock).GetBlock(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block.BlobGasUsed != nil || block.ExcessBlobGas != nil {
		t.Errorf("blob fields should be nil before Cancun")
	}
}

func TestAdapter_GetBlock_NotFound(t *testing.T) {
	block, err := NewAdapter(&MockCaller{}).GetBlock(context.Background(), 99)
	if err != nil || block != nil {
		t.Errorf("got %v, %v; want nil, nil", block, err)
	}
}

func TestAdapter_GetBlock_Errors(t *testing.T) {
	tests := []struct {
		name   string
		result any
		err    error
	}{
		{"transport", nil, errors.New("connection refused")},
		{"wrong type", "0x1", nil},
		{"missing number", map[string]any{"gasLimit": "0x1"}, nil},
		{"bad hex", map[string]any{
			"number": "0x1", "gasLimit": "0x1", "gasUsed": "0x1", "timestamp": "0x1",
			"excessBlobGas": "zz",
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockCaller{
				CallFunc: func(ctx context.Context, method string, params []any) (any, error) {
					return tt.result, tt.err
				},
			}
			if _, err := NewAdapter(mock).GetBlock(context.Background(), 1); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// MockBatchCaller implements rpc.BatchCaller for testing.
type MockBatchCaller struct {
	MockCaller
	BatchFunc func(ctx context.Context, requests []rpc.BatchRequest) ([]rpc.BatchResponse, error)
}

func (m *MockBatchCaller) BatchCall(ctx context.Context, requests []rpc.BatchRequest) ([]rpc.BatchResponse, error) {
	return m.BatchFunc(ctx, requests)
}

func headerJSON(n uint64) map[string]any {
	return map[string]any{
		"number":        hexutil.EncodeUint64(n),
		"timestamp":     "0x6627a5b7",
		"gasUsed":       "0x0",
		"gasLimit":      "0x1c9c380",
		"baseFeePerGas": "0x7",
		"excessBlobGas": "0x0",
	}
}

func TestAdapter_GetBlocks(t *testing.T) {
	var got []rpc.BatchRequest
	mock := &MockBatchCaller{
		BatchFunc: func(ctx context.Context, requests []rpc.BatchRequest) ([]rpc.BatchResponse, error) {
			got = requests
			return []rpc.BatchResponse{
				{Result: headerJSON(100)},
				{Error: errors.New("header not found")},
				{Result: nil},
				{Result: headerJSON(999)},
			}, nil
		},
	}

	results, err := NewAdapter(mock).GetBlocks(context.Background(), 100, 103)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 4 || got[0].Method != "eth_getBlockByNumber" || got[3].Params[0] != "0x67" || got[3].Params[1] != false {
		t.Fatalf("requests = %+v", got)
	}
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	if results[0].Err != nil || results[0].Block == nil || results[0].Block.Number != 100 {
		t.Errorf("result 0 = %+v", results[0])
	}
	if results[1].Err == nil || results[1].Block != nil {
		t.Errorf("result 1 = %+v, want error", results[1])
	}
	if results[2].Err != nil || results[2].Block != nil {
		t.Errorf("result 2 = %+v, want not available", results[2])
	}
	if results[3].Err == nil || results[3].Block != nil {
		t.Errorf("result 3 = %+v, want number mismatch error", results[3])
	}
}

func TestAdapter_GetBlocksErrors(t *testing.T) {
	if _, err := NewAdapter(&MockCaller{}).GetBlocks(context.Background(), 1, 2); !errors.Is(err, chain.ErrBatchUnsupported) {
		t.Errorf("plain caller: err = %v, want ErrBatchUnsupported", err)
	}

	transport := errors.New("connection reset")
	mock := &MockBatchCaller{
		BatchFunc: func(ctx context.Context, requests []rpc.BatchRequest) ([]rpc.BatchResponse, error) {
			return nil, transport
		},
	}
	if _, err := NewAdapter(mock).GetBlocks(context.Background(), 1, 2); !errors.Is(err, transport) {
		t.Errorf("transport failure: err = %v", err)
	}
}
