// Package rpc implements the JSON-RPC transport used to pull blocks from an
// execution client. It tracks per-endpoint health so operators can see a
// degrading provider before the liveness monitor trips.
package rpc

import (
	"context"
	"time"
)

// Caller is the minimal JSON-RPC surface chain adapters depend on.
type Caller interface {
	// Call performs one request. A JSON null result is returned as nil, nil.
	Call(ctx context.Context, method string, params []any) (any, error)
}

// BatchCaller is implemented by providers that can pipeline requests.
type BatchCaller interface {
	BatchCall(ctx context.Context, requests []BatchRequest) ([]BatchResponse, error)
}

// BatchRequest is one entry of a batched call.
type BatchRequest struct {
	Method string
	Params []any
}

// BatchResponse pairs with the BatchRequest at the same index.
type BatchResponse struct {
	Result any
	Error  error
}

// HealthStatus summarizes the provider's recent behaviour.
type HealthStatus struct {
	Available     bool
	Latency       time.Duration
	ErrorRate     float64
	LastSuccessAt time.Time
	LastFailureAt time.Time
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Requests  int
	Successes int
	Failures  int
}
