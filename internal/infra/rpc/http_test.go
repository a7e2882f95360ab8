package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler func(req map[string]any) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handler(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProvider_Call(t *testing.T) {
	srv := newTestServer(t, func(req map[string]any) any {
		if req["method"] != "eth_blockNumber" {
			t.Errorf("method = %v", req["method"])
		}
		return map[string]any{"jsonrpc": "2.0", "id": 1, "result": "0x10"}
	})

	p := NewHTTPProvider("test", srv.URL, 5*time.Second)
	got, err := p.Call(context.Background(), "eth_blockNumber", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "0x10" {
		t.Errorf("result = %v, want 0x10", got)
	}

	stats := p.GetStats()
	if stats.Requests != 1 || stats.Successes != 1 || stats.Failures != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if !p.GetHealth().Available {
		t.Error("provider should be available")
	}
}

func TestHTTPProvider_NullResult(t *testing.T) {
	srv := newTestServer(t, func(req map[string]any) any {
		return map[string]any{"jsonrpc": "2.0", "id": 1, "result": nil}
	})

	p := NewHTTPProvider("test", srv.URL, 5*time.Second)
	got, err := p.Call(context.Background(), "eth_getBlockByNumber", []any{"0x999999", false})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != nil {
		t.Errorf("result = %v, want nil", got)
	}
}

func TestHTTPProvider_RPCError(t *testing.T) {
	srv := newTestServer(t, func(req map[string]any) any {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32601, "message": "method not found"},
		}
	})

	p := NewHTTPProvider("test", srv.URL, 5*time.Second)
	_, err := p.Call(context.Background(), "eth_nope", nil)

	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("code = %d", rpcErr.Code)
	}
	if p.GetStats().Failures != 1 {
		t.Errorf("failure not recorded")
	}
}

func TestHTTPProvider_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", srv.URL, 5*time.Second)
	if _, err := p.Call(context.Background(), "eth_blockNumber", nil); err == nil {
		t.Fatal("expected error on 429")
	}
	if p.GetHealth().Available {
		t.Error("provider should be marked unavailable after failing every request")
	}
}

func TestHTTPProvider_BatchCallMatchesByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Out of order, with one error.
		_, _ = w.Write([]byte(`[
			{"jsonrpc":"2.0","id":3,"result":"0x3"},
			{"jsonrpc":"2.0","id":1,"result":"0x1"},
			{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"header not found"}}
		]`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", srv.URL, 5*time.Second)
	resps, err := p.BatchCall(context.Background(), []BatchRequest{
		{Method: "a"}, {Method: "b"}, {Method: "c"},
	})
	if err != nil {
		t.Fatalf("BatchCall: %v", err)
	}
	if resps[0].Result != "0x1" || resps[2].Result != "0x3" {
		t.Errorf("results = %+v", resps)
	}
	if resps[1].Error == nil {
		t.Error("expected error for request 2")
	}
}

func TestHTTPProvider_RateLimitHonoursContext(t *testing.T) {
	srv := newTestServer(t, func(req map[string]any) any {
		return map[string]any{"jsonrpc": "2.0", "id": 1, "result": "0x1"}
	})

	p := NewHTTPProvider("test", srv.URL, 5*time.Second).WithRateLimit(0.001, 1)
	if _, err := p.Call(context.Background(), "eth_blockNumber", nil); err != nil {
		t.Fatalf("first call should use the burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Call(ctx, "eth_blockNumber", nil); err == nil {
		t.Error("second call should fail waiting for the limiter")
	}
}
