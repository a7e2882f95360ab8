package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/blobwatch/internal/indexing/metrics"
)

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPProvider implements Caller for JSON-RPC over HTTP.
type HTTPProvider struct {
	name       string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
	requestCount int
}

// NewHTTPProvider creates a new HTTP-based RPC provider.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		health: HealthStatus{
			Available:     true,
			LastSuccessAt: time.Now(),
		},
	}
}

// WithRateLimit caps outgoing requests. rps <= 0 disables limiting.
func (p *HTTPProvider) WithRateLimit(rps float64, burst int) *HTTPProvider {
	if rps <= 0 {
		p.limiter = nil
		return p
	}
	if burst < 1 {
		burst = 1
	}
	p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return p
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Call makes a single JSON-RPC call.
func (p *HTTPProvider) Call(ctx context.Context, method string, params []any) (any, error) {
	if params == nil {
		params = []any{}
	}
	reqBody := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}

	metrics.RPCCallsTotal.WithLabelValues(p.name, method).Inc()
	result, latency, err := p.call(ctx, reqBody)
	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(p.name, method).Inc()
		p.recordFailure()
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	metrics.RPCLatency.WithLabelValues(p.name, method).Observe(latency.Seconds())
	p.recordSuccess(latency)
	return result, nil
}

func (p *HTTPProvider) call(ctx context.Context, reqBody any) (any, time.Duration, error) {
	body, latency, err := p.post(ctx, reqBody)
	if err != nil {
		return nil, latency, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, latency, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, latency, resp.Error
	}

	result, err := decodeResult(resp.Result)
	return result, latency, err
}

// batchMethod labels batched requests in metrics.
const batchMethod = "batch"

// BatchCall makes multiple RPC calls in one request.
// Responses are matched back to requests by id, not by position.
func (p *HTTPProvider) BatchCall(ctx context.Context, requests []BatchRequest) ([]BatchResponse, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	batchReq := make([]map[string]any, len(requests))
	for i, req := range requests {
		params := req.Params
		if params == nil {
			params = []any{}
		}
		batchReq[i] = map[string]any{
			"jsonrpc": "2.0",
			"method":  req.Method,
			"params":  params,
			"id":      i + 1,
		}
	}

	metrics.RPCCallsTotal.WithLabelValues(p.name, batchMethod).Inc()
	body, latency, err := p.post(ctx, batchReq)
	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(p.name, batchMethod).Inc()
		p.recordFailure()
		return nil, fmt.Errorf("batch call: %w", err)
	}

	var batchResp []rpcResponse
	if err := json.Unmarshal(body, &batchResp); err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(p.name, batchMethod).Inc()
		p.recordFailure()
		return nil, fmt.Errorf("parse batch response: %w", err)
	}
	metrics.RPCLatency.WithLabelValues(p.name, batchMethod).Observe(latency.Seconds())
	sort.Slice(batchResp, func(i, j int) bool { return batchResp[i].ID < batchResp[j].ID })

	responses := make([]BatchResponse, len(requests))
	for i := range responses {
		responses[i] = BatchResponse{Error: fmt.Errorf("missing response for request %d", i+1)}
	}
	for _, r := range batchResp {
		idx := r.ID - 1
		if idx < 0 || idx >= len(requests) {
			continue
		}
		if r.Error != nil {
			responses[idx] = BatchResponse{Error: r.Error}
			continue
		}
		result, err := decodeResult(r.Result)
		responses[idx] = BatchResponse{Result: result, Error: err}
	}

	p.recordSuccess(latency)
	return responses, nil
}

func (p *HTTPProvider) post(ctx context.Context, payload any) ([]byte, time.Duration, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	latency := time.Since(start)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, latency, fmt.Errorf("rate limited (429), retry after: %s", resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, latency, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return body, latency, nil
}

func decodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

// GetName returns the provider's name.
func (p *HTTPProvider) GetName() string {
	return p.name
}

// GetHealth returns the provider's health status.
func (p *HTTPProvider) GetHealth() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// GetStats returns request counters.
func (p *HTTPProvider) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Requests:  p.requestCount,
		Successes: p.successCount,
		Failures:  p.failureCount,
	}
}

// Close cleans up resources.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *HTTPProvider) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successCount++
	p.requestCount++
	p.totalLatency += latency
	p.health.LastSuccessAt = time.Now()
	p.health.Available = true

	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)
	p.health.Latency = p.totalLatency / time.Duration(p.successCount)
}

func (p *HTTPProvider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCount++
	p.requestCount++
	p.health.LastFailureAt = time.Now()
	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)

	if p.health.ErrorRate > 0.5 {
		p.health.Available = false
	}
}
