package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/blobwatch/internal/core/domain"
	"github.com/vietddude/blobwatch/internal/core/fee"
	"github.com/vietddude/blobwatch/internal/infra/rpc"
	"github.com/vietddude/blobwatch/internal/infra/storage"
	"github.com/vietddude/blobwatch/internal/infra/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) Exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) Calls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func newTestLiveness() (*Liveness, *fakeClock, *exitRecorder) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	exits := &exitRecorder{}
	l := NewLiveness(LivenessConfig{CheckInterval: time.Millisecond, Threshold: 5 * time.Minute})
	l.SetClock(clock.Now)
	l.SetExit(exits.Exit)
	return l, clock, exits
}

func TestLiveness_NoExitWithinThreshold(t *testing.T) {
	l, clock, exits := newTestLiveness()

	clock.Advance(4 * time.Minute)
	if l.Check() {
		t.Error("Check reported stall within threshold")
	}

	l.Beat()
	clock.Advance(4 * time.Minute)
	if l.Check() {
		t.Error("Check reported stall after a fresh beat")
	}
	if len(exits.Calls()) != 0 {
		t.Errorf("exit called: %v", exits.Calls())
	}
}

func TestLiveness_ExitsOnStall(t *testing.T) {
	l, clock, exits := newTestLiveness()

	clock.Advance(5*time.Minute + time.Second)
	if !l.Check() {
		t.Fatal("Check did not detect stall")
	}
	calls := exits.Calls()
	if len(calls) != 1 || calls[0] != ExitCode {
		t.Errorf("exit calls = %v, want [%d]", calls, ExitCode)
	}
}

func TestLiveness_RunStopsAfterExit(t *testing.T) {
	l, clock, exits := newTestLiveness()
	clock.Advance(time.Hour)

	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stall")
	}
	if len(exits.Calls()) != 1 {
		t.Errorf("exit calls = %v", exits.Calls())
	}
}

func TestLiveness_RunStopsOnCancel(t *testing.T) {
	l, _, exits := newTestLiveness()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(exits.Calls()) != 0 {
		t.Errorf("exit called: %v", exits.Calls())
	}
}

type stubStream struct {
	streaming bool
	last      uint64
}

func (s *stubStream) StateName() string {
	if s.streaming {
		return "streaming"
	}
	return "reconnecting"
}
func (s *stubStream) Streaming() bool       { return s.streaming }
func (s *stubStream) LastProcessed() uint64 { return s.last }

func seededRepo(t *testing.T, nums ...uint64) storage.BlockRepository {
	t.Helper()
	repo := memory.NewBlockRepo(fee.MainnetSchedule())
	for _, n := range nums {
		if _, err := repo.Insert(context.Background(), &domain.Block{Number: n}, storage.InsertOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	return repo
}

func TestMonitor_Statuses(t *testing.T) {
	tests := []struct {
		name      string
		advance   time.Duration
		streaming bool
		want      SystemStatus
	}{
		{"fresh and streaming", time.Second, true, StatusHealthy},
		{"reconnecting", time.Second, false, StatusDegraded},
		{"slow", 3 * time.Minute, true, StatusDegraded},
		{"stalled", 6 * time.Minute, true, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, clock, _ := newTestLiveness()
			clock.Advance(tt.advance)
			m := NewMonitor("test", l, &stubStream{streaming: tt.streaming, last: 12}, nil, seededRepo(t, 10, 11, 12))

			report := m.CheckHealth(context.Background())
			if report.Status != tt.want {
				t.Errorf("status = %s, want %s", report.Status, tt.want)
			}
			if report.LatestStoredBlock != 12 || report.StoredBlocks != 3 || report.LastProcessedBlock != 12 {
				t.Errorf("report = %+v", report)
			}
		})
	}
}

func TestServer_Endpoints(t *testing.T) {
	l, clock, _ := newTestLiveness()
	stream := &stubStream{streaming: true, last: 5}
	srv := NewServer(NewMonitor("abc", l, stream, nil, seededRepo(t, 5)), 0)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/health code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.InstanceID != "abc" || report.LastProcessedBlock != 5 {
		t.Errorf("report = %+v", report)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics code = %d", rec.Code)
	}

	// A stalled heartbeat answers 503.
	clock.Advance(10 * time.Minute)
	fresh := NewServer(NewMonitor("abc", l, stream, nil, seededRepo(t, 5)), 0)
	rec = httptest.NewRecorder()
	fresh.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stalled /health code = %d, want 503", rec.Code)
	}
}

type stubSweeps struct{ gaps int }

func (s stubSweeps) Running() bool { return false }
func (s stubSweeps) OpenGaps() int { return s.gaps }

type stubUpstream struct{ rate float64 }

func (s stubUpstream) GetHealth() rpc.HealthStatus {
	return rpc.HealthStatus{Available: s.rate < 0.5, ErrorRate: s.rate}
}

func TestMonitor_SweepAndUpstream(t *testing.T) {
	l, _, _ := newTestLiveness()
	m := NewMonitor("test", l, &stubStream{streaming: true, last: 3}, stubSweeps{gaps: 2}, seededRepo(t, 1, 3))
	m.SetUpstream(stubUpstream{rate: 0.25})

	report := m.CheckHealth(context.Background())
	if report.OpenGaps != 2 {
		t.Errorf("OpenGaps = %d, want 2", report.OpenGaps)
	}
	if !report.UpstreamAvailable || report.UpstreamErrorRate != 0.25 {
		t.Errorf("upstream = %v / %v", report.UpstreamAvailable, report.UpstreamErrorRate)
	}
}

type stubPinger struct{ err error }

func (s stubPinger) Health(context.Context) error { return s.err }

func TestMonitor_StoreReachability(t *testing.T) {
	tests := []struct {
		name      string
		pinger    StorePinger
		reachable bool
		want      SystemStatus
	}{
		{"no pinger", nil, true, StatusHealthy},
		{"reachable", stubPinger{}, true, StatusHealthy},
		{"unreachable", stubPinger{err: errors.New("connection refused")}, false, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, _ := newTestLiveness()
			m := NewMonitor("test", l, &stubStream{streaming: true, last: 1}, nil, seededRepo(t, 1))
			if tt.pinger != nil {
				m.SetStore(tt.pinger)
			}

			report := m.CheckHealth(context.Background())
			if report.StoreReachable != tt.reachable {
				t.Errorf("StoreReachable = %v, want %v", report.StoreReachable, tt.reachable)
			}
			if report.Status != tt.want {
				t.Errorf("status = %s, want %s (errors %v)", report.Status, tt.want, report.Errors)
			}
		})
	}
}
