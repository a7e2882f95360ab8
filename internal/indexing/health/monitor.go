package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/blobwatch/internal/infra/rpc"
	"github.com/vietddude/blobwatch/internal/infra/storage"
)

// StreamStatus is implemented by the live subscriber.
type StreamStatus interface {
	StateName() string
	Streaming() bool
	LastProcessed() uint64
}

// SweepStatus is implemented by the gap detector.
type SweepStatus interface {
	Running() bool
	OpenGaps() int
}

// UpstreamStatus is implemented by the RPC provider.
type UpstreamStatus interface {
	GetHealth() rpc.HealthStatus
}

// StorePinger checks that the backing database answers.
type StorePinger interface {
	Health(ctx context.Context) error
}

// Monitor aggregates health status from the ingestion components.
type Monitor struct {
	instanceID string
	liveness   *Liveness
	stream     StreamStatus
	sweeps     SweepStatus
	repo       storage.BlockRepository
	upstream   UpstreamStatus
	store      StorePinger
	cacheFor   time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a new health monitor. sweeps may be nil.
func NewMonitor(
	instanceID string,
	liveness *Liveness,
	stream StreamStatus,
	sweeps SweepStatus,
	repo storage.BlockRepository,
) *Monitor {
	return &Monitor{
		instanceID: instanceID,
		liveness:   liveness,
		stream:     stream,
		sweeps:     sweeps,
		repo:       repo,
		cacheFor:   5 * time.Second,
	}
}

// SetUpstream adds the upstream provider's error rate to reports.
func (m *Monitor) SetUpstream(u UpstreamStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstream = u
}

// SetStore adds a database reachability check to reports.
func (m *Monitor) SetStore(p StorePinger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = p
}

// CheckHealth builds a report. Results are cached briefly so probes don't hammer the store.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	report := Report{
		Status:             StatusHealthy,
		InstanceID:         m.instanceID,
		StreamState:        m.stream.StateName(),
		LastProcessedBlock: m.stream.LastProcessed(),
		LastHeartbeat:      m.liveness.LastBeat().UTC(),
	}
	since := m.liveness.SinceBeat()
	report.SinceHeartbeat = since.Round(time.Second).String()
	if m.sweeps != nil {
		report.GapSweepRunning = m.sweeps.Running()
		report.OpenGaps = m.sweeps.OpenGaps()
	}
	if m.upstream != nil {
		h := m.upstream.GetHealth()
		report.UpstreamAvailable = h.Available
		report.UpstreamErrorRate = h.ErrorRate
	}

	report.StoreReachable = true
	if m.store != nil {
		if err := m.store.Health(ctx); err != nil {
			report.StoreReachable = false
			report.Errors = append(report.Errors, "store: "+err.Error())
		}
	}

	if latest, ok, err := m.repo.GetLatestBlockNumber(ctx); err != nil {
		report.Errors = append(report.Errors, "latest block: "+err.Error())
	} else if ok {
		report.LatestStoredBlock = latest
	}
	if count, err := m.repo.CountBlocks(ctx); err != nil {
		report.Errors = append(report.Errors, "count blocks: "+err.Error())
	} else {
		report.StoredBlocks = count
	}

	threshold := m.liveness.Threshold()
	switch {
	case since > threshold:
		report.Status = StatusCritical
	case since > threshold/2 || !m.stream.Streaming() || len(report.Errors) > 0:
		report.Status = StatusDegraded
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}
