// Package health provides liveness enforcement and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains the full ingestion health report.
type Report struct {
	Status             SystemStatus `json:"status"`
	InstanceID         string       `json:"instance_id,omitempty"`
	StreamState        string       `json:"stream_state"`
	LastProcessedBlock uint64       `json:"last_processed_block"`
	LatestStoredBlock  uint64       `json:"latest_stored_block"`
	StoredBlocks       int64        `json:"stored_blocks"`
	LastHeartbeat      time.Time    `json:"last_heartbeat"`
	SinceHeartbeat     string       `json:"since_heartbeat"`
	GapSweepRunning    bool         `json:"gap_sweep_running"`
	OpenGaps           int          `json:"open_gaps"`
	UpstreamAvailable  bool         `json:"upstream_available"`
	UpstreamErrorRate  float64      `json:"upstream_error_rate"`
	StoreReachable     bool         `json:"store_reachable"`
	Errors             []string     `json:"errors,omitempty"`
}
