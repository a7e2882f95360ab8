package config

import (
	"errors"
	"time"

	"github.com/vietddude/blobwatch/internal/core/fee"
	redisclient "github.com/vietddude/blobwatch/internal/infra/redis"
	"github.com/vietddude/blobwatch/internal/infra/storage/postgres"
)

// ErrMissingURL is returned when a required upstream URL is not configured.
var ErrMissingURL = errors.New("missing upstream url")

// ErrInvalidDuration is returned for a delay or interval that is not positive.
var ErrInvalidDuration = errors.New("duration must be positive")

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Database  postgres.Config    `yaml:"database"`
	Upstream  UpstreamConfig     `yaml:"upstream"`
	Ingest    IngestConfig       `yaml:"ingest"`
	Retention RetentionConfig    `yaml:"retention"`
	Liveness  LivenessConfig     `yaml:"liveness"`
	Redis     redisclient.Config `yaml:"redis"`
	Logging   LoggingConfig      `yaml:"logging"`
	FeeEpochs []fee.Epoch        `yaml:"fee_epochs"` // empty = mainnet schedule
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// UpstreamConfig holds the node endpoints.
type UpstreamConfig struct {
	WSURL     string  `yaml:"ws_url"`     // newHeads subscription
	HTTPURL   string  `yaml:"http_url"`   // block fetches
	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst int     `yaml:"rate_burst"`
}

// IngestConfig tunes backfill and the live stream.
type IngestConfig struct {
	ChunkSize        int           `yaml:"chunk_size"`
	ChunkDelay       time.Duration `yaml:"chunk_delay"`
	Concurrency      int           `yaml:"concurrency"` // per-chunk fetch cap, 0 = whole chunk
	RecentBlocks     uint64        `yaml:"recent_blocks"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	GapSweepInterval time.Duration `yaml:"gap_sweep_interval"`
}

// RetentionConfig holds the row retention window.
type RetentionConfig struct {
	Period   time.Duration `yaml:"period"`
	Interval time.Duration `yaml:"interval"`
}

// LivenessConfig holds stall detection settings.
type LivenessConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	Threshold     time.Duration `yaml:"threshold"`
}

// Schedule builds the fee schedule from FeeEpochs, falling back to mainnet.
func (c *AppConfig) Schedule() (*fee.Schedule, error) {
	if len(c.FeeEpochs) == 0 {
		return fee.MainnetSchedule(), nil
	}
	return fee.NewSchedule(c.FeeEpochs...)
}
