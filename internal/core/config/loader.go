package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Defaults.
const (
	DefaultPort             = 8080
	DefaultChunkSize        = 50
	DefaultChunkDelay       = 200 * time.Millisecond
	DefaultRecentBlocks     = 110
	DefaultReconnectDelay   = 5 * time.Second
	DefaultGapSweepInterval = 5 * time.Minute
	DefaultRetention        = 7 * 24 * time.Hour
	DefaultRetentionSweep   = time.Hour
	DefaultLivenessInterval = time.Minute
	DefaultLivenessStall    = 5 * time.Minute
)

// Load reads and validates the service configuration. See Read.
func Load(path string) (*AppConfig, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads configuration from a YAML file, then applies environment
// overrides and defaults without validating. A missing file is not an error:
// the service then runs from the environment alone. A .env file in the working
// directory is loaded first if present. Maintenance commands that only need
// the store use Read directly.
func Read(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	var cfg AppConfig
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			// Expand environment variables in the YAML content
			expandedData := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv lets the environment override the file.
func applyEnv(cfg *AppConfig) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("DATABASE_URL", &cfg.Database.URL)
	setString("DATABASE_DRIVER", &cfg.Database.Driver)
	setString("WS_RPC_URL", &cfg.Upstream.WSURL)
	setString("HTTP_RPC_URL", &cfg.Upstream.HTTPURL)
	setString("REDIS_URL", &cfg.Redis.URL)
	setString("LOG_LEVEL", &cfg.Logging.Level)

	if v := os.Getenv("HEALTH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HEALTH_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("RETENTION_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RETENTION_PERIOD %q: %w", v, err)
		}
		cfg.Retention.Period = d
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	in := &cfg.Ingest
	if in.ChunkSize == 0 {
		in.ChunkSize = DefaultChunkSize
	}
	if in.ChunkDelay == 0 {
		in.ChunkDelay = DefaultChunkDelay
	}
	if in.RecentBlocks == 0 {
		in.RecentBlocks = DefaultRecentBlocks
	}
	if in.ReconnectDelay == 0 {
		in.ReconnectDelay = DefaultReconnectDelay
	}
	if in.GapSweepInterval == 0 {
		in.GapSweepInterval = DefaultGapSweepInterval
	}

	if cfg.Retention.Period == 0 {
		cfg.Retention.Period = DefaultRetention
	}
	if cfg.Retention.Interval == 0 {
		cfg.Retention.Interval = DefaultRetentionSweep
	}
	if cfg.Liveness.CheckInterval == 0 {
		cfg.Liveness.CheckInterval = DefaultLivenessInterval
	}
	if cfg.Liveness.Threshold == 0 {
		cfg.Liveness.Threshold = DefaultLivenessStall
	}
}

// Validate checks the settings the service cannot run without.
func (c *AppConfig) Validate() error {
	if c.Upstream.WSURL == "" {
		return fmt.Errorf("%w: WS_RPC_URL (upstream.ws_url)", ErrMissingURL)
	}
	if c.Upstream.HTTPURL == "" {
		return fmt.Errorf("%w: HTTP_RPC_URL (upstream.http_url)", ErrMissingURL)
	}
	if c.Retention.Period < 0 {
		return fmt.Errorf("retention period must be positive, got %s", c.Retention.Period)
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"ingest.chunk_delay", c.Ingest.ChunkDelay},
		{"ingest.reconnect_delay", c.Ingest.ReconnectDelay},
		{"ingest.gap_sweep_interval", c.Ingest.GapSweepInterval},
		{"retention.interval", c.Retention.Interval},
		{"liveness.check_interval", c.Liveness.CheckInterval},
		{"liveness.threshold", c.Liveness.Threshold},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%w: %s = %s", ErrInvalidDuration, d.key, d.val)
		}
	}
	if c.Ingest.ChunkSize < 0 || c.Ingest.Concurrency < 0 {
		return fmt.Errorf("ingest chunk_size and concurrency must not be negative")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	if _, err := c.Schedule(); err != nil {
		return fmt.Errorf("fee_epochs: %w", err)
	}
	return nil
}
