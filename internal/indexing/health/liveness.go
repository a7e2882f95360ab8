package health

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ExitCode is passed to the exit function when ingestion stalls.
const ExitCode = 1

// LivenessConfig tunes stall detection.
type LivenessConfig struct {
	CheckInterval time.Duration // default: 60s
	Threshold     time.Duration // default: 5m
}

// DefaultLivenessConfig returns production values. The threshold is roughly
// 25 block intervals.
func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		CheckInterval: time.Minute,
		Threshold:     5 * time.Minute,
	}
}

// Liveness terminates the process when no block has been stored for too long.
// The live subscriber calls Beat after every successful insert.
type Liveness struct {
	config LivenessConfig
	now    func() time.Time
	exit   func(code int)

	mu   sync.RWMutex
	last time.Time
}

// NewLiveness creates a monitor whose clock starts now, so a fresh process gets
// a full threshold before the first block must land.
func NewLiveness(config LivenessConfig) *Liveness {
	def := DefaultLivenessConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	l := &Liveness{
		config: config,
		now:    time.Now,
		exit:   os.Exit,
	}
	l.last = l.now()
	return l
}

// SetClock replaces the clock and resets the heartbeat to it.
func (l *Liveness) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.last = now()
}

// SetExit replaces the process exit hook.
func (l *Liveness) SetExit(exit func(code int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exit = exit
}

// Beat records a successful insert.
func (l *Liveness) Beat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = l.now()
}

// LastBeat returns the time of the last successful insert.
func (l *Liveness) LastBeat() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// SinceBeat returns how long ago the last insert happened.
func (l *Liveness) SinceBeat() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now().Sub(l.last)
}

// Threshold returns the configured stall threshold.
func (l *Liveness) Threshold() time.Duration {
	return l.config.Threshold
}

// Check exits the process if the heartbeat is older than the threshold.
// It returns true when the stall was detected.
func (l *Liveness) Check() bool {
	l.mu.RLock()
	since := l.now().Sub(l.last)
	last := l.last
	exit := l.exit
	l.mu.RUnlock()

	if since <= l.config.Threshold {
		return false
	}

	slog.Error("No blocks stored within liveness threshold, exiting",
		"last_heartbeat", last.Format(time.RFC3339),
		"since", since.Round(time.Second),
		"threshold", l.config.Threshold,
	)
	exit(ExitCode)
	return true
}

// Run checks on the configured interval until ctx is done.
func (l *Liveness) Run(ctx context.Context) {
	ticker := time.NewTicker(l.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.Check() {
				return
			}
		}
	}
}
