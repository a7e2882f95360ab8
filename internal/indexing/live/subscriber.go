// Package live keeps the store current from the upstream newHeads stream.
//
// Each connection goes through the same sequence:
//
//  1. subscribe (Connecting -> Streaming)
//  2. full gap sweep over the store
//  3. backfill of the most recent blocks up to the chain head
//  4. per-head processing until the stream fails
//
// A failed stream moves to Reconnecting and the sequence restarts after the
// reconnect delay. Heads that arrive while steps 2 and 3 run are not dropped:
// the highest one is processed as soon as startup completes.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/blobwatch/internal/core/domain"
	"github.com/vietddude/blobwatch/internal/core/fee"
	"github.com/vietddude/blobwatch/internal/indexing/backfill"
	"github.com/vietddude/blobwatch/internal/indexing/metrics"
	"github.com/vietddude/blobwatch/internal/infra/chain"
	"github.com/vietddude/blobwatch/internal/infra/storage"
)

// ErrStreamClosed is returned when the head channel closes without an error.
var ErrStreamClosed = errors.New("head stream closed")

// ErrAlreadyRunning is returned by Run when the subscriber is already running.
var ErrAlreadyRunning = errors.New("subscriber already running")

// errReconnectRequested ends a session on an explicit Reconnect call.
var errReconnectRequested = errors.New("reconnect requested")

// State is the subscriber's connection state.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Heartbeat is notified after every successful live insert.
type Heartbeat interface {
	Beat()
}

// Sweeper runs a full gap sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (backfill.SweepResult, error)
}

// BlockPublisher receives every newly stored live block.
type BlockPublisher interface {
	PublishBlock(ctx context.Context, rec *domain.BlockRecord) error
}

// ReconnectDelay returns the wait before reconnect attempt n (starting at 1).
type ReconnectDelay func(attempt int) time.Duration

// FixedDelay waits the same duration before every attempt.
func FixedDelay(d time.Duration) ReconnectDelay {
	return func(int) time.Duration { return d }
}

// Config tunes the subscriber.
type Config struct {
	RecentBlocks   uint64         // blocks backfilled behind the head on connect (default: 110)
	ReconnectDelay ReconnectDelay // default: FixedDelay(5s)
}

// DefaultConfig returns production values.
func DefaultConfig() Config {
	return Config{
		RecentBlocks:   110,
		ReconnectDelay: FixedDelay(5 * time.Second),
	}
}

// Deps are the collaborators a Subscriber drives. Sweeper, Heartbeat and
// Publisher are optional.
type Deps struct {
	Heads     chain.HeadSource
	Source    chain.BlockSource
	Repo      storage.BlockRepository
	Executor  backfill.Backfiller
	Sweeper   Sweeper
	Heartbeat Heartbeat
	Publisher BlockPublisher
	Schedule  *fee.Schedule
}

// Subscriber owns the stream connection and the per-head handler.
type Subscriber struct {
	deps   Deps
	config Config
	sleep  func(ctx context.Context, d time.Duration) error

	running       atomic.Bool
	state         atomic.Int32
	lastProcessed atomic.Uint64
	reconnecting  atomic.Bool

	mu            sync.Mutex
	cancelSession context.CancelFunc

	backfills sync.WaitGroup
}

// NewSubscriber creates a subscriber in the Connecting state.
func NewSubscriber(deps Deps, config Config) *Subscriber {
	def := DefaultConfig()
	if config.RecentBlocks == 0 {
		config.RecentBlocks = def.RecentBlocks
	}
	if config.ReconnectDelay == nil {
		config.ReconnectDelay = def.ReconnectDelay
	}
	if deps.Schedule == nil {
		deps.Schedule = fee.MainnetSchedule()
	}
	return &Subscriber{
		deps:   deps,
		config: config,
		sleep:  sleepContext,
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// StateName returns the current state as a string.
func (s *Subscriber) StateName() string {
	return s.State().String()
}

// Streaming reports whether the subscriber is attached to a live stream.
func (s *Subscriber) Streaming() bool {
	return s.State() == StateStreaming
}

// LastProcessed returns the highest head the live handler has stored.
// Backfills never move it.
func (s *Subscriber) LastProcessed() uint64 {
	return s.lastProcessed.Load()
}

// Reconnecting reports whether a reconnect is pending.
func (s *Subscriber) Reconnecting() bool {
	return s.reconnecting.Load()
}

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
	metrics.StreamState.Set(float64(st))
}

// Run connects and processes heads until ctx is done. Stream failures are
// retried forever with the configured delay.
func (s *Subscriber) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	attempt := 0
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.reconnecting.Store(true)
		s.setState(StateReconnecting)
		metrics.StreamReconnects.Inc()

		// Consecutive failures count only while no stream could be established.
		if connected {
			attempt = 0
		}
		attempt++
		delay := s.config.ReconnectDelay(attempt)
		slog.Warn("Head stream lost, reconnecting",
			"error", err,
			"attempt", attempt,
			"delay", delay,
			"last_processed", s.LastProcessed(),
		)

		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
		s.reconnecting.Store(false)
	}
}

// Reconnect tears down the current stream so Run reconnects. It returns
// false if a reconnect is already pending or no session is active.
func (s *Subscriber) Reconnect() bool {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	cancel := s.cancelSession
	s.mu.Unlock()
	if cancel == nil {
		s.reconnecting.Store(false)
		return false
	}
	cancel()
	return true
}

// Wait blocks until every in-stream gap backfill has finished.
func (s *Subscriber) Wait() {
	s.backfills.Wait()
}

// session runs one connection from subscribe to failure. connected reports
// whether the subscription was established.
func (s *Subscriber) session(ctx context.Context) (connected bool, err error) {
	s.setState(StateConnecting)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelSession = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelSession = nil
		s.mu.Unlock()
	}()

	sub, err := s.deps.Heads.Subscribe(sessCtx)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	s.setState(StateStreaming)
	slog.Info("Head stream connected")

	startupDone := make(chan error, 1)
	go func() { startupDone <- s.startup(sessCtx) }()

	var (
		started bool
		pending uint64
	)
	for {
		select {
		case <-sessCtx.Done():
			if ctx.Err() == nil {
				return true, errReconnectRequested
			}
			return true, ctx.Err()

		case err := <-sub.Err():
			return true, err

		case err := <-startupDone:
			if err != nil {
				return true, fmt.Errorf("startup: %w", err)
			}
			started = true
			startupDone = nil
			if pending > s.LastProcessed() {
				s.HandleHead(ctx, pending)
			}

		case n, ok := <-sub.Heads():
			if !ok {
				return true, ErrStreamClosed
			}
			if !started {
				if n > pending {
					pending = n
				}
				continue
			}
			s.HandleHead(ctx, n)
		}
	}
}

// startup heals historical gaps and then the recent window behind the head.
func (s *Subscriber) startup(ctx context.Context) error {
	if s.deps.Sweeper != nil {
		res, err := s.deps.Sweeper.Sweep(ctx)
		switch {
		case err != nil:
			slog.Error("Startup gap sweep failed", "error", err)
		case !res.Skipped && res.Gaps > 0:
			slog.Info("Startup gap sweep done", "gaps", res.Gaps, "inserted", res.Inserted, "failed", res.Failed)
		}
	}

	latest, err := s.deps.Source.GetLatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}
	metrics.ChainLatestBlock.Set(float64(latest))

	var from uint64
	if latest+1 > s.config.RecentBlocks {
		from = latest + 1 - s.config.RecentBlocks
	}
	slog.Info("Backfilling recent blocks", "from", from, "to", latest)
	s.deps.Executor.Backfill(ctx, from, latest)

	s.advance(latest)
	if s.deps.Heartbeat != nil {
		s.deps.Heartbeat.Beat()
	}
	return nil
}

// HandleHead stores one announced head. A jump past lastProcessed+1 starts an
// asynchronous backfill of the skipped numbers; the head itself is stored first
// without waiting for it.
func (s *Subscriber) HandleHead(ctx context.Context, n uint64) {
	metrics.ChainLatestBlock.Set(float64(n))

	last := s.LastProcessed()
	if last != 0 && n > last+1 {
		s.backfillAsync(ctx, last+1, n-1)
	}

	block, err := s.deps.Source.GetBlock(ctx, n)
	if err != nil || block == nil {
		if err == nil {
			err = backfill.ErrBlockUnavailable
		}
		metrics.BlockFetchErrors.WithLabelValues(metrics.SourceLive).Inc()
		slog.Warn("Failed to fetch head block", "block", n, "error", err)
		return
	}

	now := time.Now().UTC()
	inserted, err := s.deps.Repo.Insert(ctx, block, storage.InsertOptions{CreatedAt: now})
	if err != nil {
		slog.Error("Failed to store head block", "block", n, "error", err)
		return
	}

	if s.deps.Heartbeat != nil {
		s.deps.Heartbeat.Beat()
	}
	s.advance(n)
	metrics.IndexerLatestBlock.Set(float64(s.LastProcessed()))

	if !inserted {
		return
	}
	metrics.BlocksIndexed.WithLabelValues(metrics.SourceLive).Inc()

	rec := storage.NewRecord(block, s.deps.Schedule, now)
	feeWei, _ := new(big.Float).SetInt(rec.BlobBaseFee).Float64()
	metrics.LatestBlobBaseFee.Set(feeWei)
	slog.Info("New block",
		"block", n,
		"blobs", rec.BlobCount,
		"blob_base_fee", rec.BlobBaseFee.String(),
		"epoch", s.deps.Schedule.EpochAt(rec.BlockTimestamp).Name,
	)

	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishBlock(ctx, rec); err != nil {
			slog.Warn("Failed to publish block event", "block", n, "error", err)
		}
	}
}

// advance moves lastProcessed forward; it never goes backwards.
func (s *Subscriber) advance(n uint64) {
	for {
		cur := s.lastProcessed.Load()
		if n <= cur || s.lastProcessed.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *Subscriber) backfillAsync(ctx context.Context, from, to uint64) {
	slog.Info("Gap in head stream, backfilling", "from", from, "to", to, "missing", to-from+1)
	s.backfills.Add(1)
	go func() {
		defer s.backfills.Done()
		s.deps.Executor.Backfill(ctx, from, to)
	}()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
