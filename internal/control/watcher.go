package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/blobwatch/internal/core/config"
	"github.com/vietddude/blobwatch/internal/core/fee"
	"github.com/vietddude/blobwatch/internal/core/worker"
	"github.com/vietddude/blobwatch/internal/indexing/backfill"
	"github.com/vietddude/blobwatch/internal/indexing/health"
	"github.com/vietddude/blobwatch/internal/indexing/live"
	"github.com/vietddude/blobwatch/internal/indexing/metrics"
	"github.com/vietddude/blobwatch/internal/indexing/rescan"
	"github.com/vietddude/blobwatch/internal/infra/chain"
	"github.com/vietddude/blobwatch/internal/infra/chain/evm"
	redisclient "github.com/vietddude/blobwatch/internal/infra/redis"
	"github.com/vietddude/blobwatch/internal/infra/rpc"
	"github.com/vietddude/blobwatch/internal/infra/storage"
	"github.com/vietddude/blobwatch/internal/infra/storage/memory"
	"github.com/vietddude/blobwatch/internal/infra/storage/postgres"
)

// Deps are the external collaborators of a Watcher. Tests supply fakes; the
// service builds them from configuration in NewWatcher.
type Deps struct {
	Repo      storage.BlockRepository
	Heads     chain.HeadSource
	Source    chain.BlockSource
	Publisher live.BlockPublisher // optional
	Queue     rescan.Queue        // optional, enables the rescan worker
	Exit      func(code int)      // liveness exit, default os.Exit

	InstanceID string // generated when empty
}

// Watcher is the main application struct that manages the ingestion lifecycle.
type Watcher struct {
	cfg        *config.AppConfig
	instanceID string
	schedule   *fee.Schedule
	repo       storage.BlockRepository

	executor   *backfill.Executor
	detector   *backfill.Detector
	subscriber *live.Subscriber
	liveness   *health.Liveness
	pruner     *worker.Pruner
	rescan     *rescan.Worker

	healthMon    *health.Monitor
	healthServer *health.Server

	closers []func() error
	startDB func(ctx context.Context)

	log    *slog.Logger
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher connects to the store, the upstream node and Redis as configured
// and wires every component. An unreachable database is returned as an error
// so the caller can exit non-zero.
func NewWatcher(ctx context.Context, cfg *config.AppConfig) (*Watcher, error) {
	schedule, err := cfg.Schedule()
	if err != nil {
		return nil, fmt.Errorf("fee schedule: %w", err)
	}

	var (
		deps    = Deps{InstanceID: uuid.NewString()}
		log     = slog.Default().With("instance", deps.InstanceID)
		closers []func() error
		startDB func(ctx context.Context)

		storeHealth health.StorePinger
	)

	// 1. Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		deps.Repo = postgres.NewBlockRepo(db, schedule).WithRetryConfig(cfg.Database.RetryConfig())
		storeHealth = db
		closers = append(closers, db.Close)
		startDB = db.StartMetricsCollector
		log.Info("Using PostgreSQL storage")
	} else {
		deps.Repo = memory.NewBlockRepo(schedule)
		log.Warn("DATABASE_URL not set, using in-memory storage")
	}

	// 2. Upstream
	provider := rpc.NewHTTPProvider("upstream", cfg.Upstream.HTTPURL, 10*time.Second)
	if cfg.Upstream.RateLimit > 0 {
		provider.WithRateLimit(cfg.Upstream.RateLimit, cfg.Upstream.RateBurst)
	}
	closers = append(closers, provider.Close)
	deps.Source = evm.NewAdapter(provider)
	deps.Heads = evm.NewHeadSubscriber(cfg.Upstream.WSURL)

	// 3. Redis (optional)
	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(ctx, cfg.Redis, deps.InstanceID)
		if err != nil {
			log.Warn("Failed to connect to Redis, events and rescan disabled", "error", err)
		} else {
			deps.Publisher = client
			deps.Queue = client
			closers = append(closers, client.Close)
			log.Info("Redis connected", "queue", client.Queue())
		}
	}

	w, err := New(cfg, deps)
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	w.closers = closers
	w.startDB = startDB
	w.healthMon.SetUpstream(provider)
	if storeHealth != nil {
		w.healthMon.SetStore(storeHealth)
	}
	return w, nil
}

// New wires a Watcher around the given collaborators without any network I/O.
// A Server.Port of zero disables the health server.
func New(cfg *config.AppConfig, deps Deps) (*Watcher, error) {
	if deps.Repo == nil || deps.Heads == nil || deps.Source == nil {
		return nil, errors.New("watcher requires a repository, a head source and a block source")
	}
	schedule, err := cfg.Schedule()
	if err != nil {
		return nil, fmt.Errorf("fee schedule: %w", err)
	}

	instanceID := deps.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	executor := backfill.NewExecutor(deps.Source, deps.Repo, backfill.Config{
		ChunkSize:   cfg.Ingest.ChunkSize,
		ChunkDelay:  cfg.Ingest.ChunkDelay,
		Concurrency: cfg.Ingest.Concurrency,
	})
	detector := backfill.NewDetector(deps.Repo, executor)

	liveness := health.NewLiveness(health.LivenessConfig{
		CheckInterval: cfg.Liveness.CheckInterval,
		Threshold:     cfg.Liveness.Threshold,
	})
	if deps.Exit != nil {
		liveness.SetExit(deps.Exit)
	}

	subscriber := live.NewSubscriber(live.Deps{
		Heads:     deps.Heads,
		Source:    deps.Source,
		Repo:      deps.Repo,
		Executor:  executor,
		Sweeper:   detector,
		Heartbeat: liveness,
		Publisher: deps.Publisher,
		Schedule:  schedule,
	}, live.Config{
		RecentBlocks:   cfg.Ingest.RecentBlocks,
		ReconnectDelay: live.FixedDelay(cfg.Ingest.ReconnectDelay),
	})

	w := &Watcher{
		cfg:        cfg,
		instanceID: instanceID,
		schedule:   schedule,
		repo:       deps.Repo,
		executor:   executor,
		detector:   detector,
		subscriber: subscriber,
		liveness:   liveness,
		pruner:     worker.NewPruner(deps.Repo, cfg.Retention.Period, cfg.Retention.Interval),
		log:        slog.Default().With("instance", instanceID),
	}

	if deps.Queue != nil {
		// Rescans get their own executor so their inserts are labelled separately.
		rescanExec := backfill.NewExecutor(deps.Source, deps.Repo, backfill.Config{
			ChunkSize:   cfg.Ingest.ChunkSize,
			ChunkDelay:  cfg.Ingest.ChunkDelay,
			Concurrency: cfg.Ingest.Concurrency,
		}).WithMetricsSource(metrics.SourceRescan)
		w.rescan = rescan.NewWorker(rescan.DefaultConfig(), deps.Queue, rescanExec)
	}

	w.healthMon = health.NewMonitor(instanceID, liveness, subscriber, detector, deps.Repo)
	if cfg.Server.Port > 0 {
		w.healthServer = health.NewServer(w.healthMon, cfg.Server.Port)
	}
	return w, nil
}

// InstanceID returns the per-process id attached to logs and events.
func (w *Watcher) InstanceID() string { return w.instanceID }

// Schedule returns the fee schedule in use.
func (w *Watcher) Schedule() *fee.Schedule { return w.schedule }

// Subscriber exposes the live subscriber for status reporting.
func (w *Watcher) Subscriber() *live.Subscriber { return w.subscriber }

// Health returns the current health report.
func (w *Watcher) Health(ctx context.Context) health.Report {
	return w.healthMon.CheckHealth(ctx)
}

// Start launches every component in the background and returns immediately.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return live.ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.log.Info("Starting watcher",
		"recent_blocks", w.cfg.Ingest.RecentBlocks,
		"gap_sweep_interval", w.cfg.Ingest.GapSweepInterval,
		"retention", w.cfg.Retention.Period,
	)

	w.goRun("subscriber", func() {
		if err := w.subscriber.Run(ctx); err != nil {
			w.log.Error("Subscriber failed", "error", err)
		}
	})
	w.goRun("gap detector", func() { w.detector.Run(ctx, w.cfg.Ingest.GapSweepInterval) })
	w.goRun("liveness", func() { w.liveness.Run(ctx) })
	w.goRun("pruner", func() { w.pruner.Start(ctx) })

	if w.rescan != nil {
		w.goRun("rescan", func() {
			if err := w.rescan.Run(ctx); err != nil {
				w.log.Error("Rescan worker failed", "error", err)
			}
		})
	}

	if w.startDB != nil {
		w.startDB(ctx)
	}

	if w.healthServer != nil {
		go func() {
			if err := w.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.log.Error("Health server failed", "error", err)
			}
		}()
	}

	return nil
}

// Stop cancels every component, waits for in-flight backfills and releases
// connections.
func (w *Watcher) Stop(ctx context.Context) error {
	w.log.Info("Stopping watcher...")

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		w.subscriber.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for components: %w", ctx.Err()))
	}

	if w.healthServer != nil {
		if err := w.healthServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	for _, c := range w.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Watcher) goRun(name string, fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
		w.log.Debug("Component stopped", "component", name)
	}()
}
