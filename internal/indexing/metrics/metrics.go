package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Source labels.
const (
	SourceLive     = "live"
	SourceBackfill = "backfill"
	SourceRescan   = "rescan"
)

var (
	// BlocksIndexed counts newly stored blocks by the path that stored them
	BlocksIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobwatch_blocks_indexed_total",
			Help: "Total number of blocks newly stored",
		},
		[]string{"source"},
	)

	// BlockFetchErrors counts failed upstream block fetches
	BlockFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobwatch_block_fetch_errors_total",
			Help: "Total number of failed block fetches",
		},
		[]string{"source"},
	)

	// ChainLatestBlock tracks the latest head announced by the stream
	ChainLatestBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobwatch_chain_latest_block",
			Help: "Latest block height announced by the upstream node",
		},
	)

	// IndexerLatestBlock tracks the latest block processed by the live path
	IndexerLatestBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobwatch_indexer_latest_block",
			Help: "Latest block height processed by the live subscriber",
		},
	)

	// LatestBlobBaseFee is the blob base fee of the most recent live block, in wei
	LatestBlobBaseFee = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobwatch_latest_blob_base_fee_wei",
			Help: "Blob base fee of the most recently indexed live block",
		},
	)

	BackfillRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blobwatch_backfill_runs_total",
			Help: "Total number of backfill runs",
		},
	)

	BackfillDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blobwatch_backfill_duration_seconds",
			Help:    "Duration of backfill runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
	)

	// GapsOpen is the number of gaps found by the last sweep
	GapsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobwatch_gaps_open",
			Help: "Number of gaps found by the most recent sweep",
		},
	)

	// GapBlocksMissing is the total missing count across gaps in the last sweep
	GapBlocksMissing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobwatch_gap_blocks_missing",
			Help: "Total blocks missing across gaps in the most recent sweep",
		},
	)

	GapSweepsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blobwatch_gap_sweeps_skipped_total",
			Help: "Gap sweeps skipped because one was already running",
		},
	)

	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blobwatch_stream_reconnects_total",
			Help: "Total number of head stream reconnects",
		},
	)

	// StreamState is 0 connecting, 1 streaming, 2 reconnecting
	StreamState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobwatch_stream_state",
			Help: "Head subscriber state (0 connecting, 1 streaming, 2 reconnecting)",
		},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blobwatch_store_retries_total",
			Help: "Store operations retried after a transient error",
		},
	)

	RetentionDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blobwatch_retention_deleted_total",
			Help: "Total rows removed by the retention pruner",
		},
	)

	// RPCCallsTotal tracks RPC calls per provider and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobwatch_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"provider", "method"},
	)

	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobwatch_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"provider", "method"},
	)

	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blobwatch_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "method"},
	)

	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobwatch_db_connection_pool_usage_percent",
			Help: "Open connections as a percentage of the pool maximum",
		},
	)

	RescanRangesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blobwatch_rescan_ranges_processed_total",
			Help: "Total number of queued rescan ranges processed",
		},
	)
)
