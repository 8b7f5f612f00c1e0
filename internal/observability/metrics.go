package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpClearing.
// Every user tolerates a nil *Metrics so tests can run without a registry.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreEvents           *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge

	// --- Clearing ---
	SwapsTotal           *prometheus.CounterVec
	SwapTicksCrossed     *prometheus.HistogramVec
	LiquidityChanges     *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge
	OpenOrders           prometheus.Gauge
	Markets              prometheus.Gauge

	// --- Latency ---
	IngestToApply  *prometheus.HistogramVec
	ApplyToPersist prometheus.Histogram

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	SequenceGaps          *prometheus.CounterVec
	SequenceOutOfOrder    *prometheus.CounterVec
	StaleIndexPrices      *prometheus.CounterVec

	// --- Ingestion ---
	IngestReceived    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Outbox ---
	OutboxPending       prometheus.Gauge
	OutboxPublished     *prometheus.CounterVec
	OutboxPublishErrors prometheus.Counter

	// --- Projection ---
	ProjectionUpdateDur   *prometheus.HistogramVec
	ProjectionLastApplied prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayCommands    prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ioBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		// Core processing
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, sequence, failure kind)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_events_emitted_total",
			Help: "Domain events emitted by committed commands",
		}, []string{"event_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_core_state_hash_duration_seconds",
			Help:    "Time to compute state digest and hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Last assigned global sequence number",
		}),

		// Clearing
		SwapsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_swaps_total",
			Help: "Taker swaps committed",
		}, []string{"market", "direction"}),

		SwapTicksCrossed: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_swap_ticks_crossed",
			Help:    "Initialized ticks crossed per swap",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"market"}),

		LiquidityChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidity_changes_total",
			Help: "Maker liquidity additions and removals",
		}, []string{"market", "action"}),

		InsuranceFundBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_insurance_fund_balance",
			Help: "Insurance fund balance in collateral units",
		}),

		OpenOrders: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_open_orders",
			Help: "Open maker orders across all markets",
		}),

		Markets: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_markets",
			Help: "Registered markets",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ioBuckets,
		}, []string{"command_type"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: ioBuckets,
		}),

		// Channel & backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_lru_evictions_total",
			Help: "Idempotency keys evicted from memory",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		SequenceGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_sequence_gaps_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		SequenceOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_sequence_out_of_order_total",
			Help: "Commands delivered behind their partition's sequence",
		}, []string{"partition"}),

		StaleIndexPrices: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_stale_index_prices_total",
			Help: "Index price updates skipped as stale",
		}, []string{"market"}),

		// Ingestion
		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_received_total",
			Help: "Commands received from NATS",
		}, []string{"command_type"}),

		IngestParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_parse_errors_total",
			Help: "Messages that could not be parsed into commands",
		}, []string{"command_type"}),

		// Persistence
		PersistCommandsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_commands_written_total",
			Help: "Command envelopes written to the log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Outputs per persistence transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"operation"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Highest sequence committed to Postgres",
		}),

		// Outbox
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_outbox_pending",
			Help: "Events waiting in the outbox",
		}),

		OutboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_outbox_published_total",
			Help: "Events published from the outbox",
		}, []string{"event_type"}),

		OutboxPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_outbox_publish_errors_total",
			Help: "Failed outbox publish attempts",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: ioBuckets,
		}, []string{"projection"}),

		ProjectionLastApplied: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_projection_last_sequence",
			Help: "Highest sequence applied to read models",
		}),

		// Snapshot & replay
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot capture and write duration",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Size of the latest snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayCommands: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_replay_commands_total",
			Help: "Commands replayed from the log at startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_replay_duration_seconds",
			Help: "Duration of the last startup replay",
		}),

		// API
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_api_requests_total",
			Help: "gRPC requests by method and status code",
		}, []string{"method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_api_request_duration_seconds",
			Help:    "gRPC request duration",
			Buckets: ioBuckets,
		}, []string{"method"}),
	}
}

// RecordChannel updates the size, capacity and utilization gauges of a
// buffered channel.
func (m *Metrics) RecordChannel(name string, size, capacity int) {
	if m == nil || capacity == 0 {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
}
