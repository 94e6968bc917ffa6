package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CoverLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Pool ---
	PoolFree       prometheus.Gauge
	PoolLocked     prometheus.Gauge
	PayoutsTotal   prometheus.Counter
	PremiumsTotal  prometheus.Counter
	ActiveRecords  prometheus.Gauge
	ActivePolicies prometheus.Gauge
	LapsedExpired  prometheus.Counter

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistRejections      prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command"}),

		CoreCommandsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_commands_rejected_total",
			Help: "Commands rejected (dedup, gap, validation kind)",
		}, []string{"command", "reason"}),

		CoreCommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cover_core_sequence",
			Help: "Current global sequence number",
		}),

		// Pool
		PoolFree: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cover_pool_free_units",
			Help: "Uncommitted reserve (fixed-point units)",
		}),

		PoolLocked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cover_pool_locked_units",
			Help: "Reserve committed to outstanding coverage (fixed-point units)",
		}),

		PayoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_payouts_units_total",
			Help: "Approved claim payouts (fixed-point units)",
		}),

		PremiumsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_premiums_units_total",
			Help: "Premiums taken from buyers (fixed-point units)",
		}),

		ActiveRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cover_active_records",
			Help: "Live coverage records",
		}),

		ActivePolicies: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cover_active_policies",
			Help: "Issued policy templates",
		}),

		LapsedExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_lapse_sweep_expired_total",
			Help: "Records expired by the lapse sweep",
		}),

		// Latency
		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"command"}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/tier2)",
		}, []string{"command", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cover_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_dedup_tier2_errors_total",
			Help: "Tier-2 dedup lookups that failed",
		}),

		EventSequenceGap: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_source_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_source_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_rejections_written_total",
			Help: "Refused commands written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cover_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cover_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cover_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cover_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_api_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_api_errors_total",
			Help: "API errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
