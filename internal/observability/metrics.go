package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the stake ledger.
type Metrics struct {
	// --- Engine ---
	OpsApplied           *prometheus.CounterVec
	OpsRejected          *prometheus.CounterVec
	OpDuration           *prometheus.HistogramVec
	CoreSequence         prometheus.Gauge
	ParticipantLogLength prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize       *prometheus.GaugeVec
	ChannelCapacity   *prometheus.GaugeVec
	ProjectionDropped prometheus.Counter

	// --- Persistence ---
	PersistOpsWritten     prometheus.Counter
	PersistEntriesWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistLastSequence   prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge
	ReplayOpsTotal   prometheus.Counter
	ReplayDuration   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	queryBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op_type"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_ops_rejected_total",
			Help: "Operations rejected (dedup, sequence, validation, transfer)",
		}, []string{"op_type", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_op_apply_duration_seconds",
			Help:    "Time to apply a single operation in the engine",
			Buckets: latencyBuckets,
		}, []string{"op_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stake_core_sequence",
			Help: "Next sequence number the engine will assign",
		}),

		ParticipantLogLength: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stake_participant_log_length",
			Help: "Current participant log length, duplicates included",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_size",
			Help: "Current buffered items per channel",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_capacity",
			Help: "Configured capacity per channel",
		}, []string{"channel"}),

		ProjectionDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stake_projection_dropped_total",
			Help: "Outputs dropped on the non-blocking projection channel",
		}),

		PersistOpsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_ops_written_total",
			Help: "Operations written to the ops log",
		}),

		PersistEntriesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_entries_written_total",
			Help: "Ledger entries written to the ops log",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_persist_batch_size",
			Help:    "Operations per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_persist_batch_duration_seconds",
			Help:    "Time to flush one persistence batch",
			Buckets: queryBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stake_persist_last_sequence",
			Help: "Highest sequence durably written",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stake_snapshot_taken_total",
			Help: "Snapshots persisted",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_snapshot_duration_seconds",
			Help:    "Time to capture and persist a snapshot",
			Buckets: queryBuckets,
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stake_snapshot_last_sequence",
			Help: "Sequence of the latest persisted snapshot",
		}),

		ReplayOpsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stake_replay_ops_total",
			Help: "Operations replayed from the ops log on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stake_replay_duration_seconds",
			Help: "Duration of the last startup replay",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_query_requests_total",
			Help: "HTTP API requests",
		}, []string{"route"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_query_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: queryBuckets,
		}, []string{"route"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_query_errors_total",
			Help: "HTTP API errors by kind",
		}, []string{"route", "kind"}),
	}
}
