package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries the pipeline's Prometheus instruments. Construct one per
// process with a registry and pass it down; tests use a fresh registry.
type Metrics struct {
	RecordsDrained  *prometheus.CounterVec
	RecordsShipped  *prometheus.CounterVec
	RecordsRejected *prometheus.CounterVec

	ShipFailures       *prometheus.CounterVec
	BackupsCreated     *prometheus.CounterVec
	BackupsReplayed    *prometheus.CounterVec
	BackupsQuarantined *prometheus.CounterVec

	CyclesTotal       prometheus.Counter
	CyclesSkippedBusy prometheus.Counter
	CycleDuration     prometheus.Histogram
}

// NewMetrics registers and returns the pipeline instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsDrained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locship_records_drained_total",
			Help: "Records removed from the source queues, accepted or not.",
		}, []string{"family"}),
		RecordsShipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locship_records_shipped_total",
			Help: "Records successfully loaded into the warehouse.",
		}, []string{"family"}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locship_records_rejected_total",
			Help: "Records dropped by shape validation.",
		}, []string{"family", "reason"}),
		ShipFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locship_ship_failures_total",
			Help: "Batch ship failures by family and error kind.",
		}, []string{"family", "kind"}),
		BackupsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locship_backups_created_total",
			Help: "Failed batches journaled to the local backup store.",
		}, []string{"family"}),
		BackupsReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locship_backups_replayed_total",
			Help: "Backup entries successfully replayed and deleted.",
		}, []string{"family"}),
		BackupsQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locship_backups_quarantined_total",
			Help: "Backup entries retired to quarantine after exhausting retries. Alertable.",
		}, []string{"family"}),
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locship_cycles_total",
			Help: "Completed pipeline cycles.",
		}),
		CyclesSkippedBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locship_cycles_skipped_busy_total",
			Help: "Scheduler ticks dropped because a cycle was already running.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "locship_cycle_duration_seconds",
			Help:    "Wall-clock duration of completed cycles.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	reg.MustRegister(
		m.RecordsDrained,
		m.RecordsShipped,
		m.RecordsRejected,
		m.ShipFailures,
		m.BackupsCreated,
		m.BackupsReplayed,
		m.BackupsQuarantined,
		m.CyclesTotal,
		m.CyclesSkippedBusy,
		m.CycleDuration,
	)

	return m
}
