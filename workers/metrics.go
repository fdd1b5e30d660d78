package workers

import (
	"github.com/prometheus/client_golang/prometheus"
)

// record outcomes of a single reconciliation pass
const (
	outcomeConfirmed      = "confirmed"
	outcomeFailed         = "failed"
	outcomeProviderFailed = "provider_failed"
	outcomeWaiting        = "waiting"
	outcomeTransient      = "transient"
)

type Metrics struct {
	ticks          prometheus.Counter
	tickErrors     prometheus.Counter
	records        *prometheus.CounterVec
	pending        prometheus.Gauge
	settleDuration prometheus.Histogram
}

// NewMetrics registers the oracle collectors with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_ticks_total",
			Help: "Reconciliation passes started.",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_tick_errors_total",
			Help: "Reconciliation passes aborted because the store could not be read.",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_records_processed_total",
			Help: "Pending records processed, by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_pending_records",
			Help: "Records in PENDING_DEPOSIT at the start of the last pass.",
		}),
		settleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_settlement_duration_seconds",
			Help:    "Time spent settling a record on the destination ledger.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ticks, m.tickErrors, m.records, m.pending, m.settleDuration)
	}
	return m
}
