package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "webhooks_requeued_total",
		Help:      "Total webhook events re-enqueued by the reconciliation sweep.",
	})

	sweepPendingRetries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "webhooks_pending_retry",
		Help:      "Webhook events in retrying state found by the last sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation sweep errors.",
	})
)

func init() {
	prometheus.MustRegister(
		sweepRequeued,
		sweepPendingRetries,
		sweepDuration,
		sweepErrors,
	)
}
