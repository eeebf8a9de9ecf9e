package reconciliation

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "techswap"
	metricsSubsystem = "reconciliation"
)

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

var (
	reconcileLedgerMismatches = gauge("ledger_mismatches",
		"Escrow ledger totals that disagreed with order state in the last run.")
	reconcileStuckEscrows = gauge("stuck_escrows",
		"Shipped orders overdue for auto-release in the last run.")
	reconcileStalePayments = gauge("stale_payments",
		"Orders left pending well past their payment deadline in the last run.")
	reconcileLatePayments = gauge("late_payments",
		"Cancelled orders the gateway captured money for, awaiting an operator refund.")

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "check_errors_total",
		Help:      "Individual reconciliation checks that failed to run.",
	})

	reconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "runs_total",
		Help:      "Scheduled reconciliation runs by result (ok, error, panic).",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileStuckEscrows,
		reconcileStalePayments,
		reconcileLatePayments,
		reconcileDuration,
		reconcileErrors,
		reconcileRuns,
	)
}
