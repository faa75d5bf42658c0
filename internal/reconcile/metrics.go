package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meridian",
		Subsystem: "reconcile",
		Name:      "pending_transactions",
		Help:      "Number of submitted-but-unconfirmed transactions at the last sweep.",
	})

	resolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "reconcile",
		Name:      "resolved_total",
		Help:      "Pending transactions resolved by reconciliation, by intent.",
	}, []string{"intent"})

	escalatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "reconcile",
		Name:      "escalated_total",
		Help:      "Pending transactions escalated for manual reconciliation.",
	})
)

func init() {
	prometheus.MustRegister(pendingDepth, resolvedTotal, escalatedTotal)
}
