package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	poolMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentcover",
		Subsystem: "reconciliation",
		Name:      "pool_mismatches",
		Help:      "Pools whose totals disagreed with their participants in the last run.",
	})

	custodyShortfall = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentcover",
		Subsystem: "reconciliation",
		Name:      "custody_shortfall_tokens",
		Help:      "Staked tokens not covered by the custody balance in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentcover",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcover",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total failed reconciliation runs.",
	})
)

func init() {
	prometheus.MustRegister(poolMismatches, custodyShortfall, runDuration, runErrors)
}
