package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolane_runs_total",
			Help: "Finished runs by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isolane_run_duration_seconds",
			Help:    "Run duration from resolving to release, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isolane_runs_in_flight",
			Help: "Runs that have been created but not yet released.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(runsInFlight)
}
