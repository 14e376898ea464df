package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	liveContexts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "isolane_pool_contexts",
			Help: "Execution contexts currently tracked by the pool.",
		},
		[]string{"strategy"},
	)

	contextsProvisioned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolane_pool_contexts_provisioned_total",
			Help: "Execution contexts created by the pool.",
		},
		[]string{"strategy"},
	)

	contextsReused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolane_pool_contexts_reused_total",
			Help: "Acquisitions served by an existing context.",
		},
		[]string{"strategy"},
	)

	contextsPoisoned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolane_pool_contexts_poisoned_total",
			Help: "Execution contexts destroyed because their state became unknown.",
		},
		[]string{"strategy"},
	)

	provisionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolane_pool_provision_failures_total",
			Help: "Failed attempts to create an execution context.",
		},
		[]string{"strategy"},
	)

	acquireWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isolane_pool_acquire_seconds",
			Help:    "Time from acquire to lease, including provisioning and queueing, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)
)

func init() {
	prometheus.MustRegister(liveContexts)
	prometheus.MustRegister(contextsProvisioned)
	prometheus.MustRegister(contextsReused)
	prometheus.MustRegister(contextsPoisoned)
	prometheus.MustRegister(provisionFailures)
	prometheus.MustRegister(acquireWait)
}
