package process

import "github.com/prometheus/client_golang/prometheus"

var (
	workerSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "isolane_process_worker_spawn_seconds",
			Help:    "Duration from worker process start to its ready message, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isolane_process_active_workers",
			Help: "Number of worker processes currently running.",
		},
	)

	workerCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "isolane_process_worker_crashes_total",
			Help: "Worker processes that exited while a unit of work was in flight.",
		},
	)

	workerKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "isolane_process_worker_kills_total",
			Help: "Worker processes terminated because a run was cancelled or timed out.",
		},
	)
)

func init() {
	prometheus.MustRegister(workerSpawnDuration)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerCrashes)
	prometheus.MustRegister(workerKills)
}
