package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/isolane/internal/model"
)

// Run submission modes, used as the "mode" label of isolane_run_requests_total.
const (
	modeSync  = "sync"
	modeAsync = "async"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolane_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isolane_http_request_duration_seconds",
			Help:    "HTTP request latency by route, in seconds. Synchronous runs include execution time.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 600},
		},
		[]string{"method", "route"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isolane_http_requests_in_flight",
			Help: "HTTP requests currently being served, including open log streams.",
		},
	)

	runRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolane_run_requests_total",
			Help: "Accepted run requests by submission mode and requested isolation level.",
		},
		[]string{"mode", "isolation"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInFlight, runRequestsTotal)
}

// observeRunRequest counts a run request that passed validation.
func observeRunRequest(mode string, level model.IsolationLevel) {
	runRequestsTotal.WithLabelValues(mode, string(level)).Inc()
}

// metricsMiddleware records every request under its chi route pattern so
// run IDs never become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
