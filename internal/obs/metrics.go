package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Moderation-domain metrics.
var (
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedguard_decisions_total",
			Help: "Ledger decisions by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	BroadcastDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedguard_broadcast_deliveries_total",
			Help: "Peer broadcast delivery attempts by result.",
		},
		[]string{"peer", "result"},
	)

	EnforcementActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedguard_enforcement_actions_total",
			Help: "Platform enforcement actions by kind and result.",
		},
		[]string{"action", "result"},
	)

	MatchEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedguard_match_evaluations_total",
			Help: "Matching engine evaluations by text context and whether any rule fired.",
		},
		[]string{"context", "matched"},
	)

	CasesOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedguard_pending_cases",
		Help: "Pending moderation cases currently open.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		DecisionsTotal, BroadcastDeliveries, EnforcementActions,
		MatchEvaluations, CasesOpen,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
