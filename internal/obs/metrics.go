package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Domain metrics for the admission and quota paths.
var (
	admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission outcomes, by decision reason ('admitted' on success).",
		},
		[]string{"reason"},
	)

	quotaAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_assignments_total",
			Help: "Quota assignment outcomes per plan evaluation.",
		},
		[]string{"outcome"}, // assigned | full | no_match
	)

	activeReservations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quota_active_reservations",
		Help: "Reservations currently holding bucket capacity.",
	})

	exprFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expression_eval_failures_total",
			Help: "Expression evaluation failures by error kind.",
		},
		[]string{"kind"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		admissionDecisions, quotaAssignments, activeReservations, exprFailures,
	)
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// CountAdmission records one admission decision.
func CountAdmission(reason string) {
	if reason == "" {
		reason = "admitted"
	}
	admissionDecisions.WithLabelValues(reason).Inc()
}

// CountQuotaOutcome records a per-plan assignment outcome.
func CountQuotaOutcome(outcome string) {
	quotaAssignments.WithLabelValues(outcome).Inc()
}

// ReservationOpened / ReservationClosed track the active reservation gauge.
func ReservationOpened() { activeReservations.Inc() }
func ReservationClosed() { activeReservations.Dec() }

// CountExprFailure records a failed expression evaluation.
func CountExprFailure(kind string) {
	exprFailures.WithLabelValues(kind).Inc()
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with request counting, latency and in-flight gauges.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// statusWriter captures the response code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
