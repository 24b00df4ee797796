// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
// Nothing in this package changes control flow; every helper is safe to call
// from hot paths.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	capturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webshot_captures_total",
			Help: "Total number of capture invocations, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	captureBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webshot_capture_bytes_total",
			Help: "Total number of screenshot bytes written to the object store.",
		},
	)

	captureDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webshot_capture_duration_seconds",
			Help:    "Histogram of end-to-end capture latencies.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	analysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webshot_analyses_total",
			Help: "Total number of analysis attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	deadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webshot_dead_letters_total",
			Help: "Total number of work items routed to the dead-letter sink.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webshot_active_workers",
			Help: "Number of analysis workers currently processing a delivery.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webshot_rate_limit_delays_seconds",
			Help:    "Histogram of per-domain render budget wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	ingressRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webshot_ingress_rejected_total",
			Help: "Total number of ingress requests rejected before capture, labeled by reason.",
		},
		[]string{"reason"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCapture records one capture invocation. bytes is only counted on success.
func ObserveCapture(outcome string, bytes int64, duration time.Duration) {
	capturesTotal.WithLabelValues(outcome).Inc()
	captureDurationSeconds.Observe(duration.Seconds())
	if bytes > 0 {
		captureBytesTotal.Add(float64(bytes))
	}
}

// ObserveAnalysis records one analysis attempt.
func ObserveAnalysis(outcome string) {
	analysesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDeadLetter records a work item reaching the dead-letter sink.
func ObserveDeadLetter() {
	deadLettersTotal.Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveIngressRejected records a request turned away before capture.
func ObserveIngressRejected(reason string) {
	ingressRejectedTotal.WithLabelValues(reason).Inc()
}
