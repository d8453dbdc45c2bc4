// Package metrics exposes Prometheus collectors for the gateway, workers and retrieval client.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	submissionsTotal           *prometheus.CounterVec
	queueVisible               prometheus.Gauge
	workerTransitionsTotal     *prometheus.CounterVec
	workerOutcomesTotal        *prometheus.CounterVec
	captureExitCodesTotal      *prometheus.CounterVec
	retrievalAttemptsTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecapture_submissions_total",
				Help: "Job submissions handled by the gateway, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueVisible = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitecapture_queue_visible_messages",
				Help: "Visible queue depth sampled at the last admission check.",
			},
		)

		workerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecapture_worker_transitions_total",
				Help: "Worker lifecycle state entries, labeled by state.",
			},
			[]string{"state"},
		)

		workerOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecapture_worker_outcomes_total",
				Help: "Worker runs by terminal outcome.",
			},
			[]string{"outcome"},
		)

		captureExitCodesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecapture_capture_exit_codes_total",
				Help: "Download tool exit codes.",
			},
			[]string{"code"},
		)

		retrievalAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecapture_retrieval_attempts_total",
				Help: "Capability polling attempts, labeled by result class.",
			},
			[]string{"result"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission counts a gateway submission outcome.
func ObserveSubmission(outcome string) {
	Init()
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueVisible records the depth seen by the admission check.
func SetQueueVisible(n int) {
	Init()
	queueVisible.Set(float64(n))
}

// ObserveTransition counts entry into a worker state.
func ObserveTransition(state string) {
	Init()
	workerTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveWorkerOutcome counts a finished worker run.
func ObserveWorkerOutcome(outcome string) {
	Init()
	workerOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCaptureExit counts a download tool exit code.
func ObserveCaptureExit(code int) {
	Init()
	captureExitCodesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveRetrievalAttempt counts one polling attempt.
func ObserveRetrievalAttempt(result string) {
	Init()
	retrievalAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			routePattern = rc.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
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
