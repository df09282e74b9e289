// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the session orchestration service.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexmgmt_sessions_created_total",
			Help: "Total number of sessions created",
		},
		[]string{"category"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexmgmt_runs_total",
			Help: "Total number of engine runs by outcome",
		},
		[]string{"outcome"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codexmgmt_run_duration_seconds",
			Help:    "Engine run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	eventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexmgmt_events_appended_total",
			Help: "Total number of session events appended",
		},
		[]string{"level"},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codexmgmt_active_runs",
			Help: "Number of engine runs currently holding an admission slot",
		},
	)

	admissionQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codexmgmt_admission_queue_depth",
			Help: "Number of runs waiting for an admission slot",
		},
	)

	subscriberCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codexmgmt_subscribers",
			Help: "Number of live WebSocket subscribers",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexmgmt_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codexmgmt_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	initOnce sync.Once
)

// InitMetrics registers all collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionsCreatedTotal,
			runsTotal,
			runDuration,
			eventsAppendedTotal,
			activeRuns,
			admissionQueueDepth,
			subscriberCount,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

// MetricsHandler returns the HTTP handler serving Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionCreated counts a created session by problem category.
func RecordSessionCreated(category string) {
	sessionsCreatedTotal.WithLabelValues(category).Inc()
}

// RecordRun counts a finished run by outcome and records its duration.
func RecordRun(outcome string, duration time.Duration) {
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(duration.Seconds())
}

// RecordEventAppended counts an appended session event by level.
func RecordEventAppended(level string) {
	eventsAppendedTotal.WithLabelValues(level).Inc()
}

// SetActiveRuns sets the active run gauge.
func SetActiveRuns(n int) {
	activeRuns.Set(float64(n))
}

// AddActiveRuns adjusts the active run gauge by delta.
func AddActiveRuns(delta int) {
	activeRuns.Add(float64(delta))
}

// SetAdmissionQueueDepth sets the admission wait queue gauge.
func SetAdmissionQueueDepth(n int) {
	admissionQueueDepth.Set(float64(n))
}

// AddSubscribers adjusts the live subscriber gauge by delta.
func AddSubscribers(delta int) {
	subscriberCount.Add(float64(delta))
}

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
