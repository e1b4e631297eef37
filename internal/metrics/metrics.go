// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	auditsStartedTotal         prometheus.Counter
	batchesTotal               *prometheus.CounterVec
	batchDurationSeconds       prometheus.Histogram
	activeBatches              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		auditsStartedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siteaudit_audits_started_total",
				Help: "Total number of audits created.",
			},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_batches_total",
				Help: "Total orchestrator batch invocations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "siteaudit_batch_duration_seconds",
				Help:    "Histogram of orchestrator batch wall times.",
				Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90, 120},
			},
		)

		activeBatches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "siteaudit_active_batches",
				Help: "Number of batches currently executing.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAuditStarted increments the audits-created counter.
func ObserveAuditStarted() {
	auditsStartedTotal.Inc()
}

// ObserveBatch records one orchestrator batch invocation.
func ObserveBatch(outcome string, duration time.Duration) {
	batchesTotal.WithLabelValues(outcome).Inc()
	batchDurationSeconds.Observe(duration.Seconds())
}

// IncActiveBatches increments the active batches gauge.
func IncActiveBatches() {
	activeBatches.Inc()
}

// DecActiveBatches decrements the active batches gauge.
func DecActiveBatches() {
	activeBatches.Dec()
}
