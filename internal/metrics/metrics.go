// Package metrics exposes Prometheus collectors for the download service.
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
	downloadJobsTotal          *prometheus.CounterVec
	downloadBytesTotal         prometheus.Counter
	downloadDurationSeconds    prometheus.Histogram
	downloadActiveWorkers      prometheus.Gauge
	downloadQueueDepth         prometheus.Gauge
	progressEventsDroppedTotal prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		downloadJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "download_jobs_total",
				Help: "Total number of download jobs finalized, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "download_bytes_total",
				Help: "Total bytes of completed artifact files.",
			},
		)

		downloadDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "download_duration_seconds",
				Help:    "Histogram of end-to-end download job durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		downloadActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "download_active_workers",
				Help: "Number of workers currently executing a download.",
			},
		)

		downloadQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "download_queue_depth",
				Help: "Number of pending download jobs awaiting a worker.",
			},
		)

		progressEventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "progress_events_dropped_total",
				Help: "Total progress events dropped due to slow subscribers.",
			},
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

// ObserveJob records a finalized job with its outcome and duration.
func ObserveJob(outcome string, duration time.Duration) {
	downloadJobsTotal.WithLabelValues(outcome).Inc()
	downloadDurationSeconds.Observe(duration.Seconds())
}

// ObserveBytes adds the size of a completed artifact file.
func ObserveBytes(n int64) {
	if n > 0 {
		downloadBytesTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	downloadActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	downloadActiveWorkers.Dec()
}

// SetQueueDepth records the current pending-job count.
func SetQueueDepth(n int) {
	downloadQueueDepth.Set(float64(n))
}

// ObserveDroppedEvents adds to the dropped progress event counter.
func ObserveDroppedEvents(n int64) {
	if n > 0 {
		progressEventsDroppedTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
