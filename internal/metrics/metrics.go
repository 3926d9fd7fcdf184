// Package metrics defines the Prometheus instrumentation for the service.
// All metrics carry the aphrodite_ prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job metrics
var (
	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aphrodite_jobs_active",
			Help: "Batch jobs currently being processed by this worker",
		},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aphrodite_jobs_finished_total",
			Help: "Batch jobs by terminal status",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aphrodite_job_duration_seconds",
			Help:    "Wall-clock duration of finished batch jobs",
			Buckets: []float64{5, 15, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)
)

// Poster metrics
var (
	PostersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aphrodite_posters_processed_total",
			Help: "Poster outcomes within batch jobs",
		},
		[]string{"outcome"},
	)

	PosterDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aphrodite_poster_duration_seconds",
			Help:    "Per-poster pipeline duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)

	PosterRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aphrodite_poster_retries_total",
			Help: "Poster attempts retried after a transient failure",
		},
	)
)

// Progress metrics
var (
	ProgressEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aphrodite_progress_events_total",
			Help: "Progress events published to the bus",
		},
	)

	ProgressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aphrodite_progress_subscribers",
			Help: "Live progress subscribers on this instance",
		},
	)
)

// Jellyfin metrics
var (
	JellyfinRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aphrodite_jellyfin_requests_total",
			Help: "Jellyfin API calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	JellyfinRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aphrodite_jellyfin_request_duration_seconds",
			Help:    "Jellyfin API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aphrodite_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aphrodite_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aphrodite_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		},
	)
)
