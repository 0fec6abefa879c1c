// Package metrics exposes Prometheus collectors for the catalog refresher.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pageLoadsTotal             *prometheus.CounterVec
	pageBytesTotal             *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	jobRetriesTotal            *prometheus.CounterVec
	recordsUpsertedTotal       *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	admissionDeniedTotal       *prometheus.CounterVec
	queueDepth                 *prometheus.GaugeVec
	staleChecksTotal           *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		pageLoadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_page_loads_total",
				Help: "Total number of page loads, labeled by site and HTTP status.",
			},
			[]string{"site", "status"},
		)

		pageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_page_bytes_total",
				Help: "Total number of document bytes loaded, labeled by site.",
			},
			[]string{"site"},
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

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_jobs_total",
				Help: "Total number of jobs reaching a terminal state, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_job_attempt_duration_seconds",
				Help:    "Histogram of single job attempt durations, labeled by kind and outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"kind", "outcome"},
		)

		jobRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_job_retries_total",
				Help: "Total number of scheduled retries, labeled by kind and failure class.",
			},
			[]string{"kind", "class"},
		)

		recordsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_records_upserted_total",
				Help: "Total number of entity records upserted, labeled by kind.",
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		admissionDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_admission_denied_total",
				Help: "Total number of admission attempts denied, labeled by reason.",
			},
			[]string{"reason"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catalog_queue_depth",
				Help: "Number of pending jobs waiting in each per-kind queue.",
			},
			[]string{"kind"},
		)

		staleChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_stale_checks_total",
				Help: "Total number of staleness checks, labeled by kind and verdict.",
			},
			[]string{"kind", "verdict"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePageLoad counts a page load by site and status code.
func ObservePageLoad(site string, statusCode int, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	pageLoadsTotal.WithLabelValues(sanitizedSite, strconv.Itoa(statusCode)).Inc()
	if bytesFetched > 0 {
		pageBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob counts a terminal job.
func ObserveJob(kind, status string) {
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveAttempt records how long one attempt took.
func ObserveAttempt(kind, outcome string, duration time.Duration) {
	jobDurationSeconds.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry(kind, class string) {
	jobRetriesTotal.WithLabelValues(kind, class).Inc()
}

// ObserveUpserts counts upserted records.
func ObserveUpserts(kind string, n int) {
	if n > 0 {
		recordsUpsertedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveAdmissionDenied counts a denied admission.
func ObserveAdmissionDenied(reason string) {
	admissionDeniedTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth reports the pending depth of one kind's queue.
func SetQueueDepth(kind string, depth int) {
	queueDepth.WithLabelValues(kind).Set(float64(depth))
}

// ObserveStaleCheck counts a staleness verdict.
func ObserveStaleCheck(kind string, stale bool) {
	verdict := "fresh"
	if stale {
		verdict = "stale"
	}
	staleChecksTotal.WithLabelValues(kind, verdict).Inc()
}
