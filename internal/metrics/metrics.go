// Package metrics exposes Prometheus collectors for the prerender service.
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
	admissionsTotal            *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	renderDurationSeconds      *prometheus.HistogramVec
	rateLimitRejectionsTotal   *prometheus.CounterVec
	ssrfRejectionsTotal        *prometheus.CounterVec
	coldWriteFailuresTotal     prometheus.Counter
	retriesTotal               prometheus.Counter
	accessRecordsDroppedTotal  prometheus.Counter
	activeRenders              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_admissions_total",
				Help: "Render admissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_cache_lookups_total",
				Help: "Cache lookups, labeled by the tier that answered (hot, cold, none).",
			},
			[]string{"location"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_jobs_total",
				Help: "Render jobs reaching a status, labeled by status.",
			},
			[]string{"status"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prerender_render_duration_seconds",
				Help:    "Browser render latency, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"outcome"},
		)

		rateLimitRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_rate_limit_rejections_total",
				Help: "Admissions denied by the rate limiter, labeled by principal source.",
			},
			[]string{"source"},
		)

		ssrfRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_ssrf_rejections_total",
				Help: "URLs rejected by the SSRF validator, labeled by reason.",
			},
			[]string{"reason"},
		)

		coldWriteFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "prerender_cold_write_failures_total",
				Help: "Cold tier writes that failed after a successful hot write.",
			},
		)

		retriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "prerender_job_retries_total",
				Help: "Render attempts re-enqueued after a retryable failure.",
			},
		)

		accessRecordsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "prerender_access_records_dropped_total",
				Help: "Cache access records dropped because the buffer was full.",
			},
		)

		activeRenders = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "prerender_active_renders",
				Help: "Number of renders currently holding a browser.",
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveAdmission counts one admission outcome.
func ObserveAdmission(outcome string) {
	Init()
	admissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheLookup counts which tier answered a lookup.
func ObserveCacheLookup(location string) {
	Init()
	cacheLookupsTotal.WithLabelValues(location).Inc()
}

// ObserveJob counts a job reaching status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveRender records a render's latency.
func ObserveRender(outcome string, duration time.Duration) {
	Init()
	renderDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRateLimitRejection counts a denied admission.
func ObserveRateLimitRejection(source string) {
	Init()
	rateLimitRejectionsTotal.WithLabelValues(source).Inc()
}

// ObserveSSRFRejection counts a blocked URL.
func ObserveSSRFRejection(reason string) {
	Init()
	ssrfRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveColdWriteFailure counts a failed cold-tier write.
func ObserveColdWriteFailure() {
	Init()
	coldWriteFailuresTotal.Inc()
}

// ObserveRetry counts a re-enqueued attempt.
func ObserveRetry() {
	Init()
	retriesTotal.Inc()
}

// ObserveAccessRecordDropped counts a dropped access record.
func ObserveAccessRecordDropped() {
	Init()
	accessRecordsDroppedTotal.Inc()
}

// IncActiveRenders increments the active renders gauge.
func IncActiveRenders() {
	Init()
	activeRenders.Inc()
}

// DecActiveRenders decrements the active renders gauge.
func DecActiveRenders() {
	Init()
	activeRenders.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
