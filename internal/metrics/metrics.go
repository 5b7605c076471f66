// Package metrics exposes Prometheus collectors for the scrapecache service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapecache_cache_lookups_total",
			Help: "Cache lookups, labeled by tier and result (hit, miss, expired, error).",
		},
		[]string{"tier", "result"},
	)

	cacheWriteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapecache_cache_write_errors_total",
			Help: "Failed cache writes, labeled by tier.",
		},
		[]string{"tier"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapecache_fetches_total",
			Help: "Upstream fetches, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	fetchAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrapecache_fetch_attempts",
			Help:    "Attempts spent per upstream fetch.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrapecache_fetch_duration_seconds",
			Help:    "Wall time per upstream fetch including retries.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	lockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrapecache_lock_wait_seconds",
			Help:    "Time spent waiting for another caller's lock, labeled by result.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"result"},
	)

	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapecache_admissions_total",
			Help: "Admission decisions, labeled by decision and reason.",
		},
		[]string{"decision", "reason"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapecache_jobs_total",
			Help: "Asynchronous job transitions, labeled by status.",
		},
		[]string{"status"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrapecache_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrapecache_upstream_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the upstream politeness limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeHost extracts a lowercase hostname, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveCacheLookup counts a lookup against a tier.
func ObserveCacheLookup(tier, result string) {
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// ObserveCacheWriteError counts a failed write to a tier.
func ObserveCacheWriteError(tier string) {
	cacheWriteErrorsTotal.WithLabelValues(tier).Inc()
}

// ObserveFetch records one coordinated fetch.
func ObserveFetch(outcome string, attempts int, duration time.Duration) {
	fetchesTotal.WithLabelValues(outcome).Inc()
	fetchAttempts.Observe(float64(attempts))
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveLockWait records a wait on another caller's lock.
func ObserveLockWait(result string, duration time.Duration) {
	lockWaitSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveAdmission counts an admission decision.
func ObserveAdmission(decision, reason string) {
	admissionsTotal.WithLabelValues(decision, reason).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of an upstream politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
