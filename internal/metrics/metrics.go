// Package metrics exposes Prometheus collectors for the crawl service.
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
	attemptsTotal            *prometheus.CounterVec
	denialsTotal             *prometheus.CounterVec
	circuitOpensTotal        prometheus.Counter
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDurationSecs  *prometheus.HistogramVec
	jobsTotal                *prometheus.CounterVec
	activeWorkers            prometheus.Gauge
	queueDepth               prometheus.Gauge
	rateLimitWaitSecs        *prometheus.HistogramVec
	enrichmentFailuresTotal  prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_pipeline_attempts_total",
				Help: "Total executed attempts, labeled by engine and result.",
			},
			[]string{"engine", "result"},
		)

		denialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_pipeline_denials_total",
				Help: "Attempts rejected before execution, labeled by point.",
			},
			[]string{"point"},
		)

		circuitOpensTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_circuit_opens_total",
				Help: "Total domain circuit open transitions.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_jobs_total",
				Help: "Total number of jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_queue_depth",
				Help: "Jobs currently waiting in the queue.",
			},
		)

		rateLimitWaitSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_rate_limit_wait_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		enrichmentFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_enrichment_failures_total",
				Help: "Enrichment stage failures on otherwise successful fetches.",
			},
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

// ObserveAttempt increments the attempt counter for one executed fetch.
func ObserveAttempt(engine string, success bool) {
	if engine == "" {
		engine = "unknown"
	}
	result := "failure"
	if success {
		result = "success"
	}
	attemptsTotal.WithLabelValues(engine, result).Inc()
}

// ObserveDenial increments the denial counter for the given pipeline point.
func ObserveDenial(point string) {
	denialsTotal.WithLabelValues(point).Inc()
}

// ObserveCircuitOpen increments the circuit open transition counter.
func ObserveCircuitOpen() {
	circuitOpensTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
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

// SetQueueDepth records the current queue backlog.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveRateLimitWait records the duration of a rate limit wait. The domain
// is sanitized to a bare hostname to keep label cardinality bounded.
func ObserveRateLimitWait(domain string, duration time.Duration) {
	rateLimitWaitSecs.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// ObserveEnrichmentFailure counts a failed enrichment stage.
func ObserveEnrichmentFailure() {
	enrichmentFailuresTotal.Inc()
}
