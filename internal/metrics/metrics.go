// Package metrics exposes Prometheus collectors for the catalog crawler.
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
	fetchAttemptsTotal            *prometheus.CounterVec
	itemsTotal                    *prometheus.CounterVec
	chunkFlushesTotal             *prometheus.CounterVec
	chunkRotationsTotal           *prometheus.CounterVec
	inputFilesTotal               *prometheus.CounterVec
	runsTotal                     *prometheus.CounterVec
	activeRuns                    prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_attempts_total",
				Help: "Total number of fetch attempts, labeled by scraper type and result.",
			},
			[]string{"scraper_type", "result"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_items_total",
				Help: "Total number of identifiers settled, labeled by scraper type and outcome.",
			},
			[]string{"scraper_type", "outcome"},
		)

		chunkFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_chunk_flushes_total",
				Help: "Total number of output chunk rewrites, labeled by scraper type.",
			},
			[]string{"scraper_type"},
		)

		chunkRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_chunk_rotations_total",
				Help: "Total number of output chunk rotations, labeled by scraper type.",
			},
			[]string{"scraper_type"},
		)

		inputFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_input_files_total",
				Help: "Total number of input files consumed, labeled by scraper type and status.",
			},
			[]string{"scraper_type", "status"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Total number of finished runs, labeled by scraper type and final state.",
			},
			[]string{"scraper_type", "state"},
		)

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_runs",
				Help: "Number of runs currently executing.",
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

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	Init()
	return promhttp.Handler()
}

// ObserveFetchAttempt counts one fetch attempt.
func ObserveFetchAttempt(scraperType, result string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(scraperType, result).Inc()
}

// ObserveItem counts one settled identifier ("success" or "failure").
func ObserveItem(scraperType, outcome string) {
	Init()
	itemsTotal.WithLabelValues(scraperType, outcome).Inc()
}

// ObserveFlush counts one output chunk rewrite.
func ObserveFlush(scraperType string) {
	Init()
	chunkFlushesTotal.WithLabelValues(scraperType).Inc()
}

// ObserveRotation counts one output chunk rotation.
func ObserveRotation(scraperType string) {
	Init()
	chunkRotationsTotal.WithLabelValues(scraperType).Inc()
}

// ObserveInputFile counts one consumed input file ("ok" or "malformed").
func ObserveInputFile(scraperType, status string) {
	Init()
	inputFilesTotal.WithLabelValues(scraperType, status).Inc()
}

// ObserveRun counts one finished run.
func ObserveRun(scraperType, state string) {
	Init()
	runsTotal.WithLabelValues(scraperType, state).Inc()
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	activeRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	activeRuns.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
