// Package metrics exposes Prometheus collectors for the pagewatch service.
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
	checksTotal                *prometheus.CounterVec
	changesTotal               *prometheus.CounterVec
	fallbacksTotal             *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	diffPercent                prometheus.Histogram
	queueDepth                 *prometheus.GaugeVec
	liveWorkers                prometheus.Gauge
	activeTasks                prometheus.Gauge
	driverLeases               *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_checks_total",
				Help: "Total number of target checks, labeled by method and status.",
			},
			[]string{"method", "status"},
		)

		changesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_changes_total",
				Help: "Total number of changes recorded, labeled by site.",
			},
			[]string{"site"},
		)

		fallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_fetch_fallbacks_total",
				Help: "Number of times a fetch fell back to the other strategy, labeled by the strategy used.",
			},
			[]string{"method"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_fetch_duration_seconds",
				Help:    "Histogram of content acquisition latencies, labeled by method.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method"},
		)

		diffPercent = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagewatch_diff_percent",
				Help:    "Distribution of diff percentages for successful checks.",
				Buckets: []float64{0, 0.5, 1, 5, 10, 25, 50, 75, 100},
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagewatch_queue_depth",
				Help: "Number of items waiting in the task and result queues.",
			},
			[]string{"queue"},
		)

		liveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagewatch_live_workers",
				Help: "Number of worker goroutines currently alive.",
			},
		)

		activeTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagewatch_active_tasks",
				Help: "Number of tasks pending or running.",
			},
		)

		driverLeases = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagewatch_driver_leases",
				Help: "Browser driver leases, labeled by state.",
			},
			[]string{"state"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
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

// ObserveCheck records the outcome and latency of a single check.
func ObserveCheck(method, status string, duration time.Duration) {
	Init()
	checksTotal.WithLabelValues(method, status).Inc()
	fetchDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveFallback records that a fetch completed through the secondary strategy.
func ObserveFallback(method string) {
	Init()
	fallbacksTotal.WithLabelValues(method).Inc()
}

// ObserveDiff records a computed diff percentage and, when it crossed the
// threshold, a change for the target's site.
func ObserveDiff(targetURL string, percent float64, changed bool) {
	Init()
	diffPercent.Observe(percent)
	if changed {
		changesTotal.WithLabelValues(SanitizeSite(targetURL)).Inc()
	}
}

// SetQueueDepth reports the depth of a named queue.
func SetQueueDepth(queue string, depth int) {
	Init()
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetLiveWorkers reports the number of live worker goroutines.
func SetLiveWorkers(n int) {
	Init()
	liveWorkers.Set(float64(n))
}

// SetActiveTasks reports the number of pending or running tasks.
func SetActiveTasks(n int) {
	Init()
	activeTasks.Set(float64(n))
}

// SetDriverLeases reports busy and idle driver lease counts.
func SetDriverLeases(busy, idle int) {
	Init()
	driverLeases.WithLabelValues("busy").Set(float64(busy))
	driverLeases.WithLabelValues("idle").Set(float64(idle))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}
