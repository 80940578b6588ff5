// Package metrics exposes Prometheus collectors for the digest pipeline.
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
	messagesTotal              *prometheus.CounterVec
	transformFailuresTotal     *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            prometheus.Counter
	flushesTotal               *prometheus.CounterVec
	flushedRecordsTotal        prometheus.Counter
	flushDurationSeconds       prometheus.Histogram
	bufferedRecords            prometheus.Gauge
	publishedTotal             prometheus.Counter
	brokerConnectAttemptsTotal *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		messagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_messages_total",
				Help: "Queue messages handled by the worker, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		transformFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_transform_failures_total",
				Help: "Fetch and summarize failures, labeled by stage and kind.",
			},
			[]string{"stage", "kind"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_fetches_total",
				Help: "Pages retrieved, labeled by site, status code and renderer.",
			},
			[]string{"site", "code", "rendered"},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "digest_fetch_bytes_total",
				Help: "Bytes of page bodies retrieved.",
			},
		)

		flushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_flushes_total",
				Help: "Buffer flushes, labeled by status.",
			},
			[]string{"status"},
		)

		flushedRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "digest_flushed_records_total",
				Help: "Summary rows inserted by flushes.",
			},
		)

		flushDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "digest_flush_duration_seconds",
				Help:    "Histogram of flush latencies including retries.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		)

		bufferedRecords = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "digest_buffered_records",
				Help: "Summaries waiting in worker buffers, summed over the process.",
			},
		)

		publishedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "digest_published_total",
				Help: "Visit records published to the queue.",
			},
		)

		brokerConnectAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_broker_connect_attempts_total",
				Help: "Broker connection attempts, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "digest_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host fetch rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
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

// ObserveMessage counts a worker message outcome (stored, dropped, requeued, malformed, skipped).
func ObserveMessage(outcome string) {
	Init()
	messagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveTransformFailure counts a failed fetch or summarize step.
func ObserveTransformFailure(stage, kind string) {
	Init()
	transformFailuresTotal.WithLabelValues(stage, kind).Inc()
}

// ObserveFetch records a retrieved page.
func ObserveFetch(rawURL string, code int, rendered bool, bytesFetched int) {
	Init()
	fetchesTotal.WithLabelValues(SanitizeSite(rawURL), strconv.Itoa(code), strconv.FormatBool(rendered)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveFlush records a flush attempt sequence and how many rows it inserted.
func ObserveFlush(status string, inserted int64, duration time.Duration) {
	Init()
	flushesTotal.WithLabelValues(status).Inc()
	if inserted > 0 {
		flushedRecordsTotal.Add(float64(inserted))
	}
	flushDurationSeconds.Observe(duration.Seconds())
}

// AddBuffered moves the buffered gauge by delta. Each worker reports the change
// in its own buffer so concurrent workers sum instead of overwriting.
func AddBuffered(delta int) {
	Init()
	if delta != 0 {
		bufferedRecords.Add(float64(delta))
	}
}

// ObservePublished counts one published visit.
func ObservePublished() {
	Init()
	publishedTotal.Inc()
}

// ObserveBrokerConnect counts a broker connection attempt.
func ObserveBrokerConnect(success bool) {
	Init()
	result := "failure"
	if success {
		result = "success"
	}
	brokerConnectAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for its host's token.
func ObserveRateLimitDelay(host string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(host)).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
