package inspector

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestsBlocked  prometheus.Counter
	requestDuration  *prometheus.HistogramVec
	contentFiltered  prometheus.Counter
	rewriteErrors    prometheus.Counter
	rewriteSkipped   *prometheus.CounterVec
	rewriteDuration  prometheus.Histogram
	activeConns      prometheus.Gauge
	certCacheSize    prometheus.Gauge
	certCacheHits    prometheus.Counter
	certCacheMisses  prometheus.Counter
	blocklistEntries prometheus.Gauge
	forbiddenWords   prometheus.Gauge
	listReloads      prometheus.Counter
	listReloadErrs   prometheus.Counter
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs *prometheus.CounterVec
	logRotations     prometheus.Counter
	logWriteErrs     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "requests_total",
			Help:      "Total number of requests processed.",
		}, []string{"method", "scheme"}),

		requestsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "requests_blocked_total",
			Help:      "Total number of requests denied by the domain blocklist.",
		}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inspector",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		contentFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "content_filtered_total",
			Help:      "Number of HTML responses with redacted words.",
		}),

		rewriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "rewrite_errors_total",
			Help:      "Number of HTML bodies delivered unmodified after a rewrite failure.",
		}),

		rewriteSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "rewrite_skipped_total",
			Help:      "Number of HTML bodies not rewritten.",
		}, []string{"reason"}),

		rewriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inspector",
			Name:      "rewrite_duration_seconds",
			Help:      "Time spent parsing and rewriting HTML bodies.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inspector",
			Name:      "active_connections",
			Help:      "Number of active proxy connections.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inspector",
			Name:      "cert_cache_size",
			Help:      "Number of cached TLS certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses.",
		}),

		blocklistEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inspector",
			Name:      "blocklist_entries",
			Help:      "Number of active blocklist entries.",
		}),

		forbiddenWords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inspector",
			Name:      "forbidden_words",
			Help:      "Number of active forbidden words.",
		}),

		listReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "list_reloads_total",
			Help:      "Number of successful list reloads.",
		}),

		listReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "list_reload_errors_total",
			Help:      "Number of failed list reloads.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures.",
		}, []string{"side", "reason"}),

		logRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "log_rotations_total",
			Help:      "Number of activity log rotations.",
		}),

		logWriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "log_write_errors_total",
			Help:      "Number of activity log lines dropped after an I/O error.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsBlocked,
		m.requestDuration,
		m.contentFiltered,
		m.rewriteErrors,
		m.rewriteSkipped,
		m.rewriteDuration,
		m.activeConns,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.blocklistEntries,
		m.forbiddenWords,
		m.listReloads,
		m.listReloadErrs,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
		m.logRotations,
		m.logWriteErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a processed request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordBlocked records a denied request.
func (m *Metrics) RecordBlocked() {
	m.requestsBlocked.Inc()
}

// RecordRequestDuration records the duration of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// RecordContentFiltered records a response whose body was rewritten.
func (m *Metrics) RecordContentFiltered() {
	m.contentFiltered.Inc()
}

// RecordRewriteError records a rewrite failure.
func (m *Metrics) RecordRewriteError() {
	m.rewriteErrors.Inc()
}

// RecordRewriteSkipped records an HTML body that was not rewritten, for
// example because it exceeded the size limit.
func (m *Metrics) RecordRewriteSkipped(reason string) {
	m.rewriteSkipped.WithLabelValues(reason).Inc()
}

// RecordRewriteDuration records the time spent in the rewriter.
func (m *Metrics) RecordRewriteDuration(d time.Duration) {
	m.rewriteDuration.Observe(d.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// SetListSizes sets the blocklist and word list gauges.
func (m *Metrics) SetListSizes(domains, words int) {
	m.blocklistEntries.Set(float64(domains))
	m.forbiddenWords.Set(float64(words))
}

// RecordListReload records a successful list reload.
func (m *Metrics) RecordListReload() {
	m.listReloads.Inc()
}

// RecordListReloadError records a failed list reload.
func (m *Metrics) RecordListReloadError() {
	m.listReloadErrs.Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure. side is
// "client" or "upstream".
func (m *Metrics) RecordTLSHandshakeError(side, reason string) {
	m.tlsHandshakeErrs.WithLabelValues(side, reason).Inc()
}

// RecordLogRotation records an activity log rotation.
func (m *Metrics) RecordLogRotation() {
	m.logRotations.Inc()
}

// RecordLogWriteError records a dropped activity log line.
func (m *Metrics) RecordLogWriteError() {
	m.logWriteErrs.Inc()
}
