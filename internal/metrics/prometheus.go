package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds the Prometheus collectors for the NBD client driver.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	requestsEnqueued  *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	requestsBusy      prometheus.Counter
	requestLatency    *prometheus.HistogramVec
	inflightRequests  *prometheus.GaugeVec
	handshakesTotal   *prometheus.CounterVec
	handshakeLatency  *prometheus.HistogramVec
	disablesTotal     *prometheus.CounterVec
	uptime            prometheus.GaugeFunc
}

var promMetrics *PrometheusMetrics

func init() {
	promMetrics = NewPrometheusMetrics("tapdisk_nbd")
}

// NewPrometheusMetrics constructs and registers the NBD client driver's
// Prometheus collectors under the given namespace, following the daemon's
// usual construction pattern: a private registry, namespace-scoped vectors,
// MustRegister at construction time.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		registry: registry,

		requestsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_enqueued_total",
			Help:      "Total block requests accepted by QueueRead/QueueWrite, by type.",
		}, []string{"type"}),

		requestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_completed_total",
			Help:      "Total block requests completed, by type and outcome.",
		}, []string{"type", "outcome"}),

		requestsBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_busy_total",
			Help:      "Total enqueue attempts rejected because the free-slot list was empty.",
		}),

		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_ms",
			Help:      "Round-trip latency from enqueue to completion callback, in milliseconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"type"}),

		inflightRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_inflight",
			Help:      "Requests sent to the peer and awaiting a reply, per connection.",
		}, []string{"conn"}),

		handshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total handshake attempts, by variant (oldstyle/newstyle) and outcome.",
		}, []string{"variant", "outcome"}),

		handshakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_ms",
			Help:      "Time spent negotiating the protocol, in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"variant"}),

		disablesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disables_total",
			Help:      "Total connection-fatal disables, by reason.",
		}, []string{"reason"}),
	}

	pm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the metrics subsystem initialized.",
	}, func() float64 {
		return time.Since(StartTime()).Seconds()
	})

	registry.MustRegister(
		pm.requestsEnqueued,
		pm.requestsCompleted,
		pm.requestsBusy,
		pm.requestLatency,
		pm.inflightRequests,
		pm.handshakesTotal,
		pm.handshakeLatency,
		pm.disablesTotal,
		pm.uptime,
	)

	return pm
}

// PrometheusRegistry returns the global Prometheus registry.
func PrometheusRegistry() *prometheus.Registry {
	return promMetrics.registry
}

// PrometheusHandler returns an HTTP handler that serves the registry in the
// Prometheus exposition format.
func PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// RecordPrometheusEnqueue records a successful enqueue of the given request type.
func RecordPrometheusEnqueue(reqType string) {
	promMetrics.requestsEnqueued.WithLabelValues(reqType).Inc()
}

// RecordPrometheusBusy records an enqueue rejected for lack of a free slot.
func RecordPrometheusBusy() {
	promMetrics.requestsBusy.Inc()
}

// RecordPrometheusCompletion records a request's outcome and round-trip latency.
func RecordPrometheusCompletion(reqType string, latencyMs float64, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	promMetrics.requestsCompleted.WithLabelValues(reqType, outcome).Inc()
	promMetrics.requestLatency.WithLabelValues(reqType).Observe(latencyMs)
}

// SetPrometheusInflight sets the in-flight request gauge for a connection.
func SetPrometheusInflight(conn string, n int) {
	promMetrics.inflightRequests.WithLabelValues(conn).Set(float64(n))
}

// RecordPrometheusHandshake records a handshake attempt's outcome and duration.
func RecordPrometheusHandshake(variant string, durationMs float64, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	promMetrics.handshakesTotal.WithLabelValues(variant, outcome).Inc()
	promMetrics.handshakeLatency.WithLabelValues(variant).Observe(durationMs)
}

// RecordPrometheusDisable records a connection-fatal disable by reason.
func RecordPrometheusDisable(reason string) {
	promMetrics.disablesTotal.WithLabelValues(reason).Inc()
}
