// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for forwarding latency; long downloads are
// bounded by the forward timeout, hence the wide tail.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ForwardOutcomes *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	DebugDumps      prometheus.Counter
	RelayedBytes    *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathproxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pathproxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pathproxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pathproxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathproxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		ForwardOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathproxy_forward_outcomes_total",
			Help: "Forwarding attempts by outcome.",
		}, []string{"outcome"}),

		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathproxy_rejections_total",
			Help: "Requests rejected before any network I/O, by reason.",
		}, []string{"reason"}),

		DebugDumps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pathproxy_debug_dumps_total",
			Help: "Debug requests answered with a request dump.",
		}),

		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathproxy_relayed_bytes_total",
			Help: "Response body bytes written to callers, by emission mode.",
		}, []string{"mode"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ForwardOutcomes,
		m.Rejections,
		m.DebugDumps,
		m.RelayedBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "TRACE": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// ownRoutes lists the gateway's own endpoints; everything else is forwarded.
var ownRoutes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizeRoute returns a bounded route label: one of the gateway's own
// endpoints, or "forward".
func NormalizeRoute(path string) string {
	for _, r := range ownRoutes {
		if path == r || strings.HasPrefix(path, r+"?") {
			return r
		}
	}
	return "forward"
}
