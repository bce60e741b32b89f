// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Streamed media requests can
// run for minutes, so the top buckets are wider than a typical API's.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300}

// Upstream failure reasons used as label values.
const (
	ReasonUnreachable = "unreachable"
	ReasonTimeout     = "timeout"
	ReasonRedirects   = "redirects"
	ReasonStatus      = "status"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  prometheus.Histogram
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec

	RelayedBytes        *prometheus.CounterVec
	ManifestReferences  prometheus.Counter
	ManifestRewriteErrs prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "video_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "video_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including the streamed body.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "video_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "video_proxy_upstream_header_duration_seconds",
			Help:    "Time from upstream request start until response headers arrive.",
			Buckets: defaultBuckets,
		}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "video_proxy_upstream_responses_total",
			Help: "Total upstream responses by status code.",
		}, []string{"status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "video_proxy_upstream_failures_total",
			Help: "Upstream fetches that failed, by reason.",
		}, []string{"reason"}),

		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "video_proxy_relayed_bytes_total",
			Help: "Body bytes written to clients, by relay kind.",
		}, []string{"kind"}),

		ManifestReferences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "video_proxy_manifest_references_rewritten_total",
			Help: "Manifest reference lines rewritten to point back at the proxy.",
		}),

		ManifestRewriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "video_proxy_manifest_rewrite_errors_total",
			Help: "Manifests that could not be rewritten.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.RelayedBytes,
		m.ManifestReferences,
		m.ManifestRewriteErrs,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeRoute returns a bounded route label for Prometheus metrics.
// route is the matched router pattern, which is empty for unmatched requests.
func NormalizeRoute(route string) string {
	if route == "" || route == "/*" {
		return "other"
	}
	return route
}
