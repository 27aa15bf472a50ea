package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for every mounted route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "zeroveil",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// RequestsTotal counts pipeline outcomes by action (allow/deny) and reason.
var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "zeroveil",
		Subsystem: "requests",
		Name:      "total",
		Help:      "Total number of gateway requests by action and reason.",
	},
	[]string{"action", "reason"},
)

// RateLimitedTotal counts admission rejections by tenant.
var RateLimitedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "zeroveil",
		Subsystem: "rate_limit",
		Name:      "rejected_total",
		Help:      "Total number of requests rejected by rate limiting, by tenant.",
	},
	[]string{"tenant_id"},
)

// AuditWriteErrorsTotal counts audit sink write failures.
var AuditWriteErrorsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "zeroveil",
		Subsystem: "audit",
		Name:      "write_errors_total",
		Help:      "Total number of audit event write failures.",
	},
)

// UpstreamRequestDuration tracks latency of forwarded requests to the
// upstream provider.
var UpstreamRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "zeroveil",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Upstream provider request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"provider", "outcome"},
)

// All returns the gateway-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RateLimitedTotal,
		AuditWriteErrorsTotal,
		UpstreamRequestDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any
// additional service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
