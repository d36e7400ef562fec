package sitefeed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/theplant/sitefeed")

var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitefeed_resolve_total",
		Help: "Resolutions by the tier that answered them. Label \"source\" = fresh|live|stale|default.",
	}, []string{"source"})

	fetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitefeed_fetch_failures_total",
		Help: "Failed live fetches. Label \"reason\" = overload|timeout|error|panic.",
	}, []string{"reason"})

	limiterDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitefeed_limiter_denied_total",
		Help: "Acquisitions denied by the rate limiter. Label \"reason\" = window|cooldown.",
	}, []string{"reason"})

	overloadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitefeed_overload_total",
		Help: "Overload signals received from upstream.",
	})

	upstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitefeed_upstream_request_duration_seconds",
		Help:    "Upstream HTTP request latency.",
		Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint", "code"})

	dedupShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitefeed_dedup_shared_total",
		Help: "Deduplicated calls whose result was shared with other callers.",
	})
)
