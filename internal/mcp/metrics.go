package mcp

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records retrieval engine query telemetry as Prometheus counters and
// a latency histogram, exposed over HTTP via Handler() (optional, disabled
// unless the caller mounts it — see cmd/cpm serve's --metrics-addr flag). Each
// Metrics owns a private registry rather than the global default so that
// constructing more than one Server in a process (e.g. in tests) never
// panics on duplicate metric registration.
type Metrics struct {
	registry       *prometheus.Registry
	queriesTotal   *prometheus.CounterVec
	cacheResults   *prometheus.CounterVec
	queryLatencies prometheus.Histogram
}

// NewMetrics registers a fresh, independent set of query metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cpm_mcp_queries_total",
			Help: "Total query tool invocations, by outcome.",
		}, []string{"outcome"}),
		cacheResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cpm_mcp_query_cache_results_total",
			Help: "Query cache-hit vs cache-miss counts.",
		}, []string{"result"}),
		queryLatencies: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cpm_mcp_query_duration_seconds",
			Help:    "Query tool latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler returns an HTTP handler serving this Metrics' registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records one query tool invocation's outcome, cache-hit state,
// and latency.
func (m *Metrics) ObserveQuery(d time.Duration, success, cacheHit bool) {
	if m == nil {
		return
	}
	outcome := "error"
	if success {
		outcome = "success"
	}
	m.queriesTotal.WithLabelValues(outcome).Inc()
	m.queryLatencies.Observe(d.Seconds())

	if !success {
		return
	}
	result := "miss"
	if cacheHit {
		result = "hit"
	}
	m.cacheResults.WithLabelValues(result).Inc()
}
