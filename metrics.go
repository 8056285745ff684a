package cachingproxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/always-cache/caching-proxy/cache"
)

const metricsNamespace = "caching_proxy"

// Metrics holds the Prometheus collectors of a proxy, registered in their own registry.
type Metrics struct {
	Registry *prometheus.Registry

	requests       *prometheus.CounterVec
	dropped        prometheus.Counter
	originFailures prometheus.Counter
	originDuration prometheus.Histogram
}

// NewMetrics creates the proxy metrics.
// If store is not nil, the number of cache entries is exported as well.
func NewMetrics(store *cache.Store) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Responses sent to clients, by cache status.",
		}, []string{"status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_requests_total",
			Help:      "Client connections closed without a response because of an empty or invalid request.",
		}),
		originFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "origin_failures_total",
			Help:      "Requests answered with 502 Bad Gateway because the origin could not be reached.",
		}),
		originDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "origin_duration_seconds",
			Help:      "Time spent forwarding requests to the origin.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.Registry.MustRegister(
		m.requests,
		m.dropped,
		m.originFailures,
		m.originDuration,
		collectors.NewGoCollector(),
	)
	if store != nil {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cache_entries",
			Help:      "Number of responses in the cache.",
		}, func() float64 {
			return float64(store.Len())
		}))
	}
	return m
}
