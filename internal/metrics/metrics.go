// Package metrics provides the proxy's in-process counters and gauges,
// grounded on the prometheus instrumentation pattern used by ghcache's
// caching reverse proxy (concurrent_outbound_requests gauge, registered
// once via an init-time MustRegister). This proxy registers its collectors
// but does not mount an HTTP /metrics endpoint itself — a caller may do
// that with the returned Registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheStats mirrors cache.Stats field for field, so a cache.Stats value
// converts to it directly; this package does not import cache.
type CacheStats struct {
	Entries    int
	TotalBytes int
	Hits       int64
	Misses     int64
	Evictions  int64
	Rejections int64
}

// Metrics bundles the proxy's collectors. Construct with New; each Metrics
// owns its own registry so tests can create independent instances.
type Metrics struct {
	Registry *prometheus.Registry

	InFlightConnections prometheus.Gauge
	RequestsBlocked     prometheus.Counter
	RequestsForwarded   prometheus.Counter
	RequestsFailed      prometheus.Counter
}

// New creates a Metrics instance. statsFn is polled on every /metrics
// scrape to populate the cache gauges; pass a closure over the server's
// cache.Store (e.g. func() metrics.CacheStats { return
// metrics.CacheStats(store.Stats()) }).
func New(statsFn func() CacheStats) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		InFlightConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oklama_inflight_connections",
			Help: "Number of client connections currently holding a worker permit.",
		}),
		RequestsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oklama_requests_blocked_total",
			Help: "Number of requests refused because their host is on the block list.",
		}),
		RequestsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oklama_requests_forwarded_total",
			Help: "Number of requests forwarded to an origin server.",
		}),
		RequestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oklama_requests_failed_total",
			Help: "Number of requests that ended in an error response to the client or in an aborted upstream exchange.",
		}),
	}

	reg.MustRegister(m.InFlightConnections, m.RequestsBlocked, m.RequestsForwarded, m.RequestsFailed)

	if statsFn != nil {
		reg.MustRegister(cacheCollector{statsFn})
	}

	return m
}

// cacheCollector adapts a CacheStats poll function into a prometheus
// Collector, so the Cache Store's own accounting (hits, misses, evictions,
// rejections) is the single source of truth instead of being tracked a
// second time by the request handler.
type cacheCollector struct {
	statsFn func() CacheStats
}

var (
	cacheEntriesDesc    = prometheus.NewDesc("oklama_cache_entries", "Number of entries currently in the cache.", nil, nil)
	cacheBytesDesc      = prometheus.NewDesc("oklama_cache_bytes", "Total accounted bytes currently in the cache.", nil, nil)
	cacheHitsDesc       = prometheus.NewDesc("oklama_cache_hits_total", "Number of cache lookups that found an entry.", nil, nil)
	cacheMissesDesc     = prometheus.NewDesc("oklama_cache_misses_total", "Number of cache lookups that found nothing.", nil, nil)
	cacheEvictionsDesc  = prometheus.NewDesc("oklama_cache_evictions_total", "Number of entries evicted to stay within the total size bound.", nil, nil)
	cacheRejectionsDesc = prometheus.NewDesc("oklama_cache_rejections_total", "Number of insertions rejected for exceeding the per-entry bound.", nil, nil)
)

func (c cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheEntriesDesc
	ch <- cacheBytesDesc
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheEvictionsDesc
	ch <- cacheRejectionsDesc
}

func (c cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statsFn()
	ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(cacheBytesDesc, prometheus.GaugeValue, float64(s.TotalBytes))
	ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(cacheEvictionsDesc, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(cacheRejectionsDesc, prometheus.CounterValue, float64(s.Rejections))
}
