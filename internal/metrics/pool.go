package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a point-in-time view of a storage backend's connection pool.
type PoolStats struct {
	Acquired int64
	Idle     int64
	Total    int64
	Max      int64
}

// PoolStatsFunc reads the current pool statistics. It is called on every
// scrape.
type PoolStatsFunc func() PoolStats

type poolCollector struct {
	adapter string
	stats   PoolStatsFunc

	connections    *prometheus.Desc
	maxConnections *prometheus.Desc
}

// RegisterPool exposes the connection pool of the named adapter. The adapter
// label matches the one on the adapter operation metrics. A nil stats func is
// ignored.
func (m *Metrics) RegisterPool(adapter string, stats PoolStatsFunc) {
	if stats == nil {
		return
	}
	labels := prometheus.Labels{"adapter": adapter}
	m.Registry.MustRegister(&poolCollector{
		adapter: adapter,
		stats:   stats,
		connections: prometheus.NewDesc(
			"gatez_adapter_pool_connections",
			"Storage adapter connections by state.",
			[]string{"state"}, labels,
		),
		maxConnections: prometheus.NewDesc(
			"gatez_adapter_pool_max_connections",
			"Maximum storage adapter connections allowed in the pool, 0 when unbounded.",
			nil, labels,
		),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.maxConnections
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.stats()

	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stat.Acquired), "acquired")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stat.Idle), "idle")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stat.Total), "total")
	ch <- prometheus.MustNewConstMetric(c.maxConnections, prometheus.GaugeValue, float64(stat.Max))
}
