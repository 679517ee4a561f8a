package redis

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// operationDuration times every store round trip by operation and result.
var operationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gatekeeper",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis store operations by result (ok, miss, error)",
		Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	},
	[]string{"operation", "result"},
)

// Timed is a helper to time operations. Use with defer:
//
//	done := Timed("blacklist_lookup")
//	defer func() { done(err) }()
func Timed(operation string) func(error) {
	start := time.Now()
	return func(err error) {
		operationDuration.WithLabelValues(operation, resultLabel(err)).Observe(time.Since(start).Seconds())
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrKeyNotFound):
		return "miss"
	default:
		return "error"
	}
}

// PoolCollector exports connection pool statistics, read at scrape time.
type PoolCollector struct {
	client *Client

	hits       *prometheus.Desc
	misses     *prometheus.Desc
	timeouts   *prometheus.Desc
	stale      *prometheus.Desc
	totalConns *prometheus.Desc
	idleConns  *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector creates a collector for client's pool. Register it once.
func NewPoolCollector(client *Client) *PoolCollector {
	name := func(n string) string { return prometheus.BuildFQName("gatekeeper", "redis", n) }
	return &PoolCollector{
		client:     client,
		hits:       prometheus.NewDesc(name("pool_hits_total"), "Times a free connection was found in the pool", nil, nil),
		misses:     prometheus.NewDesc(name("pool_misses_total"), "Times a free connection was not found in the pool", nil, nil),
		timeouts:   prometheus.NewDesc(name("pool_timeouts_total"), "Times a wait for a connection timed out", nil, nil),
		stale:      prometheus.NewDesc(name("pool_stale_connections_total"), "Stale connections removed from the pool", nil, nil),
		totalConns: prometheus.NewDesc(name("pool_connections"), "Connections currently in the pool", nil, nil),
		idleConns:  prometheus.NewDesc(name("pool_idle_connections"), "Idle connections currently in the pool", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.timeouts
	ch <- c.stale
	ch <- c.totalConns
	ch <- c.idleConns
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.client.PoolStats()
	if stats == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(stats.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.CounterValue, float64(stats.StaleConns))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stats.TotalConns))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stats.IdleConns))
}
