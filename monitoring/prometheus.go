package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "lending_cache"

// Collector exposes Monitor numbers as Prometheus metrics. Values are
// read from the services on scrape, so the services keep their own
// counters and nothing is double-counted.
type Collector struct {
	monitor       *Monitor
	scrapeTimeout time.Duration

	hits       *prometheus.Desc
	misses     *prometheus.Desc
	sets       *prometheus.Desc
	deletes    *prometheus.Desc
	errors     *prometheus.Desc
	hitRate    *prometheus.Desc
	rlAllowed  *prometheus.Desc
	rlDenied   *prometheus.Desc
	rlBlocked  *prometheus.Desc
	rlErrors   *prometheus.Desc
	invTotal   *prometheus.Desc
	invFailed  *prometheus.Desc
	invKeys    *prometheus.Desc
	invLatency *prometheus.Desc
	invPending *prometheus.Desc
	storeUp    *prometheus.Desc
	storePing  *prometheus.Desc
}

// NewCollector wraps a Monitor for registration with a Prometheus
// registry.
func NewCollector(m *Monitor) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil)
	}
	return &Collector{
		monitor:       m,
		scrapeTimeout: 5 * time.Second,

		hits:       desc("cache_hits_total", "Total cache hits."),
		misses:     desc("cache_misses_total", "Total cache misses."),
		sets:       desc("cache_sets_total", "Total cache writes."),
		deletes:    desc("cache_deletes_total", "Total cache deletes."),
		errors:     desc("cache_errors_total", "Total cache operations degraded on store errors."),
		hitRate:    desc("cache_hit_rate", "Fraction of reads served from cache, 0 to 1."),
		rlAllowed:  desc("ratelimit_allowed_total", "Total requests admitted by the rate limiter."),
		rlDenied:   desc("ratelimit_denied_total", "Total requests denied by the rate limiter."),
		rlBlocked:  desc("ratelimit_blocked_total", "Total requests rejected by an admin block."),
		rlErrors:   desc("ratelimit_errors_total", "Total rate limit checks that failed open."),
		invTotal:   desc("invalidations_total", "Total invalidation operations."),
		invFailed:  desc("invalidation_failures_total", "Total failed invalidation operations."),
		invKeys:    desc("invalidated_keys_total", "Total keys removed by invalidations."),
		invLatency: desc("invalidation_latency_avg_ms", "Average invalidation latency in milliseconds."),
		invPending: desc("invalidation_pending_scheduled", "Scheduled invalidations not yet executed."),
		storeUp:    desc("store_up", "1 when the store ping succeeds within thresholds, 0 when unhealthy."),
		storePing:  desc("store_ping_seconds", "Latency of the most recent store ping."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.hits, c.misses, c.sets, c.deletes, c.errors, c.hitRate,
		c.rlAllowed, c.rlDenied, c.rlBlocked, c.rlErrors,
		c.invTotal, c.invFailed, c.invKeys, c.invLatency, c.invPending,
		c.storeUp, c.storePing,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.scrapeTimeout)
	defer cancel()

	m := c.monitor.Metrics(ctx)
	health := c.monitor.HealthCheck(ctx)

	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.hits, m.Hits)
	counter(c.misses, m.Misses)
	counter(c.sets, m.Sets)
	counter(c.deletes, m.Deletes)
	counter(c.errors, m.Errors)
	gauge(c.hitRate, m.HitRate)

	counter(c.rlAllowed, m.RateAllowed)
	counter(c.rlDenied, m.RateDenied)
	counter(c.rlBlocked, m.RateBlocked)
	counter(c.rlErrors, m.RateErrors)

	counter(c.invTotal, m.Invalidations)
	counter(c.invFailed, m.InvalidationFailures)
	counter(c.invKeys, m.KeysInvalidated)
	gauge(c.invLatency, m.AvgInvalidationLatencyMs)
	gauge(c.invPending, float64(m.PendingScheduled))

	up := 0.0
	if health.Status != StatusUnhealthy {
		up = 1.0
	}
	gauge(c.storeUp, up)
	gauge(c.storePing, health.Latency.Seconds())
}
