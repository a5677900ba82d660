// Package monitoring observes the cache layer: store health probes,
// aggregated metrics across the cache, limiter and invalidation
// services, and periodic operator reports.
package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/credlane/lending-cache/cache"
	"github.com/credlane/lending-cache/invalidation"
	"github.com/credlane/lending-cache/ratelimit"
	"github.com/credlane/lending-cache/storage"
)

// Status classifies store health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	defaultHealthyBelow  = 50 * time.Millisecond
	defaultDegradedBelow = 250 * time.Millisecond
)

// Health is the outcome of one store probe.
type Health struct {
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	Error     string        `json:"error,omitempty"`
}

// Metrics aggregates the counters of every observed component.
type Metrics struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`

	RateAllowed int64 `json:"rate_allowed"`
	RateDenied  int64 `json:"rate_denied"`
	RateBlocked int64 `json:"rate_blocked"`
	RateErrors  int64 `json:"rate_errors"`

	Invalidations            int64   `json:"invalidations"`
	InvalidationFailures     int64   `json:"invalidation_failures"`
	KeysInvalidated          int64   `json:"keys_invalidated"`
	AvgInvalidationLatencyMs float64 `json:"avg_invalidation_latency_ms"`
	PendingScheduled         int     `json:"pending_scheduled"`
}

// Report is an operator-facing summary over a reporting window.
type Report struct {
	GeneratedAt     time.Time `json:"generated_at"`
	WindowHours     int       `json:"window_hours"`
	Summary         string    `json:"summary"`
	Health          Health    `json:"health"`
	Metrics         Metrics   `json:"metrics"`
	Alerts          []string  `json:"alerts,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
}

// Options configures a Monitor. The stats providers are optional;
// absent components simply report zeros.
type Options struct {
	// Store is probed for health. Required.
	Store storage.Store
	// Logger defaults to a no-op logger.
	Logger cache.Logger
	// CacheStats supplies cache service counters.
	CacheStats func() cache.Stats
	// LimiterStats supplies rate limiter counters.
	LimiterStats func() ratelimit.Stats
	// InvalidationStats supplies invalidation counters.
	InvalidationStats func(ctx context.Context) (invalidation.Stats, error)
	// HealthyBelow is the ping latency under which the store counts as
	// healthy. Defaults to 50ms.
	HealthyBelow time.Duration
	// DegradedBelow is the ping latency under which the store counts
	// as degraded rather than unhealthy. Defaults to 250ms.
	DegradedBelow time.Duration
}

// Monitor observes the cache layer's store and services.
type Monitor struct {
	store             storage.Store
	logger            cache.Logger
	cacheStats        func() cache.Stats
	limiterStats      func() ratelimit.Stats
	invalidationStats func(ctx context.Context) (invalidation.Stats, error)
	healthyBelow      time.Duration
	degradedBelow     time.Duration
	now               func() time.Time
}

// New creates a Monitor from the given options.
func New(opts Options) (*Monitor, error) {
	if opts.Store == nil {
		return nil, cache.ErrInvalidConfig
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.HealthyBelow <= 0 {
		opts.HealthyBelow = defaultHealthyBelow
	}
	if opts.DegradedBelow <= opts.HealthyBelow {
		opts.DegradedBelow = defaultDegradedBelow
		if opts.DegradedBelow <= opts.HealthyBelow {
			opts.DegradedBelow = 5 * opts.HealthyBelow
		}
	}
	return &Monitor{
		store:             opts.Store,
		logger:            opts.Logger,
		cacheStats:        opts.CacheStats,
		limiterStats:      opts.LimiterStats,
		invalidationStats: opts.InvalidationStats,
		healthyBelow:      opts.HealthyBelow,
		degradedBelow:     opts.DegradedBelow,
		now:               time.Now,
	}, nil
}

// HealthCheck probes the store once. A failed ping is unhealthy; a
// successful one classifies by round-trip latency.
func (m *Monitor) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	err := m.store.Ping(ctx)
	latency := time.Since(start)

	h := Health{Latency: latency, CheckedAt: m.now()}
	switch {
	case err != nil:
		h.Status = StatusUnhealthy
		h.Error = err.Error()
		m.logger.Warn("store health check failed", "error", err)
	case latency < m.healthyBelow:
		h.Status = StatusHealthy
	case latency < m.degradedBelow:
		h.Status = StatusDegraded
		m.logger.Warn("store responding slowly", "latency", latency)
	default:
		h.Status = StatusUnhealthy
		m.logger.Warn("store latency past degraded threshold", "latency", latency)
	}
	return h
}

// Metrics aggregates the current counters of every observed component.
func (m *Monitor) Metrics(ctx context.Context) Metrics {
	var out Metrics

	if m.cacheStats != nil {
		cs := m.cacheStats()
		out.Hits = cs.Hits
		out.Misses = cs.Misses
		out.Sets = cs.Sets
		out.Deletes = cs.Deletes
		out.Errors = cs.Errors
		out.HitRate = cs.HitRate()
	}
	if m.limiterStats != nil {
		ls := m.limiterStats()
		out.RateAllowed = ls.Allowed
		out.RateDenied = ls.Denied
		out.RateBlocked = ls.Blocked
		out.RateErrors = ls.Errors
	}
	if m.invalidationStats != nil {
		is, err := m.invalidationStats(ctx)
		if err != nil {
			m.logger.Warn("failed to read invalidation stats", "error", err)
		} else {
			out.Invalidations = is.Total
			out.InvalidationFailures = is.Failures
			out.KeysInvalidated = is.KeysInvalidated
			out.AvgInvalidationLatencyMs = is.AvgLatencyMs
			out.PendingScheduled = is.PendingScheduled
		}
	}
	return out
}

// Report combines a health probe with current metrics into an
// operator summary. Counters are running totals; windowHours labels
// the reporting cadence, it does not slice the counters.
func (m *Monitor) Report(ctx context.Context, windowHours int) Report {
	health := m.HealthCheck(ctx)
	metrics := m.Metrics(ctx)

	r := Report{
		GeneratedAt: m.now(),
		WindowHours: windowHours,
		Health:      health,
		Metrics:     metrics,
		Summary: fmt.Sprintf("store %s, hit rate %.1f%%, %d errors, %d invalidations",
			health.Status, metrics.HitRate*100, metrics.Errors, metrics.Invalidations),
	}

	switch health.Status {
	case StatusUnhealthy:
		r.alert("cache store is unhealthy: "+health.Error,
			"verify store connectivity and consider failing over")
	case StatusDegraded:
		r.alert(fmt.Sprintf("store latency %s exceeds the healthy threshold", health.Latency),
			"check store load and network path")
	}

	if reads := metrics.Hits + metrics.Misses; reads >= 100 && metrics.HitRate < 0.5 {
		r.alert(fmt.Sprintf("hit rate %.1f%% across %d reads", metrics.HitRate*100, reads),
			"review TTLs and key design; most reads are missing the cache")
	}
	if metrics.Errors > 0 {
		r.alert(fmt.Sprintf("%d cache operations degraded on store errors", metrics.Errors),
			"inspect store logs; reads fell back to upstream fetches")
	}
	if metrics.RateDenied > 100 && metrics.RateDenied > metrics.RateAllowed {
		r.alert(fmt.Sprintf("rate limiter denying more than it admits (%d denied / %d allowed)",
			metrics.RateDenied, metrics.RateAllowed),
			"review limiter rules or look for an abusive caller")
	}
	if metrics.InvalidationFailures > 0 {
		r.alert(fmt.Sprintf("%d invalidation failures", metrics.InvalidationFailures),
			"stale entries may be serving; re-run the failed invalidations")
	}
	return r
}

func (r *Report) alert(alert, recommendation string) {
	r.Alerts = append(r.Alerts, alert)
	r.Recommendations = append(r.Recommendations, recommendation)
}
