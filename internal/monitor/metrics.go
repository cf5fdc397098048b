package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exports acquisition-layer metrics to Prometheus.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheHitsTotal  *prometheus.CounterVec
	cacheEntries    *prometheus.GaugeVec
	rateLimited     *prometheus.CounterVec
	fallbacksTotal  *prometheus.CounterVec
	validationFails *prometheus.CounterVec
	healthLevel     prometheus.Gauge
	pollInterval    prometheus.Gauge
	refreshCycles   prometheus.Counter
}

// NewCollector registers collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use their own
// registry so parallel tests don't collide.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karatcalc_upstream_requests_total",
			Help: "Upstream requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "karatcalc_upstream_request_duration_seconds",
			Help:    "Upstream request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karatcalc_cache_hits_total",
			Help: "Response cache hits by endpoint",
		}, []string{"endpoint"}),
		cacheEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "karatcalc_cache_entries",
			Help: "Entries currently held by each service's response cache",
		}, []string{"endpoint"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karatcalc_rate_limited_total",
			Help: "Requests denied by the local rate tracker",
		}, []string{"endpoint"}),
		fallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karatcalc_fallbacks_total",
			Help: "Fallback servings by service and reason",
		}, []string{"service", "reason"}),
		validationFails: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karatcalc_validation_failures_total",
			Help: "Upstream payloads rejected by validation",
		}, []string{"domain"}),
		healthLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "karatcalc_health_level",
			Help: "Composite health: 0 excellent, 1 good, 2 degraded, 3 critical",
		}),
		pollInterval: factory.NewGauge(prometheus.GaugeOpts{
			Name: "karatcalc_poll_interval_seconds",
			Help: "Current adaptive polling interval",
		}),
		refreshCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "karatcalc_refresh_cycles_total",
			Help: "Completed scheduler refresh cycles",
		}),
	}
}

func (c *Collector) ObserveRequest(endpoint, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(endpoint, outcome).Inc()
	c.requestDuration.WithLabelValues(endpoint).Observe(seconds)
}

func (c *Collector) ObserveCacheHit(endpoint string) {
	if c == nil {
		return
	}
	c.cacheHitsTotal.WithLabelValues(endpoint).Inc()
}

func (c *Collector) SetCacheEntries(endpoint string, n int) {
	if c == nil {
		return
	}
	c.cacheEntries.WithLabelValues(endpoint).Set(float64(n))
}

func (c *Collector) ObserveRateLimited(endpoint string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(endpoint).Inc()
}

func (c *Collector) ObserveFallback(service, reason string) {
	if c == nil {
		return
	}
	c.fallbacksTotal.WithLabelValues(service, reason).Inc()
}

func (c *Collector) ObserveValidationFailure(domain string) {
	if c == nil {
		return
	}
	c.validationFails.WithLabelValues(domain).Inc()
}

func (c *Collector) SetHealthLevel(level int) {
	if c == nil {
		return
	}
	c.healthLevel.Set(float64(level))
}

func (c *Collector) SetPollInterval(seconds float64) {
	if c == nil {
		return
	}
	c.pollInterval.Set(seconds)
}

func (c *Collector) ObserveRefreshCycle() {
	if c == nil {
		return
	}
	c.refreshCycles.Inc()
}
