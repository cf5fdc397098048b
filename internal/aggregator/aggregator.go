// Package aggregator fans out to the domain services, merges their
// results into one market snapshot, and derives the composite health
// that drives adaptive polling.
package aggregator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"karatcalc/internal/monitor"
	"karatcalc/internal/quotes"
	"karatcalc/internal/transport"
)

// Performance annotates a snapshot with provenance and timing.
type Performance struct {
	CryptoFromCache bool      `json:"crypto_from_cache"`
	MetalsFromCache bool      `json:"metals_from_cache"`
	CryptoFallback  bool      `json:"crypto_fallback"`
	MetalsFallback  bool      `json:"metals_fallback"`
	TotalTimeMs     float64   `json:"total_time_ms"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// MarketData is the merged result delivered to consumers. Always
// non-empty and schema-valid, whatever the upstreams did.
type MarketData struct {
	Cryptos     []quotes.PriceQuote `json:"cryptos"`
	Metals      []quotes.PriceQuote `json:"metals"`
	Performance Performance         `json:"performance"`
	// Banner is a pre-sanitized message for the UI error banner. Set
	// only for the rare surfaceable conditions; empty means render
	// data normally.
	Banner string `json:"banner,omitempty"`
}

// APIHealth is the per-upstream health report.
type APIHealth struct {
	Healthy               bool    `json:"healthy"`
	ErrorRatePct          float64 `json:"error_rate_pct"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
}

// HealthReport is the coarse classification served to dashboards.
type HealthReport struct {
	Status         HealthStatus         `json:"status"`
	APIs           map[string]APIHealth `json:"apis"`
	CustomerImpact string               `json:"customer_impact"`
	BusinessStatus string               `json:"business_status"`
}

// BusinessMetrics are the derived reliability numbers for dashboards.
type BusinessMetrics struct {
	ReliabilityPct     float64                              `json:"reliability_pct"`
	CacheEfficiencyPct float64                              `json:"cache_efficiency_pct"`
	Services           map[string]transport.ServiceMetrics  `json:"services"`
}

// Aggregator merges the two domain services. Services are injected;
// the aggregator owns nothing below them and only reads their metrics.
type Aggregator struct {
	crypto *quotes.CryptoService
	metals *quotes.MetalsService
	log    *logrus.Entry
	obs    *monitor.Collector
}

// New creates an aggregator over the two domain services.
func New(crypto *quotes.CryptoService, metals *quotes.MetalsService, log *logrus.Logger, obs *monitor.Collector) *Aggregator {
	return &Aggregator{
		crypto: crypto,
		metals: metals,
		log:    log.WithField("component", "aggregator"),
		obs:    obs,
	}
}

// GetMarketData issues both domain-service calls concurrently and
// waits for both to settle. A service that fails in an unexpected way
// (a panic, distinct from its own handled fallback) is replaced by the
// emergency reference set so the caller always gets a well-typed,
// non-empty result.
func (a *Aggregator) GetMarketData(ctx context.Context, opts ...quotes.FetchOption) MarketData {
	start := time.Now()

	cryptoCh := make(chan quotes.FetchResult, 1)
	metalsCh := make(chan quotes.FetchResult, 1)

	go func() {
		defer a.recover(cryptoCh, quotes.CryptoFallbackQuotes(nil))
		cryptoCh <- a.crypto.FetchQuotes(ctx, nil, opts...)
	}()
	go func() {
		defer a.recover(metalsCh, quotes.MetalFallbackQuotes(nil))
		metalsCh <- a.metals.FetchQuotes(ctx, nil, opts...)
	}()

	cryptoRes := <-cryptoCh
	metalsRes := <-metalsCh

	banner := cryptoRes.Banner
	if banner == "" {
		banner = metalsRes.Banner
	}

	return MarketData{
		Cryptos: cryptoRes.Quotes,
		Metals:  metalsRes.Quotes,
		Performance: Performance{
			CryptoFromCache: cryptoRes.FromCache,
			MetalsFromCache: metalsRes.FromCache,
			CryptoFallback:  cryptoRes.IsFallback,
			MetalsFallback:  metalsRes.IsFallback,
			TotalTimeMs:     float64(time.Since(start).Milliseconds()),
			FetchedAt:       time.Now(),
		},
		Banner: banner,
	}
}

// recover converts a panicking service into an emergency fallback
// result. Should not happen; the domain services absorb their own
// failures. Belt under the braces.
func (a *Aggregator) recover(ch chan<- quotes.FetchResult, emergency []quotes.PriceQuote) {
	if r := recover(); r != nil {
		a.log.WithField("panic", r).Error("domain service panicked, serving emergency set")
		a.obs.ObserveFallback("aggregator", "panic")
		ch <- quotes.FetchResult{Quotes: emergency, IsFallback: true}
	}
}

// HealthCheck classifies each upstream and the composite customer and
// business impact from the services' running metrics.
func (a *Aggregator) HealthCheck() HealthReport {
	cryptoM := a.crypto.Metrics()
	metalsM := a.metals.Metrics()

	status := ComputeHealth(combinedMetrics(cryptoM, metalsM))
	report := HealthReport{
		Status: status,
		APIs: map[string]APIHealth{
			"crypto": apiHealth(cryptoM),
			"metals": apiHealth(metalsM),
		},
	}

	switch status {
	case HealthExcellent, HealthGood:
		report.CustomerImpact = "none"
		report.BusinessStatus = "nominal"
	case HealthDegraded:
		report.CustomerImpact = "slower_updates"
		report.BusinessStatus = "watch"
	default:
		report.CustomerImpact = "stale_or_fallback_data"
		report.BusinessStatus = "incident"
	}
	return report
}

// BusinessMetrics derives dashboard reliability numbers from the
// services' counters.
func (a *Aggregator) BusinessMetrics() BusinessMetrics {
	cryptoM := a.crypto.Metrics()
	metalsM := a.metals.Metrics()
	combined := combinedMetrics(cryptoM, metalsM)

	return BusinessMetrics{
		ReliabilityPct:     100 - combined.ErrorRatePct,
		CacheEfficiencyPct: combined.CacheHitRatePct,
		Services: map[string]transport.ServiceMetrics{
			"crypto": cryptoM,
			"metals": metalsM,
		},
	}
}

// ResetMetrics zeroes both services' counters. Admin action.
func (a *Aggregator) ResetMetrics() {
	a.crypto.ResetMetrics()
	a.metals.ResetMetrics()
}

func apiHealth(m transport.ServiceMetrics) APIHealth {
	return APIHealth{
		Healthy:               m.ErrorRatePct < 40 && m.AverageResponseTimeMs < 3000,
		ErrorRatePct:          m.ErrorRatePct,
		AverageResponseTimeMs: m.AverageResponseTimeMs,
	}
}

// combinedMetrics merges two services' counters pessimistically: the
// worse error rate and latency dominate, since either upstream
// degrading degrades the product.
func combinedMetrics(a, b transport.ServiceMetrics) transport.ServiceMetrics {
	out := transport.ServiceMetrics{
		TotalRequests:      a.TotalRequests + b.TotalRequests,
		SuccessfulRequests: a.SuccessfulRequests + b.SuccessfulRequests,
		FailedRequests:     a.FailedRequests + b.FailedRequests,
		CacheHits:          a.CacheHits + b.CacheHits,
	}
	out.ErrorRatePct = maxf(a.ErrorRatePct, b.ErrorRatePct)
	out.AverageResponseTimeMs = maxf(a.AverageResponseTimeMs, b.AverageResponseTimeMs)
	if out.TotalRequests > 0 {
		out.CacheHitRatePct = float64(out.CacheHits) / float64(out.TotalRequests) * 100
	}
	return out
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
