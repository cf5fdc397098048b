package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"karatcalc/internal/cache"
	"karatcalc/internal/logger"
	"karatcalc/internal/quotes"
	"karatcalc/internal/ratelimit"
	"karatcalc/internal/testutils"
	"karatcalc/internal/transport"
)

// newTestAggregator wires both domain services against the given
// upstreams. Each service gets its own cache and tracker, mirroring
// production wiring.
func newTestAggregator(t *testing.T, cryptoURL, metalsURL string) *Aggregator {
	return newTestAggregatorSized(t, cryptoURL, metalsURL, 100)
}

func newTestAggregatorSized(t *testing.T, cryptoURL, metalsURL string, cryptoCacheSize int) *Aggregator {
	t.Helper()
	log := logger.NewNop()

	cryptoCfg := quotes.DefaultCryptoConfig()
	cryptoCfg.BaseURL = cryptoURL
	cryptoCfg.Timeout = 2 * time.Second
	cryptoCfg.MaxRetries = 0
	cryptoSvc, err := quotes.NewCryptoService(cryptoCfg,
		cache.NewMemoryStore(cryptoCacheSize, time.Minute),
		ratelimit.NewTracker(ratelimit.DefaultConfig()), log, nil)
	if err != nil {
		t.Fatalf("NewCryptoService failed: %v", err)
	}

	metalsCfg := quotes.DefaultMetalsConfig()
	metalsCfg.BaseURL = metalsURL
	metalsCfg.Timeout = 2 * time.Second
	metalsCfg.MaxRetries = 0
	metalsSvc, err := quotes.NewMetalsService(metalsCfg,
		cache.NewMemoryStore(100, time.Minute),
		ratelimit.NewTracker(ratelimit.DefaultConfig()), log, nil)
	if err != nil {
		t.Fatalf("NewMetalsService failed: %v", err)
	}

	return New(cryptoSvc, metalsSvc, log, nil)
}

func healthyUpstreams(t *testing.T) (*testutils.Upstream, *testutils.Upstream) {
	t.Helper()
	crypto := testutils.NewUpstream(http.StatusOK, `[
		{"id": "bitcoin", "name": "Bitcoin", "symbol": "btc", "current_price": 67000}
	]`)
	metalPrices := map[string]float64{
		"gold":      2050,
		"silver":    25,
		"platinum":  950,
		"palladium": 1100,
	}
	metals := testutils.NewUpstreamFunc(func(w http.ResponseWriter, r *http.Request) {
		metal := strings.TrimPrefix(r.URL.Path, "/")
		json.NewEncoder(w).Encode(map[string]interface{}{"price": metalPrices[metal]})
	})
	return crypto, metals
}

func TestGetMarketDataMergesBothDomains(t *testing.T) {
	crypto, metals := healthyUpstreams(t)
	defer crypto.Close()
	defer metals.Close()

	agg := newTestAggregator(t, crypto.URL, metals.URL)
	data := agg.GetMarketData(context.Background())

	if len(data.Cryptos) == 0 || len(data.Metals) == 0 {
		t.Fatalf("expected both halves populated, got %d cryptos, %d metals",
			len(data.Cryptos), len(data.Metals))
	}
	if data.Performance.CryptoFallback || data.Performance.MetalsFallback {
		t.Error("healthy upstreams must not produce fallback results")
	}
	if data.Performance.FetchedAt.IsZero() {
		t.Error("performance must record the fetch time")
	}
}

func TestGetMarketDataIdempotentWithinTTL(t *testing.T) {
	crypto, metals := healthyUpstreams(t)
	defer crypto.Close()
	defer metals.Close()

	agg := newTestAggregator(t, crypto.URL, metals.URL)

	first := agg.GetMarketData(context.Background())
	second := agg.GetMarketData(context.Background())

	if !second.Performance.CryptoFromCache {
		t.Error("second call within TTL should serve cryptos from cache")
	}
	if !second.Performance.MetalsFromCache {
		t.Error("second call within TTL should serve metals from cache")
	}

	// Only provenance may differ between a live and a cached serve.
	// Timestamps must repeat: the cached serve carries the original
	// fetch time, not a fresh clock read.
	stripProvenance := func(qs []quotes.PriceQuote) []quotes.PriceQuote {
		out := make([]quotes.PriceQuote, len(qs))
		copy(out, qs)
		for i := range out {
			out[i].Provenance = ""
		}
		return out
	}
	if !reflect.DeepEqual(stripProvenance(first.Cryptos), stripProvenance(second.Cryptos)) {
		t.Error("crypto payloads should be identical across cached calls")
	}
	if !reflect.DeepEqual(stripProvenance(first.Metals), stripProvenance(second.Metals)) {
		t.Error("metal payloads should be identical across cached calls")
	}
}

func TestCacheOwnershipIsolatedPerService(t *testing.T) {
	crypto, metals := healthyUpstreams(t)
	defer crypto.Close()
	defer metals.Close()

	// A one-entry crypto cache: every distinct request evicts the
	// previous entry.
	agg := newTestAggregatorSized(t, crypto.URL, metals.URL, 1)
	agg.GetMarketData(context.Background())

	// Churn the crypto cache with distinct id sets. Metals entries
	// live in their own store and must survive this.
	for _, ids := range [][]string{{"bitcoin"}, {"ethereum"}, {"solana"}} {
		agg.crypto.FetchQuotes(context.Background(), ids)
	}

	data := agg.GetMarketData(context.Background())
	if !data.Performance.MetalsFromCache {
		t.Error("crypto cache churn must not evict metals entries")
	}
}

func TestGetMarketDataSurvivesTotalOutage(t *testing.T) {
	crypto := testutils.NewUpstream(http.StatusServiceUnavailable, ``)
	metals := testutils.NewUpstream(http.StatusServiceUnavailable, ``)
	defer crypto.Close()
	defer metals.Close()

	agg := newTestAggregator(t, crypto.URL, metals.URL)
	data := agg.GetMarketData(context.Background())

	if len(data.Cryptos) == 0 {
		t.Error("total outage must still yield non-empty cryptos")
	}
	if len(data.Metals) == 0 {
		t.Error("total outage must still yield non-empty metals")
	}
	if !data.Performance.CryptoFallback || !data.Performance.MetalsFallback {
		t.Error("both halves should be marked as fallback")
	}
	for _, q := range append(data.Cryptos, data.Metals...) {
		if q.PriceUSD <= 0 || q.ID == "" {
			t.Errorf("fallback quote %+v is not schema-valid", q)
		}
	}
}

func TestComputeHealth(t *testing.T) {
	tests := []struct {
		name     string
		errorPct float64
		avgMs    float64
		want     HealthStatus
	}{
		{"fast and clean", 1, 200, HealthExcellent},
		{"moderate", 10, 800, HealthGood},
		{"degraded", 30, 2000, HealthDegraded},
		{"slow but clean", 2, 2500, HealthDegraded},
		{"failing", 50, 2000, HealthCritical},
		{"timing out", 10, 5000, HealthCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := transport.ServiceMetrics{ErrorRatePct: tt.errorPct, AverageResponseTimeMs: tt.avgMs}
			if got := ComputeHealth(m); got != tt.want {
				t.Errorf("ComputeHealth(%v%%, %vms) = %s, want %s", tt.errorPct, tt.avgMs, got, tt.want)
			}
		})
	}
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		status  HealthStatus
		hitRate float64
		want    time.Duration
	}{
		{HealthExcellent, 10, 30 * time.Second},
		{HealthExcellent, 90, 60 * time.Second},
		{HealthGood, 50, 45 * time.Second},
		{HealthDegraded, 50, 90 * time.Second},
		{HealthCritical, 50, 180 * time.Second},
	}
	for _, tt := range tests {
		if got := PollInterval(tt.status, tt.hitRate); got != tt.want {
			t.Errorf("PollInterval(%s, %.0f) = %v, want %v", tt.status, tt.hitRate, got, tt.want)
		}
	}
}

func TestDegradedHealthYieldsNinetySecondInterval(t *testing.T) {
	m := transport.ServiceMetrics{ErrorRatePct: 30, AverageResponseTimeMs: 2000}
	status := ComputeHealth(m)
	if status != HealthDegraded {
		t.Fatalf("expected degraded, got %s", status)
	}
	if got := PollInterval(status, 50); got != 90000*time.Millisecond {
		t.Errorf("expected 90000ms interval, got %v", got)
	}
}

func TestHealthCheckClassifiesImpact(t *testing.T) {
	crypto, metals := healthyUpstreams(t)
	defer crypto.Close()
	defer metals.Close()

	agg := newTestAggregator(t, crypto.URL, metals.URL)
	agg.GetMarketData(context.Background())

	report := agg.HealthCheck()
	if !report.APIs["crypto"].Healthy || !report.APIs["metals"].Healthy {
		t.Errorf("healthy upstreams should report healthy APIs: %+v", report.APIs)
	}
	if report.CustomerImpact != "none" {
		t.Errorf("expected no customer impact, got %s", report.CustomerImpact)
	}
	if report.BusinessStatus != "nominal" {
		t.Errorf("expected nominal business status, got %s", report.BusinessStatus)
	}
}

func TestBusinessMetrics(t *testing.T) {
	crypto, metals := healthyUpstreams(t)
	defer crypto.Close()
	defer metals.Close()

	agg := newTestAggregator(t, crypto.URL, metals.URL)
	agg.GetMarketData(context.Background())
	agg.GetMarketData(context.Background()) // cached

	bm := agg.BusinessMetrics()
	if bm.ReliabilityPct != 100 {
		t.Errorf("expected 100%% reliability, got %.2f", bm.ReliabilityPct)
	}
	if bm.CacheEfficiencyPct <= 0 {
		t.Error("cached second call should raise cache efficiency above zero")
	}
	if _, ok := bm.Services["crypto"]; !ok {
		t.Error("expected per-service metrics for crypto")
	}
}
