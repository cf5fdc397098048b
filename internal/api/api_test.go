package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"karatcalc/internal/aggregator"
	"karatcalc/internal/cache"
	"karatcalc/internal/config"
	"karatcalc/internal/logger"
	"karatcalc/internal/quotes"
	"karatcalc/internal/ratelimit"
	"karatcalc/internal/testutils"
)

func newTestServer(t *testing.T) (*Server, *testutils.Upstream, *testutils.Upstream) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	crypto := testutils.NewUpstream(http.StatusOK, `[
		{"id": "bitcoin", "name": "Bitcoin", "symbol": "btc", "current_price": 67000}
	]`)
	metals := testutils.NewUpstream(http.StatusOK, `{"price": 2050}`)

	log := logger.NewNop()
	stores := map[string]cache.Store{
		"crypto": cache.NewMemoryStore(100, time.Minute),
		"metals": cache.NewMemoryStore(100, time.Minute),
	}
	trackers := map[string]*ratelimit.Tracker{
		"crypto": ratelimit.NewTracker(ratelimit.DefaultConfig()),
		"metals": ratelimit.NewTracker(ratelimit.DefaultConfig()),
	}

	cryptoCfg := quotes.DefaultCryptoConfig()
	cryptoCfg.BaseURL = crypto.URL
	cryptoCfg.MaxRetries = 0
	cryptoSvc, err := quotes.NewCryptoService(cryptoCfg, stores["crypto"], trackers["crypto"], log, nil)
	if err != nil {
		t.Fatalf("NewCryptoService failed: %v", err)
	}

	metalsCfg := quotes.DefaultMetalsConfig()
	metalsCfg.BaseURL = metals.URL
	metalsCfg.MaxRetries = 0
	metalsSvc, err := quotes.NewMetalsService(metalsCfg, stores["metals"], trackers["metals"], log, nil)
	if err != nil {
		t.Fatalf("NewMetalsService failed: %v", err)
	}

	agg := aggregator.New(cryptoSvc, metalsSvc, log, nil)
	sched := aggregator.NewScheduler(agg, log, nil)

	return NewServer(config.Default(), agg, sched, stores, trackers, log), crypto, metals
}

func doRequest(t *testing.T, server *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func TestMarketEndpoint(t *testing.T) {
	server, crypto, metals := newTestServer(t)
	defer crypto.Close()
	defer metals.Close()

	rec := doRequest(t, server, http.MethodGet, "/api/v1/market")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var data aggregator.MarketData
	if err := json.Unmarshal(rec.Body.Bytes(), &data); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(data.Cryptos) == 0 || len(data.Metals) == 0 {
		t.Error("market response must carry both halves")
	}
}

func TestForceRefreshEndpoint(t *testing.T) {
	server, crypto, metals := newTestServer(t)
	defer crypto.Close()
	defer metals.Close()

	doRequest(t, server, http.MethodGet, "/api/v1/market")
	before := crypto.Calls()

	rec := doRequest(t, server, http.MethodPost, "/api/v1/market/refresh")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if crypto.Calls() != before+1 {
		t.Errorf("force refresh should bypass the cache: calls %d -> %d", before, crypto.Calls())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, crypto, metals := newTestServer(t)
	defer crypto.Close()
	defer metals.Close()

	doRequest(t, server, http.MethodGet, "/api/v1/market")

	rec := doRequest(t, server, http.MethodGet, "/api/v1/market/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var report aggregator.HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if len(report.APIs) != 2 {
		t.Errorf("expected 2 upstream entries, got %d", len(report.APIs))
	}
}

func TestWorkTimeEndpoint(t *testing.T) {
	server, crypto, metals := newTestServer(t)
	defer crypto.Close()
	defer metals.Close()

	rec := doRequest(t, server, http.MethodGet, "/api/v1/worktime?amount=330&region=us")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var eq quotes.WorkTimeEquivalent
	if err := json.Unmarshal(rec.Body.Bytes(), &eq); err != nil {
		t.Fatalf("invalid worktime body: %v", err)
	}
	if eq.Hours != 10 {
		t.Errorf("expected 10 hours, got %.2f", eq.Hours)
	}

	rec = doRequest(t, server, http.MethodGet, "/api/v1/worktime?amount=nope")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad amount, got %d", rec.Code)
	}
}

func TestAdminClearCache(t *testing.T) {
	server, crypto, metals := newTestServer(t)
	defer crypto.Close()
	defer metals.Close()

	doRequest(t, server, http.MethodGet, "/api/v1/market")
	before := crypto.Calls()

	rec := doRequest(t, server, http.MethodPost, "/api/v1/admin/cache/clear")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Snapshot is empty and cache cleared, so the next read refetches.
	doRequest(t, server, http.MethodGet, "/api/v1/market")
	if crypto.Calls() != before+1 {
		t.Errorf("cleared cache should force a refetch: calls %d -> %d", before, crypto.Calls())
	}
}

func TestAdminResetRateLimits(t *testing.T) {
	server, crypto, metals := newTestServer(t)
	defer crypto.Close()
	defer metals.Close()

	rec := doRequest(t, server, http.MethodPost, "/api/v1/admin/ratelimits/reset?endpoint=crypto")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, server, http.MethodPost, "/api/v1/admin/ratelimits/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestBusinessMetricsEndpoint(t *testing.T) {
	server, crypto, metals := newTestServer(t)
	defer crypto.Close()
	defer metals.Close()

	doRequest(t, server, http.MethodGet, "/api/v1/market")

	rec := doRequest(t, server, http.MethodGet, "/api/v1/metrics/business")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid metrics body: %v", err)
	}
	for _, key := range []string{"metrics", "cache", "poll_interval"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %q in business metrics response", key)
		}
	}
}
