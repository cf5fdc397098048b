package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"karatcalc/internal/cache"
	"karatcalc/internal/errs"
	"karatcalc/internal/logger"
	"karatcalc/internal/ratelimit"
	"karatcalc/internal/testutils"
)

func newTestClient(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	store := cache.NewMemoryStore(100, time.Minute)
	tracker := ratelimit.NewTracker(ratelimit.Config{Window: time.Minute, BaseLimit: 1000, Burst: 0})
	return NewClient(cfg, store, tracker, logger.NewNop(), nil)
}

func TestGetAllowListRejects(t *testing.T) {
	client := newTestClient(Config{AllowedHosts: []string{"api.example.com"}})

	_, err := client.Get(context.Background(), "http://evil.example.net/prices")
	if err == nil {
		t.Fatal("expected security error for disallowed host")
	}
	e := errs.As(err)
	if e == nil || !e.IsSecurity() {
		t.Errorf("expected security error, got %v", err)
	}
}

func TestGetCachesResponses(t *testing.T) {
	upstream := testutils.NewUpstream(http.StatusOK, `{"price": 2050}`)
	defer upstream.Close()

	client := newTestClient(Config{
		AllowedHosts: []string{"127.0.0.1"},
		CacheTTL:     time.Minute,
	})

	first, err := client.Get(context.Background(), upstream.URL)
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	if first.FromCache {
		t.Error("first response must not come from cache")
	}

	second, err := client.Get(context.Background(), upstream.URL)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if !second.FromCache {
		t.Error("second response should come from cache")
	}
	if second.StoredAt.IsZero() || !second.StoredAt.Equal(first.StoredAt) {
		t.Errorf("cached serve must repeat the original stored-at time: %v != %v", second.StoredAt, first.StoredAt)
	}
	if upstream.Calls() != 1 {
		t.Errorf("expected 1 upstream call, got %d", upstream.Calls())
	}
}

func TestGetBypassCache(t *testing.T) {
	upstream := testutils.NewUpstream(http.StatusOK, `{}`)
	defer upstream.Close()

	client := newTestClient(Config{
		AllowedHosts: []string{"127.0.0.1"},
		CacheTTL:     time.Minute,
	})

	client.Get(context.Background(), upstream.URL)
	resp, err := client.Get(context.Background(), upstream.URL, BypassCache())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if resp.FromCache {
		t.Error("BypassCache must skip the cache read")
	}
	if upstream.Calls() != 2 {
		t.Errorf("expected 2 upstream calls, got %d", upstream.Calls())
	}
}

func TestGetRetriesOn5xx(t *testing.T) {
	var count int64
	upstream := testutils.NewUpstreamFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&count, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	})
	defer upstream.Close()

	client := newTestClient(Config{
		AllowedHosts:   []string{"127.0.0.1"},
		MaxRetries:     3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})

	resp, err := client.Get(context.Background(), upstream.URL)
	if err != nil {
		t.Fatalf("Get should succeed after retries: %v", err)
	}
	if string(resp.Payload) != `{"ok": true}` {
		t.Errorf("unexpected payload %q", resp.Payload)
	}
	if upstream.Calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", upstream.Calls())
	}
}

func TestGetDoesNotRetry404(t *testing.T) {
	upstream := testutils.NewUpstream(http.StatusNotFound, `{}`)
	defer upstream.Close()

	client := newTestClient(Config{
		AllowedHosts:   []string{"127.0.0.1"},
		MaxRetries:     3,
		InitialBackoff: 5 * time.Millisecond,
	})

	_, err := client.Get(context.Background(), upstream.URL)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if upstream.Calls() != 1 {
		t.Errorf("404 must not be retried: got %d attempts", upstream.Calls())
	}
}

func TestCustomerFacingErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  errs.Code
		wantWords string
	}{
		{"rate limited upstream", http.StatusTooManyRequests, errs.CodeHighDemand, "high demand"},
		{"server error", http.StatusInternalServerError, errs.CodeUpstream5xx, "temporarily unavailable"},
		{"not found", http.StatusNotFound, errs.CodeNotFound, "not available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := testutils.NewUpstream(tt.status, `{"detail": "internal gibberish"}`)
			defer upstream.Close()

			client := newTestClient(Config{
				AllowedHosts:   []string{"127.0.0.1"},
				CustomerFacing: true,
				InitialBackoff: 5 * time.Millisecond,
			})

			_, err := client.Get(context.Background(), upstream.URL)
			if err == nil {
				t.Fatal("expected error")
			}
			e := errs.As(err)
			if e == nil {
				t.Fatalf("expected typed error, got %v", err)
			}
			if e.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, e.Code)
			}
			if e.Message != e.CustomerMessage {
				t.Error("customer-facing errors must expose only the sanitized message")
			}
			if e.Cause != nil {
				t.Error("customer-facing errors must not carry the raw cause")
			}
		})
	}
}

func TestGetServesStaleOnUpstreamFailure(t *testing.T) {
	var failing atomic.Bool
	upstream := testutils.NewUpstreamFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"price": 2050}`))
	})
	defer upstream.Close()

	client := newTestClient(Config{
		AllowedHosts:   []string{"127.0.0.1"},
		CacheTTL:       30 * time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
	})

	if _, err := client.Get(context.Background(), upstream.URL); err != nil {
		t.Fatalf("seed Get failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond) // let the entry expire
	failing.Store(true)

	resp, err := client.Get(context.Background(), upstream.URL)
	if err != nil {
		t.Fatalf("expected stale serve, got error: %v", err)
	}
	if !resp.Stale || !resp.FromCache {
		t.Errorf("expected stale cache response, got stale=%v fromCache=%v", resp.Stale, resp.FromCache)
	}
	if string(resp.Payload) != `{"price": 2050}` {
		t.Errorf("unexpected stale payload %q", resp.Payload)
	}
}

func TestStaleServesStillCountUpstreamFailures(t *testing.T) {
	var failing atomic.Bool
	upstream := testutils.NewUpstreamFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"price": 2050}`))
	})
	defer upstream.Close()

	client := newTestClient(Config{
		AllowedHosts:   []string{"127.0.0.1"},
		CacheTTL:       30 * time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
	})

	if _, err := client.Get(context.Background(), upstream.URL); err != nil {
		t.Fatalf("seed Get failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	failing.Store(true)

	// Every call succeeds from the caller's view, but each one hit a
	// dead upstream first. Those failures must reach the counters, or
	// health classification stays green through a full outage.
	for i := 0; i < 3; i++ {
		resp, err := client.Get(context.Background(), upstream.URL)
		if err != nil {
			t.Fatalf("call %d: expected stale serve, got error: %v", i, err)
		}
		if !resp.Stale {
			t.Fatalf("call %d: expected stale response", i)
		}
	}

	m := client.Metrics()
	if m.TotalRequests != 4 {
		t.Errorf("expected 4 total requests, got %d", m.TotalRequests)
	}
	if m.FailedRequests != 3 {
		t.Errorf("expected 3 failed requests behind the stale serves, got %d", m.FailedRequests)
	}
	if m.StaleServes != 3 {
		t.Errorf("expected 3 stale serves, got %d", m.StaleServes)
	}
	if m.ErrorRatePct != 75 {
		t.Errorf("expected 75%% error rate, got %.2f", m.ErrorRatePct)
	}
}

func TestGetCoalescesConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	upstream := testutils.NewUpstreamFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"ok": true}`))
	})
	defer upstream.Close()

	client := newTestClient(Config{AllowedHosts: []string{"127.0.0.1"}})

	var wg sync.WaitGroup
	results := make([]*Response, 2)
	errors := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errors[i] = client.Get(context.Background(), upstream.URL)
		}(i)
	}

	// Give both goroutines time to reach the in-flight map before the
	// upstream responds.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errors[i] != nil {
			t.Fatalf("call %d failed: %v", i, errors[i])
		}
		if string(results[i].Payload) != `{"ok": true}` {
			t.Errorf("call %d: unexpected payload %q", i, results[i].Payload)
		}
	}
	if upstream.Calls() != 1 {
		t.Errorf("coalescing should issue exactly 1 upstream call, got %d", upstream.Calls())
	}
}

func TestGetRateLimitDenial(t *testing.T) {
	upstream := testutils.NewUpstream(http.StatusOK, `{}`)
	defer upstream.Close()

	store := cache.NewMemoryStore(100, time.Minute)
	tracker := ratelimit.NewTracker(ratelimit.Config{Window: time.Minute, BaseLimit: 1, Burst: 0})
	client := NewClient(Config{
		Name:         "limited",
		AllowedHosts: []string{"127.0.0.1"},
	}, store, tracker, logger.NewNop(), nil)

	if _, err := client.Get(context.Background(), upstream.URL); err != nil {
		t.Fatalf("first Get failed: %v", err)
	}

	_, err := client.Get(context.Background(), upstream.URL)
	if err == nil {
		t.Fatal("expected rate limit denial")
	}
	e := errs.As(err)
	if e == nil || !e.IsRateLimited() {
		t.Errorf("expected rate-limited error, got %v", err)
	}
	if upstream.Calls() != 1 {
		t.Errorf("denied request must not reach the network: got %d calls", upstream.Calls())
	}
}

func TestOversizedPayloadFailsClosed(t *testing.T) {
	upstream := testutils.NewUpstream(http.StatusOK, string(make([]byte, 2048)))
	defer upstream.Close()

	client := newTestClient(Config{
		AllowedHosts: []string{"127.0.0.1"},
		MaxBodyBytes: 1024,
	})

	_, err := client.Get(context.Background(), upstream.URL)
	if err == nil {
		t.Fatal("expected oversized payload rejection")
	}
	e := errs.As(err)
	if e == nil || e.Code != errs.CodePayloadTooLarge {
		t.Errorf("expected payload-too-large error, got %v", err)
	}
}

func TestMetricsIncrementalAverage(t *testing.T) {
	var tr metricsTracker

	tr.recordSuccess(100, false)
	tr.recordSuccess(300, false)

	m := tr.snapshot()
	if m.AverageResponseTimeMs != 200 {
		t.Errorf("expected running average 200, got %.2f", m.AverageResponseTimeMs)
	}

	tr.recordFailure(500)
	m = tr.snapshot()
	if m.AverageResponseTimeMs != 300 {
		t.Errorf("expected running average 300, got %.2f", m.AverageResponseTimeMs)
	}
	if m.ErrorRatePct < 33 || m.ErrorRatePct > 34 {
		t.Errorf("expected error rate ~33.3, got %.2f", m.ErrorRatePct)
	}
}

func TestMetricsCacheHitRate(t *testing.T) {
	var tr metricsTracker

	tr.recordSuccess(100, false)
	tr.recordSuccess(0, true)

	m := tr.snapshot()
	if m.CacheHitRatePct != 50 {
		t.Errorf("expected 50%% cache hit rate, got %.2f", m.CacheHitRatePct)
	}
	if m.AverageResponseTimeMs != 100 {
		t.Errorf("cache hits must not dilute the latency average: got %.2f", m.AverageResponseTimeMs)
	}
}

func TestRetryStateProgression(t *testing.T) {
	state := NewRetryState(3, 100*time.Millisecond)
	if state.Exhausted() {
		t.Fatal("fresh state must not be exhausted")
	}

	for i := 0; i < 3; i++ {
		prev := state
		state = state.Next(time.Second)
		if state.Attempt != prev.Attempt+1 {
			t.Errorf("attempt should advance by one: %d -> %d", prev.Attempt, state.Attempt)
		}
		if state.NextDelay > time.Second {
			t.Errorf("delay must stay under the cap, got %v", state.NextDelay)
		}
	}
	if !state.Exhausted() {
		t.Error("state should be exhausted after max attempts")
	}
}
