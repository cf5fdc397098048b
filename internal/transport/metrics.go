package transport

import "sync"

// ServiceMetrics are the running counters for one transport client.
// They accumulate for the life of the process and are reset only by an
// explicit administrative action.
type ServiceMetrics struct {
	TotalRequests         int64   `json:"total_requests"`
	SuccessfulRequests    int64   `json:"successful_requests"`
	FailedRequests        int64   `json:"failed_requests"`
	CacheHits             int64   `json:"cache_hits"`
	StaleServes           int64   `json:"stale_serves"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	ErrorRatePct          float64 `json:"error_rate_pct"`
	CacheHitRatePct       float64 `json:"cache_hit_rate_pct"`
}

// metricsTracker applies incremental updates so no request history is
// retained: avg' = (avg*(n-1) + sample) / n.
type metricsTracker struct {
	mu sync.Mutex
	m  ServiceMetrics
}

func (t *metricsTracker) recordSuccess(elapsedMs float64, fromCache bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.m.TotalRequests++
	t.m.SuccessfulRequests++
	if fromCache {
		t.m.CacheHits++
	} else {
		t.updateAverage(elapsedMs)
	}
	t.recompute()
}

func (t *metricsTracker) recordFailure(elapsedMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.m.TotalRequests++
	t.m.FailedRequests++
	t.updateAverage(elapsedMs)
	t.recompute()
}

// recordStaleServe counts a stale-cache serve. The upstream failure
// behind it is recorded separately via recordFailure; masking a dead
// upstream as success would blind health classification for the whole
// stale grace window.
func (t *metricsTracker) recordStaleServe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.StaleServes++
}

// updateAverage folds one sample into the running mean. Caller holds
// the lock. Cache hits are excluded; they would make upstream latency
// look better than it is.
func (t *metricsTracker) updateAverage(sampleMs float64) {
	n := float64(t.m.TotalRequests - t.m.CacheHits)
	if n <= 0 {
		n = 1
	}
	t.m.AverageResponseTimeMs = (t.m.AverageResponseTimeMs*(n-1) + sampleMs) / n
}

func (t *metricsTracker) recompute() {
	if t.m.TotalRequests > 0 {
		t.m.ErrorRatePct = float64(t.m.FailedRequests) / float64(t.m.TotalRequests) * 100
		t.m.CacheHitRatePct = float64(t.m.CacheHits) / float64(t.m.TotalRequests) * 100
	}
}

func (t *metricsTracker) snapshot() ServiceMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m
}

func (t *metricsTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = ServiceMetrics{}
}
