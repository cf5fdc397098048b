// Package transport wraps net/http with the resilience layers every
// upstream call goes through: domain allow-listing, response caching,
// local rate limiting, bounded timeouts, retry with backoff, request
// coalescing, and customer-facing error translation.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"karatcalc/internal/cache"
	"karatcalc/internal/errs"
	"karatcalc/internal/monitor"
	"karatcalc/internal/ratelimit"
)

// Config fixes a client's behavior for one upstream domain.
type Config struct {
	// Name labels the logical endpoint in rate limiting, logs, and
	// metrics.
	Name string `yaml:"name" json:"name"`
	// AllowedHosts is the closed set of hosts this client may call.
	AllowedHosts []string           `yaml:"allowed_hosts" json:"allowed_hosts"`
	Timeout      time.Duration      `yaml:"timeout" json:"timeout"`
	MaxRetries   int                `yaml:"max_retries" json:"max_retries"`
	CacheTTL     time.Duration      `yaml:"cache_ttl" json:"cache_ttl"`
	Priority     ratelimit.Priority `yaml:"priority" json:"priority"`
	// CustomerFacing strips raw upstream detail from returned errors.
	CustomerFacing bool          `yaml:"customer_facing" json:"customer_facing"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// Response is a completed request with provenance annotations.
// StoredAt is when the payload was originally fetched: the cache's
// stored-at time for cached and stale serves, the write time for live
// responses. Zero when the response was never cached.
type Response struct {
	Payload   []byte
	Status    int
	FromCache bool
	Stale     bool
	Elapsed   time.Duration
	StoredAt  time.Time
	RequestID string
}

// Client is the transport client for one upstream domain. Cache,
// tracker, and metrics are injected and owned per client instance;
// nothing is process-global.
type Client struct {
	cfg     Config
	cache   cache.Store
	tracker *ratelimit.Tracker
	httpc   *http.Client
	log     *logrus.Entry
	obs     *monitor.Collector
	metrics metricsTracker

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

// inflightCall is a network call other same-key callers can join.
type inflightCall struct {
	done    chan struct{}
	payload []byte
	status  int
	err     error
}

// NewClient creates a transport client. The obs collector may be nil.
func NewClient(cfg Config, store cache.Store, tracker *ratelimit.Tracker, log *logrus.Logger, obs *monitor.Collector) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.Priority == "" {
		cfg.Priority = ratelimit.PriorityNormal
	}
	return &Client{
		cfg:      cfg,
		cache:    store,
		tracker:  tracker,
		httpc:    &http.Client{Timeout: cfg.Timeout},
		log:      log.WithField("component", "transport").WithField("endpoint", cfg.Name),
		obs:      obs,
		inflight: make(map[string]*inflightCall),
	}
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	bypassCache bool
}

// BypassCache skips the cache read for this request. The fresh
// response still gets cached. Used by force refresh.
func BypassCache() RequestOption {
	return func(o *requestOptions) { o.bypassCache = true }
}

// Get performs a GET with the full resilience pipeline: allow-list,
// cache, rate check, bounded call, retry, stale-cache fallback,
// customer error translation. Concurrent same-URL calls are coalesced
// into one network call.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := c.checkHost(rawURL); err != nil {
		return nil, c.surface(err)
	}

	key := signature(http.MethodGet, rawURL, nil)
	start := time.Now()

	if !o.bypassCache {
		if payload, storedAt, ok := c.cache.Get(ctx, key); ok {
			c.metrics.recordSuccess(0, true)
			c.obs.ObserveCacheHit(c.cfg.Name)
			return &Response{
				Payload:   payload,
				Status:    http.StatusOK,
				FromCache: true,
				Elapsed:   time.Since(start),
				StoredAt:  storedAt,
			}, nil
		}
	}

	payload, status, err := c.coalesce(ctx, key, func(ctx context.Context) ([]byte, int, error) {
		return c.fetchWithRetry(ctx, http.MethodGet, rawURL, nil)
	})
	elapsed := time.Since(start)

	if err != nil {
		// The upstream failure is recorded first, whatever is served:
		// a stale serve must not hide a dead upstream from the error
		// rate that drives health classification.
		c.metrics.recordFailure(elapsed.Seconds() * 1000)

		// A stale entry beats a customer-facing error, but only for
		// transport-class failures. Rate-limit denials surface as
		// "try again shortly" and security errors fail closed.
		if e := errs.As(err); e != nil && e.IsTransport() {
			if stale, storedAt, ok := c.cache.GetStale(ctx, key); ok {
				c.log.WithError(err).Warn("serving stale cache after upstream failure")
				c.metrics.recordStaleServe()
				return &Response{
					Payload:   stale,
					Status:    http.StatusOK,
					FromCache: true,
					Stale:     true,
					Elapsed:   elapsed,
					StoredAt:  storedAt,
				}, nil
			}
		}
		return nil, c.surface(err)
	}

	c.metrics.recordSuccess(elapsed.Seconds()*1000, false)
	var storedAt time.Time
	if c.cfg.CacheTTL > 0 {
		ts, cerr := c.cache.Set(ctx, key, payload, c.cfg.CacheTTL)
		if cerr != nil {
			c.log.WithError(cerr).Warn("cache write failed")
		} else {
			storedAt = ts
		}
	}
	c.obs.SetCacheEntries(c.cfg.Name, c.cache.Stats().Entries)

	return &Response{
		Payload:  payload,
		Status:   status,
		Elapsed:  elapsed,
		StoredAt: storedAt,
	}, nil
}

// Post performs a POST. Responses are never cached; coalescing and
// retry still apply.
func (c *Client) Post(ctx context.Context, rawURL string, body []byte) (*Response, error) {
	if err := c.checkHost(rawURL); err != nil {
		return nil, c.surface(err)
	}

	start := time.Now()
	key := signature(http.MethodPost, rawURL, body)
	payload, status, err := c.coalesce(ctx, key, func(ctx context.Context) ([]byte, int, error) {
		return c.fetchWithRetry(ctx, http.MethodPost, rawURL, body)
	})
	elapsed := time.Since(start)

	if err != nil {
		c.metrics.recordFailure(elapsed.Seconds() * 1000)
		return nil, c.surface(err)
	}

	c.metrics.recordSuccess(elapsed.Seconds()*1000, false)
	return &Response{Payload: payload, Status: status, Elapsed: elapsed}, nil
}

// Metrics returns a snapshot of the running counters.
func (c *Client) Metrics() ServiceMetrics {
	return c.metrics.snapshot()
}

// ResetMetrics zeroes the counters. Admin action only.
func (c *Client) ResetMetrics() {
	c.metrics.reset()
}

// Name returns the endpoint label.
func (c *Client) Name() string {
	return c.cfg.Name
}

// coalesce joins an in-flight call for the same signature or starts a
// new one. The entry is removed before completion is signalled, so a
// caller arriving after completion starts a fresh call and can never
// receive a result older than one already delivered for that key.
func (c *Client) coalesce(ctx context.Context, key string, fn func(context.Context) ([]byte, int, error)) ([]byte, int, error) {
	c.mu.Lock()
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.payload, call.status, call.err
		case <-ctx.Done():
			return nil, 0, errs.New(errs.CodeTimeout, "request cancelled while waiting on in-flight call", ctx.Err()).WithEndpoint(c.cfg.Name)
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	call.payload, call.status, call.err = fn(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(call.done)

	return call.payload, call.status, call.err
}

// fetchWithRetry runs the rate check and network call, retrying
// transport-class failures with exponential backoff.
func (c *Client) fetchWithRetry(ctx context.Context, method, rawURL string, body []byte) ([]byte, int, error) {
	if !c.tracker.CanProceed(c.cfg.Name, c.cfg.Priority) {
		c.obs.ObserveRateLimited(c.cfg.Name)
		return nil, 0, errs.New(errs.CodeRateLimited, "request denied by local rate tracker", nil).WithEndpoint(c.cfg.Name)
	}

	requestID := uuid.NewString()
	state := NewRetryState(c.cfg.MaxRetries, c.cfg.InitialBackoff)

	for {
		attemptStart := time.Now()
		payload, status, err := c.doOnce(ctx, method, rawURL, body, requestID)
		attemptSecs := time.Since(attemptStart).Seconds()
		if err == nil {
			c.obs.ObserveRequest(c.cfg.Name, "success", attemptSecs)
			return payload, status, nil
		}

		if !shouldRetry(err) || state.Exhausted() {
			c.obs.ObserveRequest(c.cfg.Name, "failure", attemptSecs)
			c.log.WithError(err).WithFields(logrus.Fields{
				"request_id": requestID,
				"attempts":   state.Attempt + 1,
			}).Warn("upstream request failed")
			if e := errs.As(err); e != nil {
				return nil, status, e.WithRequestID(requestID)
			}
			return nil, status, err
		}

		state = state.Next(c.cfg.MaxBackoff)
		c.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"attempt":    state.Attempt,
			"delay":      state.NextDelay.String(),
		}).Debug("retrying upstream request")

		select {
		case <-ctx.Done():
			return nil, 0, errs.New(errs.CodeTimeout, "cancelled during retry backoff", ctx.Err()).WithEndpoint(c.cfg.Name)
		case <-time.After(state.NextDelay):
		}
	}
}

// doOnce performs a single bounded HTTP exchange.
func (c *Client) doOnce(ctx context.Context, method, rawURL string, body []byte, requestID string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, 0, errs.New(errs.CodeNetwork, "building request failed", err).WithEndpoint(c.cfg.Name)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		code := errs.CodeNetwork
		if ctx.Err() == context.DeadlineExceeded {
			code = errs.CodeTimeout
		}
		return nil, 0, errs.New(code, "upstream request failed", err).WithEndpoint(c.cfg.Name)
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.cfg.MaxBodyBytes {
		return nil, resp.StatusCode, errs.New(errs.CodePayloadTooLarge,
			fmt.Sprintf("declared payload of %d bytes exceeds limit", resp.ContentLength), nil).WithEndpoint(c.cfg.Name)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, resp.StatusCode, errs.New(errs.CodeNetwork, "reading response body failed", err).WithEndpoint(c.cfg.Name)
	}
	if int64(len(payload)) > c.cfg.MaxBodyBytes {
		return nil, resp.StatusCode, errs.New(errs.CodePayloadTooLarge,
			"payload exceeds configured limit", nil).WithEndpoint(c.cfg.Name)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, errs.FromHTTPStatus(resp.StatusCode, c.cfg.Name)
	}

	return payload, resp.StatusCode, nil
}

// checkHost enforces the domain allow-list. Fails closed: an empty
// list allows nothing.
func (c *Client) checkHost(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return errs.New(errs.CodeDomainNotAllowed, "unparseable request URL", err).WithEndpoint(c.cfg.Name)
	}
	host := u.Hostname()
	for _, allowed := range c.cfg.AllowedHosts {
		if host == allowed {
			return nil
		}
	}
	return errs.New(errs.CodeDomainNotAllowed,
		fmt.Sprintf("host %q is not on the allow-list", host), nil).WithEndpoint(c.cfg.Name)
}

// surface translates an internal error for the caller. In
// customer-facing mode only the sanitized message survives; the raw
// cause stays in the logs.
func (c *Client) surface(err error) error {
	e := errs.As(err)
	if e == nil {
		e = errs.New(errs.CodeNetwork, "unexpected transport failure", err).WithEndpoint(c.cfg.Name)
	}
	if c.cfg.CustomerFacing {
		c.log.WithError(err).WithFields(logrus.Fields{
			"severity":        e.Severity,
			"customer_impact": customerImpact(e),
			"business_impact": businessImpact(e),
		}).Error("request failed")
		sanitized := *e
		sanitized.Cause = nil
		sanitized.Message = sanitized.CustomerMessage
		return &sanitized
	}
	return e
}

// customerImpact classifies what the user experiences when this error
// class occurs.
func customerImpact(e *errs.Error) string {
	switch {
	case e.IsSecurity():
		return "request_blocked"
	case e.IsRateLimited():
		return "brief_delay"
	case e.IsValidation():
		return "fallback_data_shown"
	default:
		return "stale_or_fallback_data_shown"
	}
}

// businessImpact classifies the operational cost.
func businessImpact(e *errs.Error) string {
	switch {
	case e.IsSecurity():
		return "misconfiguration_alert"
	case e.IsRateLimited():
		return "upstream_quota_protected"
	default:
		return "data_freshness_degraded"
	}
}

// signature builds the coalescing/cache key for a request.
func signature(method, rawURL string, body []byte) string {
	if body == nil {
		return method + " " + rawURL
	}
	sum := sha256.Sum256(body)
	return method + " " + rawURL + " " + hex.EncodeToString(sum[:8])
}
