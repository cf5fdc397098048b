// Package quotes holds the domain services that turn raw upstream
// market data into validated price quotes, falling back to built-in
// reference tables so callers are never blinded by an upstream outage.
package quotes

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"karatcalc/internal/cache"
	"karatcalc/internal/errs"
	"karatcalc/internal/monitor"
	"karatcalc/internal/ratelimit"
	"karatcalc/internal/transport"
	"karatcalc/internal/validate"
)

// CryptoConfig configures the crypto price service.
type CryptoConfig struct {
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	VsCurrency string        `yaml:"vs_currency" json:"vs_currency"`
	DefaultIDs []string      `yaml:"default_ids" json:"default_ids"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	CacheTTL   time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// UnmarshalYAML decodes the config with durations given as Go duration
// strings ("30s"). Absent fields keep their current values.
func (c *CryptoConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		BaseURL    string   `yaml:"base_url"`
		VsCurrency string   `yaml:"vs_currency"`
		DefaultIDs []string `yaml:"default_ids"`
		Timeout    string   `yaml:"timeout"`
		MaxRetries int      `yaml:"max_retries"`
		CacheTTL   string   `yaml:"cache_ttl"`
	}
	r := raw{
		BaseURL:    c.BaseURL,
		VsCurrency: c.VsCurrency,
		DefaultIDs: c.DefaultIDs,
		Timeout:    c.Timeout.String(),
		MaxRetries: c.MaxRetries,
		CacheTTL:   c.CacheTTL.String(),
	}
	if err := node.Decode(&r); err != nil {
		return err
	}
	timeout, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", r.Timeout, err)
	}
	ttl, err := time.ParseDuration(r.CacheTTL)
	if err != nil {
		return fmt.Errorf("invalid cache_ttl %q: %w", r.CacheTTL, err)
	}
	c.BaseURL = r.BaseURL
	c.VsCurrency = r.VsCurrency
	c.DefaultIDs = r.DefaultIDs
	c.Timeout = timeout
	c.MaxRetries = r.MaxRetries
	c.CacheTTL = ttl
	return nil
}

// DefaultCryptoConfig returns the crypto service defaults: short TTL
// and high priority, since price volatility affects perceived accuracy.
func DefaultCryptoConfig() CryptoConfig {
	return CryptoConfig{
		BaseURL:    "https://api.coingecko.com/api/v3",
		VsCurrency: "usd",
		DefaultIDs: []string{"bitcoin", "ethereum", "solana", "ripple", "cardano", "dogecoin"},
		Timeout:    8 * time.Second,
		MaxRetries: 2,
		CacheTTL:   30 * time.Second,
	}
}

// CryptoService fetches crypto prices through its own transport client.
type CryptoService struct {
	cfg    CryptoConfig
	client *transport.Client
	log    *logrus.Entry
	obs    *monitor.Collector
}

// NewCryptoService wires a crypto service with a dedicated transport
// client. The cache store and rate tracker are injected so tests run
// with isolated state.
func NewCryptoService(cfg CryptoConfig, store cache.Store, tracker *ratelimit.Tracker, log *logrus.Logger, obs *monitor.Collector) (*CryptoService, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid crypto base URL %q", cfg.BaseURL)
	}

	client := transport.NewClient(transport.Config{
		Name:           "crypto",
		AllowedHosts:   []string{u.Hostname()},
		Timeout:        cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
		CacheTTL:       cfg.CacheTTL,
		Priority:       ratelimit.PriorityHigh,
		CustomerFacing: true,
	}, store, tracker, log, obs)

	return &CryptoService{
		cfg:    cfg,
		client: client,
		log:    log.WithField("component", "quotes.crypto"),
		obs:    obs,
	}, nil
}

// FetchOption adjusts one fetch.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	bypassCache bool
}

// ForceFresh bypasses the response cache for this fetch. Used by the
// scheduler's force-refresh path.
func ForceFresh() FetchOption {
	return func(o *fetchOptions) { o.bypassCache = true }
}

// FetchQuotes returns quotes for the given coin ids (defaults when
// empty). Transport and validation failures are absorbed into the
// built-in reference table; the result always carries usable quotes.
func (s *CryptoService) FetchQuotes(ctx context.Context, ids []string, opts ...FetchOption) FetchResult {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(ids) == 0 {
		ids = s.cfg.DefaultIDs
	}

	start := time.Now()
	endpoint := fmt.Sprintf("%s/coins/markets?vs_currency=%s&ids=%s",
		strings.TrimRight(s.cfg.BaseURL, "/"),
		url.QueryEscape(s.cfg.VsCurrency),
		url.QueryEscape(strings.Join(ids, ",")))

	var reqOpts []transport.RequestOption
	if o.bypassCache {
		reqOpts = append(reqOpts, transport.BypassCache())
	}

	resp, err := s.client.Get(ctx, endpoint, reqOpts...)
	if err != nil {
		return s.fallback(ids, err, start)
	}

	result := validate.Crypto(resp.Payload)
	if !result.IsValid {
		s.obs.ObserveValidationFailure(string(validate.DomainCrypto))
		verr := errs.New(errs.CodeMalformedPayload,
			strings.Join(result.Errors, "; "), nil).WithEndpoint("crypto")
		return s.fallback(ids, verr, start)
	}
	if len(result.Errors) > 0 {
		s.log.WithField("dropped", len(result.Errors)).Debug("dropped malformed crypto records")
	}

	// Cached serves reuse the original fetch time so a repeat call
	// within the TTL returns the same quotes, not re-stamped ones.
	stamp := resp.StoredAt
	if stamp.IsZero() {
		stamp = time.Now()
	}

	quotes := make([]PriceQuote, 0, len(result.Assets))
	for _, a := range result.Assets {
		provenance := ProvenanceLive
		if resp.FromCache {
			provenance = ProvenanceCache
		}
		quotes = append(quotes, PriceQuote{
			ID:           a.ID,
			DisplayName:  a.Name,
			Symbol:       a.Symbol,
			PriceUSD:     a.PriceUSD,
			Change24hPct: a.Change24hPct,
			LastUpdated:  stamp,
			Provenance:   provenance,
		})
	}

	elapsed := time.Since(start)
	return FetchResult{
		Quotes:    quotes,
		FromCache: resp.FromCache,
		Elapsed:   elapsed,
		ElapsedMs: float64(elapsed.Milliseconds()),
	}
}

// Metrics exposes the underlying transport counters.
func (s *CryptoService) Metrics() transport.ServiceMetrics {
	return s.client.Metrics()
}

// ResetMetrics zeroes the transport counters. Admin action.
func (s *CryptoService) ResetMetrics() {
	s.client.ResetMetrics()
}

// fallback absorbs err into a reference-table result. Security errors
// are the one class that surfaces: they indicate misconfiguration, and
// masking them with fallback data would hide a real defect.
func (s *CryptoService) fallback(ids []string, err error, start time.Time) FetchResult {
	e := errs.As(err)
	reason := "transport"
	if e != nil && e.IsValidation() {
		reason = "validation"
	}

	banner := ""
	if e != nil && e.IsSecurity() {
		banner = e.CustomerMessage
	}

	s.obs.ObserveFallback("crypto", reason)
	s.log.WithError(err).WithFields(logrus.Fields{
		"reason":          reason,
		"customer_impact": "fallback_prices_shown",
		"business_impact": "conversion_accuracy_reduced",
	}).Warn("serving crypto fallback prices")

	elapsed := time.Since(start)
	return FetchResult{
		Quotes:     fallbackQuotes(cryptoFallback, ids),
		IsFallback: true,
		Elapsed:    elapsed,
		ElapsedMs:  float64(elapsed.Milliseconds()),
		Banner:     banner,
		absorbed:   e,
	}
}
