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

// MetalsConfig configures the metals price service.
type MetalsConfig struct {
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	Metals     []string      `yaml:"metals" json:"metals"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	CacheTTL   time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// UnmarshalYAML decodes the config with durations given as Go duration
// strings ("5m"). Absent fields keep their current values.
func (c *MetalsConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		BaseURL    string   `yaml:"base_url"`
		Metals     []string `yaml:"metals"`
		Timeout    string   `yaml:"timeout"`
		MaxRetries int      `yaml:"max_retries"`
		CacheTTL   string   `yaml:"cache_ttl"`
	}
	r := raw{
		BaseURL:    c.BaseURL,
		Metals:     c.Metals,
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
	c.Metals = r.Metals
	c.Timeout = timeout
	c.MaxRetries = r.MaxRetries
	c.CacheTTL = ttl
	return nil
}

// DefaultMetalsConfig returns the metals service defaults: longer TTL
// and normal priority, since spot prices move slowly.
func DefaultMetalsConfig() MetalsConfig {
	return MetalsConfig{
		BaseURL:    "https://api.metals.dev/v1/spot",
		Metals:     []string{"gold", "silver", "platinum", "palladium"},
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		CacheTTL:   5 * time.Minute,
	}
}

var metalDisplay = map[string]struct {
	Name   string
	Symbol string
}{
	"gold":      {Name: "Gold", Symbol: "XAU"},
	"silver":    {Name: "Silver", Symbol: "XAG"},
	"platinum":  {Name: "Platinum", Symbol: "XPT"},
	"palladium": {Name: "Palladium", Symbol: "XPD"},
}

// MetalsService fetches precious-metal spot prices through its own
// transport client.
type MetalsService struct {
	cfg    MetalsConfig
	client *transport.Client
	log    *logrus.Entry
	obs    *monitor.Collector
}

// NewMetalsService wires a metals service with a dedicated transport
// client.
func NewMetalsService(cfg MetalsConfig, store cache.Store, tracker *ratelimit.Tracker, log *logrus.Logger, obs *monitor.Collector) (*MetalsService, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid metals base URL %q", cfg.BaseURL)
	}

	client := transport.NewClient(transport.Config{
		Name:           "metals",
		AllowedHosts:   []string{u.Hostname()},
		Timeout:        cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
		CacheTTL:       cfg.CacheTTL,
		Priority:       ratelimit.PriorityNormal,
		CustomerFacing: true,
	}, store, tracker, log, obs)

	return &MetalsService{
		cfg:    cfg,
		client: client,
		log:    log.WithField("component", "quotes.metals"),
		obs:    obs,
	}, nil
}

// FetchQuotes returns spot quotes for the given metals (defaults when
// empty). Each metal degrades to its reference price independently; a
// single bad upstream response never empties the whole set.
func (s *MetalsService) FetchQuotes(ctx context.Context, metals []string, opts ...FetchOption) FetchResult {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(metals) == 0 {
		metals = s.cfg.Metals
	}

	var reqOpts []transport.RequestOption
	if o.bypassCache {
		reqOpts = append(reqOpts, transport.BypassCache())
	}

	start := time.Now()
	quotes := make([]PriceQuote, 0, len(metals))
	allFromCache := true
	anyFallback := false
	banner := ""
	var lastAbsorbed *errs.Error

	for _, metal := range metals {
		quote, fromCache, err := s.fetchOne(ctx, metal, reqOpts)
		if err != nil {
			e := errs.As(err)
			if e != nil && e.IsSecurity() && banner == "" {
				banner = e.CustomerMessage
			}
			lastAbsorbed = e
			anyFallback = true
			allFromCache = false
			s.logFallback(metal, err)
			quotes = append(quotes, MetalFallbackQuotes([]string{metal})...)
			continue
		}
		if !fromCache {
			allFromCache = false
		}
		quotes = append(quotes, quote)
	}

	elapsed := time.Since(start)
	return FetchResult{
		Quotes:     quotes,
		FromCache:  allFromCache && len(metals) > 0,
		IsFallback: anyFallback,
		Elapsed:    elapsed,
		ElapsedMs:  float64(elapsed.Milliseconds()),
		Banner:     banner,
		absorbed:   lastAbsorbed,
	}
}

// fetchOne retrieves and validates a single metal's spot price.
func (s *MetalsService) fetchOne(ctx context.Context, metal string, reqOpts []transport.RequestOption) (PriceQuote, bool, error) {
	endpoint := fmt.Sprintf("%s/%s", strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(metal))

	resp, err := s.client.Get(ctx, endpoint, reqOpts...)
	if err != nil {
		return PriceQuote{}, false, err
	}

	result := validate.Metal(resp.Payload, validate.Domain(metal))
	if !result.IsValid {
		s.obs.ObserveValidationFailure(metal)
		return PriceQuote{}, false, errs.New(errs.CodeImplausiblePayload,
			strings.Join(result.Errors, "; "), nil).WithEndpoint("metals")
	}

	display := metalDisplay[metal]
	provenance := ProvenanceLive
	if resp.FromCache {
		provenance = ProvenanceCache
	}

	// Prefer the provider's timestamp; without one, use the fetch time
	// so cached serves repeat the original stamp.
	stamp := result.Spot.Timestamp
	if stamp.IsZero() {
		stamp = resp.StoredAt
	}
	if stamp.IsZero() {
		stamp = time.Now()
	}

	return PriceQuote{
		ID:           metal,
		DisplayName:  display.Name,
		Symbol:       display.Symbol,
		PriceUSD:     result.Spot.PriceUSD,
		Change24hPct: result.Spot.Change24hPct,
		LastUpdated:  stamp,
		Provenance:   provenance,
	}, resp.FromCache, nil
}

// Metrics exposes the underlying transport counters.
func (s *MetalsService) Metrics() transport.ServiceMetrics {
	return s.client.Metrics()
}

// ResetMetrics zeroes the transport counters. Admin action.
func (s *MetalsService) ResetMetrics() {
	s.client.ResetMetrics()
}

func (s *MetalsService) logFallback(metal string, err error) {
	e := errs.As(err)
	reason := "transport"
	if e != nil && e.IsValidation() {
		reason = "validation"
	}
	s.obs.ObserveFallback("metals", reason)
	s.log.WithError(err).WithFields(logrus.Fields{
		"metal":           metal,
		"reason":          reason,
		"customer_impact": "fallback_prices_shown",
		"business_impact": "conversion_accuracy_reduced",
	}).Warn("serving metal fallback price")
}
