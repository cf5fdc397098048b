package quotes

import (
	"time"

	"karatcalc/internal/errs"
)

// Provenance records where a quote's data came from.
type Provenance string

const (
	ProvenanceLive     Provenance = "live"
	ProvenanceCache    Provenance = "cache"
	ProvenanceFallback Provenance = "fallback"
)

// PriceQuote is one priced asset, crypto or metal, as delivered to the
// rest of the application.
type PriceQuote struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"display_name"`
	Symbol       string     `json:"symbol"`
	PriceUSD     float64    `json:"price_usd"`
	Change24hPct float64    `json:"change_24h_pct"`
	LastUpdated  time.Time  `json:"last_updated"`
	Provenance   Provenance `json:"provenance"`
}

// FetchResult is what a domain service returns. Transport and
// validation failures never propagate as errors; they are absorbed
// into fallback quotes and recorded here. Only a security violation
// carries a customer-visible banner.
type FetchResult struct {
	Quotes     []PriceQuote `json:"quotes"`
	FromCache  bool         `json:"from_cache"`
	IsFallback bool         `json:"is_fallback"`
	Elapsed    time.Duration `json:"-"`
	ElapsedMs  float64      `json:"elapsed_ms"`
	// Banner is a pre-sanitized, non-technical message for the UI.
	// Empty in the normal and fallback paths.
	Banner string `json:"banner,omitempty"`

	absorbed *errs.Error
}

// Absorbed returns the error this result swallowed, if any. For
// observability only; callers must not branch on it.
func (r FetchResult) Absorbed() *errs.Error {
	return r.absorbed
}
