// Package validate checks and sanitizes upstream market-data payloads
// at the trust boundary. Nothing shaped by a third party flows past
// this package unvalidated.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Domain tags the payload shape being validated.
type Domain string

const (
	DomainCrypto    Domain = "crypto"
	DomainGold      Domain = "gold"
	DomainSilver    Domain = "silver"
	DomainPlatinum  Domain = "platinum"
	DomainPalladium Domain = "palladium"
)

// Band is the plausible price range for a metal in USD per troy ounce.
// A structurally valid price outside its band is a data-quality failure
// and the caller must fall back, not clamp.
type Band struct {
	Min float64
	Max float64
}

var metalBands = map[Domain]Band{
	DomainGold:      {Min: 1000, Max: 5000},
	DomainSilver:    {Min: 10, Max: 100},
	DomainPlatinum:  {Min: 500, Max: 3000},
	DomainPalladium: {Min: 500, Max: 5000},
}

// Crypto prices just need to be positive and not absurd.
const maxCryptoPriceUSD = 1e9

// CryptoAsset is a sanitized crypto price record.
type CryptoAsset struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Symbol       string  `json:"symbol"`
	PriceUSD     float64 `json:"price_usd"`
	Change24hPct float64 `json:"change_24h_pct"`
	MarketCap    float64 `json:"market_cap"`
	ImageURL     string  `json:"image_url"`
}

// MetalSpot is a sanitized metal spot price record.
type MetalSpot struct {
	Metal        Domain    `json:"metal"`
	PriceUSD     float64   `json:"price_usd"`
	Change24hPct float64   `json:"change_24h_pct"`
	Timestamp    time.Time `json:"timestamp"`
}

// CryptoResult is the outcome of crypto payload validation.
type CryptoResult struct {
	IsValid         bool          `json:"is_valid"`
	Errors          []string      `json:"errors,omitempty"`
	Assets          []CryptoAsset `json:"assets,omitempty"`
	CustomerMessage string        `json:"customer_message,omitempty"`
}

// MetalResult is the outcome of metal payload validation.
type MetalResult struct {
	IsValid         bool       `json:"is_valid"`
	Errors          []string   `json:"errors,omitempty"`
	Spot            *MetalSpot `json:"spot,omitempty"`
	CustomerMessage string     `json:"customer_message,omitempty"`
}

// cryptoRawRecord matches the upstream coin list shape. Prices arrive
// as numbers or numeric strings depending on the provider's mood.
type cryptoRawRecord struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Symbol       string          `json:"symbol"`
	CurrentPrice json.RawMessage `json:"current_price"`
	Change24h    json.RawMessage `json:"price_change_percentage_24h"`
	MarketCap    json.RawMessage `json:"market_cap"`
	Image        string          `json:"image"`
}

// metalRawRecord matches the single-metal spot provider shape.
type metalRawRecord struct {
	Price     json.RawMessage `json:"price"`
	Change24h json.RawMessage `json:"change24h"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Crypto validates a raw coin-list payload. Malformed elements are
// dropped rather than failing the whole batch; an empty surviving set
// fails validation.
func Crypto(payload []byte) CryptoResult {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return CryptoResult{
			IsValid:         false,
			Errors:          []string{fmt.Sprintf("payload is not an array: %v", err)},
			CustomerMessage: "Crypto prices are being verified. Please try again shortly.",
		}
	}

	var errs []string
	assets := make([]CryptoAsset, 0, len(raw))
	for i, elem := range raw {
		var rec cryptoRawRecord
		if err := json.Unmarshal(elem, &rec); err != nil {
			errs = append(errs, fmt.Sprintf("element %d: not an object", i))
			continue
		}

		price, ok := coerceNumber(rec.CurrentPrice)
		if !ok || price <= 0 || price > maxCryptoPriceUSD {
			errs = append(errs, fmt.Sprintf("element %d (%s): invalid price", i, rec.ID))
			continue
		}
		if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.Name) == "" {
			errs = append(errs, fmt.Sprintf("element %d: missing id or name", i))
			continue
		}

		change, _ := coerceNumber(rec.Change24h)
		marketCap, _ := coerceNumber(rec.MarketCap)

		assets = append(assets, CryptoAsset{
			ID:           Sanitize(rec.ID),
			Name:         Sanitize(rec.Name),
			Symbol:       strings.ToUpper(Sanitize(rec.Symbol)),
			PriceUSD:     price,
			Change24hPct: change,
			MarketCap:    marketCap,
			ImageURL:     sanitizeURL(rec.Image),
		})
	}

	if len(assets) == 0 {
		return CryptoResult{
			IsValid:         false,
			Errors:          append(errs, "no valid records in payload"),
			CustomerMessage: "Crypto prices are being verified. Please try again shortly.",
		}
	}

	return CryptoResult{IsValid: true, Errors: errs, Assets: assets}
}

// Metal validates a raw spot-price payload for the given metal. Prices
// outside the metal's plausibility band fail validation so the caller
// falls back to reference data.
func Metal(payload []byte, metal Domain) MetalResult {
	band, ok := metalBands[metal]
	if !ok {
		return MetalResult{
			IsValid: false,
			Errors:  []string{fmt.Sprintf("unknown metal domain %q", metal)},
		}
	}

	var rec metalRawRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return MetalResult{
			IsValid:         false,
			Errors:          []string{fmt.Sprintf("payload is not an object: %v", err)},
			CustomerMessage: "Metal prices are being verified. Please try again shortly.",
		}
	}

	price, ok := coerceNumber(rec.Price)
	if !ok || math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return MetalResult{
			IsValid:         false,
			Errors:          []string{"price is missing or not a finite positive number"},
			CustomerMessage: "Metal prices are being verified. Please try again shortly.",
		}
	}
	if price < band.Min || price > band.Max {
		return MetalResult{
			IsValid: false,
			Errors: []string{fmt.Sprintf("price %.2f outside plausible band [%.0f, %.0f] for %s",
				price, band.Min, band.Max, metal)},
			CustomerMessage: "Metal prices are being verified. Please try again shortly.",
		}
	}

	change, _ := coerceNumber(rec.Change24h)

	spot := &MetalSpot{
		Metal:        metal,
		PriceUSD:     price,
		Change24hPct: change,
		Timestamp:    coerceTimestamp(rec.Timestamp),
	}
	return MetalResult{IsValid: true, Spot: spot}
}

// BandFor returns the plausibility band for a metal.
func BandFor(metal Domain) (Band, bool) {
	band, ok := metalBands[metal]
	return band, ok
}

var (
	scriptPattern  = regexp.MustCompile(`(?i)<\s*/?\s*script[^>]*>`)
	tagPattern     = regexp.MustCompile(`<[^>]+>`)
	jsProtoPattern = regexp.MustCompile(`(?i)javascript\s*:`)
	eventAttrs     = regexp.MustCompile(`(?i)on\w+\s*=`)
)

// Sanitize strips script-injection patterns from free text before it
// is cached or displayed.
func Sanitize(s string) string {
	s = scriptPattern.ReplaceAllString(s, "")
	s = tagPattern.ReplaceAllString(s, "")
	s = jsProtoPattern.ReplaceAllString(s, "")
	s = eventAttrs.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// sanitizeURL keeps only http(s) URLs, empty otherwise.
func sanitizeURL(s string) string {
	s = Sanitize(s)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	return ""
}

// coerceNumber accepts JSON numbers and numeric strings.
func coerceNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// coerceTimestamp accepts unix seconds, unix millis, or RFC3339; a
// missing or unreadable timestamp yields the zero time so the caller
// picks a deterministic stamp instead of re-reading the clock.
func coerceTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		sec := int64(n)
		if sec > 1e12 { // millis
			return time.UnixMilli(sec)
		}
		return time.Unix(sec, 0)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
