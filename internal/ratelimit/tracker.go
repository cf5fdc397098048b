package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Priority selects the effective request limit for an endpoint.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Config sizes the tracker.
type Config struct {
	Window    time.Duration `yaml:"window" json:"window"`
	BaseLimit int           `yaml:"base_limit" json:"base_limit"`
	Burst     int           `yaml:"burst" json:"burst"` // extra allowance for high priority
}

// UnmarshalYAML decodes the config with the window given as a Go
// duration string ("60s"). Absent fields keep their current values.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Window    string `yaml:"window"`
		BaseLimit int    `yaml:"base_limit"`
		Burst     int    `yaml:"burst"`
	}
	r := raw{Window: c.Window.String(), BaseLimit: c.BaseLimit, Burst: c.Burst}
	if err := node.Decode(&r); err != nil {
		return err
	}
	window, err := time.ParseDuration(r.Window)
	if err != nil {
		return fmt.Errorf("invalid window %q: %w", r.Window, err)
	}
	c.Window = window
	c.BaseLimit = r.BaseLimit
	c.Burst = r.Burst
	return nil
}

// DefaultConfig returns the default sliding-window configuration.
func DefaultConfig() Config {
	return Config{
		Window:    60 * time.Second,
		BaseLimit: 30,
		Burst:     10,
	}
}

// Tracker admits or rejects requests per logical endpoint using a
// sliding window of request timestamps. Check and record are a single
// atomic operation so concurrent in-flight callers sharing a tracker
// cannot double-count or sneak past the limit.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string][]time.Time

	now func() time.Time // test hook
}

// EndpointUsage is a snapshot of one endpoint's window.
type EndpointUsage struct {
	Endpoint string    `json:"endpoint"`
	Priority Priority  `json:"priority"`
	Used     int       `json:"used"`
	Limit    int       `json:"limit"`
	OldestAt time.Time `json:"oldest_at"`
	ResetsIn float64   `json:"resets_in_seconds"`
}

// NewTracker creates a tracker with the given window configuration.
func NewTracker(cfg Config) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.BaseLimit <= 0 {
		cfg.BaseLimit = 30
	}
	return &Tracker{
		cfg:     cfg,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// CanProceed reports whether a request to endpoint is admitted under
// the priority's effective limit. An admitted request is recorded in
// the same critical section; a rejected request is not recorded.
func (t *Tracker) CanProceed(endpoint string, priority Priority) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// One window per (endpoint, priority) pair: tiers meter
	// independently so a low-priority burst cannot starve high.
	key := endpoint + ":" + string(priority)
	now := t.now()
	window := t.prune(key, now)

	if len(window) >= t.effectiveLimit(priority) {
		return false
	}

	t.windows[key] = append(window, now)
	return true
}

// UsageStats returns a snapshot of every tracked window, measured
// against its own tier's effective limit.
func (t *Tracker) UsageStats() []EndpointUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	stats := make([]EndpointUsage, 0, len(t.windows))
	for key := range t.windows {
		window := t.prune(key, now)
		endpoint, priority := splitKey(key)
		usage := EndpointUsage{
			Endpoint: endpoint,
			Priority: priority,
			Used:     len(window),
			Limit:    t.effectiveLimit(priority),
		}
		if len(window) > 0 {
			usage.OldestAt = window[0]
			usage.ResetsIn = window[0].Add(t.cfg.Window).Sub(now).Seconds()
		}
		stats = append(stats, usage)
	}
	return stats
}

// ResetEndpoint drops every window for one endpoint across all
// priority tiers. Admin recovery action.
func (t *Tracker) ResetEndpoint(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.windows {
		if e, _ := splitKey(key); e == endpoint {
			delete(t.windows, key)
		}
	}
}

// ResetAll drops every window.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows = make(map[string][]time.Time)
}

// effectiveLimit maps a priority tier onto the configured base limit.
func (t *Tracker) effectiveLimit(priority Priority) int {
	switch priority {
	case PriorityHigh:
		return t.cfg.BaseLimit + t.cfg.Burst
	case PriorityLow:
		limit := t.cfg.BaseLimit / 2
		if limit < 1 {
			limit = 1
		}
		return limit
	default:
		return t.cfg.BaseLimit
	}
}

// prune drops timestamps older than the window and returns the live
// slice. Caller holds the lock.
func (t *Tracker) prune(key string, now time.Time) []time.Time {
	window := t.windows[key]
	cutoff := now.Add(-t.cfg.Window)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		window = window[i:]
		t.windows[key] = window
	}
	return window
}

func splitKey(key string) (string, Priority) {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[:i], Priority(key[i+1:])
	}
	return key, PriorityNormal
}
