package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Store is the response cache used by the transport layer. Values are
// raw response payloads; expiry is per entry. Lookups also return when
// the payload was stored, so cached serves can carry the original
// fetch time instead of a fresh one.
type Store interface {
	// Get returns the payload and stored-at time for key if present and
	// unexpired.
	Get(ctx context.Context, key string) ([]byte, time.Time, bool)
	// Set stores a payload under key for ttl and returns the stored-at
	// time it recorded. Storing over capacity evicts the least recently
	// used entry.
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) (time.Time, error)
	// GetStale returns the payload and stored-at time for key even if
	// expired, as long as the entry has not been evicted. Used to serve
	// last-known-good data when the upstream is down.
	GetStale(ctx context.Context, key string) ([]byte, time.Time, bool)
	// Delete removes a single entry.
	Delete(ctx context.Context, key string) error
	// Clear empties the cache. Exposed as an admin recovery action.
	Clear(ctx context.Context) error
	// Stats returns running hit/miss/eviction counters.
	Stats() Stats
	Close() error
}

// Stats are the cache's running counters.
type Stats struct {
	Entries   int   `json:"entries"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// HitRate returns the hit percentage over all lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Config selects and sizes the cache backend.
type Config struct {
	Backend  string        `yaml:"backend" json:"backend"` // memory or redis
	MaxSize  int           `yaml:"max_size" json:"max_size"`
	Redis    RedisConfig   `yaml:"redis" json:"redis"`
	StaleTTL time.Duration `yaml:"stale_ttl" json:"stale_ttl"` // how long expired entries stay servable
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// UnmarshalYAML decodes the config with durations given as Go duration
// strings ("30m"). Absent fields keep their current values.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Backend  string      `yaml:"backend"`
		MaxSize  int         `yaml:"max_size"`
		Redis    RedisConfig `yaml:"redis"`
		StaleTTL string      `yaml:"stale_ttl"`
	}
	r := raw{Backend: c.Backend, MaxSize: c.MaxSize, Redis: c.Redis, StaleTTL: c.StaleTTL.String()}
	if err := node.Decode(&r); err != nil {
		return err
	}
	staleTTL, err := time.ParseDuration(r.StaleTTL)
	if err != nil {
		return fmt.Errorf("invalid stale_ttl %q: %w", r.StaleTTL, err)
	}
	c.Backend = r.Backend
	c.MaxSize = r.MaxSize
	c.Redis = r.Redis
	c.StaleTTL = staleTTL
	return nil
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Backend:  "memory",
		MaxSize:  100,
		StaleTTL: 30 * time.Minute,
	}
}

// New creates a cache store from configuration. A Redis backend that
// cannot be reached degrades to the in-memory store rather than failing
// startup; price data is reconstructible and must not block serving.
func New(cfg Config, log *logrus.Logger) Store {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.Backend == "redis" {
		store, err := NewRedisStore(cfg, log)
		if err == nil {
			return store
		}
		log.WithError(err).Warn("redis cache unavailable, using in-memory store")
	}
	return NewMemoryStore(cfg.MaxSize, cfg.StaleTTL)
}
