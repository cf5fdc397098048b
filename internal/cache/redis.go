package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisStore is a Redis-backed cache. Fresh entries live under their
// own key with a native TTL; a shadow key with the stale grace window
// added keeps last-known-good payloads servable after expiry.
type RedisStore struct {
	client   *redis.Client
	staleTTL time.Duration
	log      *logrus.Entry

	mu        sync.Mutex
	hits      int64
	misses    int64
	expired   int64
}

const (
	stalePrefix = "stale:"
	timePrefix  = "ts:"
)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg Config, log *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	staleTTL := cfg.StaleTTL
	if staleTTL <= 0 {
		staleTTL = 30 * time.Minute
	}
	return &RedisStore{
		client:   client,
		staleTTL: staleTTL,
		log:      log.WithField("component", "cache.redis"),
	}, nil
}

// Get returns the payload and stored-at time for key if present and
// unexpired. Redis errors count as misses; the transport layer falls
// through to the network.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, time.Time, bool) {
	payload, err := r.client.Get(ctx, key).Bytes()
	r.mu.Lock()
	if err != nil {
		r.misses++
		r.mu.Unlock()
		if err != redis.Nil {
			r.log.WithError(err).Debug("redis get failed")
		}
		return nil, time.Time{}, false
	}
	r.hits++
	r.mu.Unlock()
	return payload, r.storedAt(ctx, key), true
}

// GetStale returns the last stored payload and its stored-at time for
// key even if the fresh entry has expired.
func (r *RedisStore) GetStale(ctx context.Context, key string) ([]byte, time.Time, bool) {
	payload, err := r.client.Get(ctx, stalePrefix+key).Bytes()
	if err != nil {
		return nil, time.Time{}, false
	}
	r.mu.Lock()
	r.expired++
	r.mu.Unlock()
	return payload, r.storedAt(ctx, key), true
}

// Set stores the payload under key with ttl and refreshes the shadow
// stale and stored-at entries.
func (r *RedisStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) (time.Time, error) {
	now := time.Now()
	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, payload, ttl)
	pipe.Set(ctx, stalePrefix+key, payload, ttl+r.staleTTL)
	pipe.Set(ctx, timePrefix+key, now.Format(time.RFC3339Nano), ttl+r.staleTTL)
	_, err := pipe.Exec(ctx)
	return now, err
}

// storedAt reads the stored-at shadow; a missing or unreadable entry
// yields the zero time and the caller stamps its own.
func (r *RedisStore) storedAt(ctx context.Context, key string) time.Time {
	raw, err := r.client.Get(ctx, timePrefix+key).Result()
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Delete removes the entry and its shadows.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key, stalePrefix+key, timePrefix+key).Err()
}

// Clear flushes the configured database.
func (r *RedisStore) Clear(ctx context.Context) error {
	return r.client.FlushDB(ctx).Err()
}

// Stats returns running counters. Entry counts are not tracked for the
// Redis backend; sizing is Redis's concern.
func (r *RedisStore) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Hits:    r.hits,
		Misses:  r.misses,
		Expired: r.expired,
	}
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
