package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory cache with per-entry TTL and LRU eviction.
type MemoryStore struct {
	mu       sync.Mutex
	items    map[string]*memoryItem
	maxSize  int
	staleTTL time.Duration

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

type memoryItem struct {
	payload  []byte
	storedAt time.Time
	expires  time.Time
	accessed time.Time
}

// NewMemoryStore creates an in-memory store holding at most maxSize
// entries. Expired entries remain servable via GetStale for staleTTL
// past their expiry.
func NewMemoryStore(maxSize int, staleTTL time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 100
	}
	if staleTTL <= 0 {
		staleTTL = 30 * time.Minute
	}
	return &MemoryStore{
		items:    make(map[string]*memoryItem),
		maxSize:  maxSize,
		staleTTL: staleTTL,
	}
}

// Get returns the payload and stored-at time for key if present and
// unexpired. Expired entries past their stale grace are deleted on the
// way through.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		m.misses++
		return nil, time.Time{}, false
	}

	now := time.Now()
	if now.After(item.expires) {
		m.misses++
		m.expired++
		if now.After(item.expires.Add(m.staleTTL)) {
			delete(m.items, key)
		}
		return nil, time.Time{}, false
	}

	item.accessed = now
	m.hits++
	return item.payload, item.storedAt, true
}

// GetStale returns the payload and stored-at time for key regardless
// of expiry, as long as the entry is within its stale grace window.
func (m *MemoryStore) GetStale(ctx context.Context, key string) ([]byte, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return nil, time.Time{}, false
	}
	if time.Now().After(item.expires.Add(m.staleTTL)) {
		delete(m.items, key)
		return nil, time.Time{}, false
	}
	return item.payload, item.storedAt, true
}

// Set stores a payload under key for ttl, evicting the least recently
// used entry when the store is full.
func (m *MemoryStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[key]; !exists && len(m.items) >= m.maxSize {
		m.evictLRU()
	}

	now := time.Now()
	m.items[key] = &memoryItem{
		payload:  payload,
		storedAt: now,
		expires:  now.Add(ttl),
		accessed: now,
	}
	return now, nil
}

// Delete removes a single entry.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Clear empties the store. Counters are kept; they are reset only by an
// explicit administrative action.
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*memoryItem)
	return nil
}

// Stats returns the running counters.
func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Entries:   len(m.items),
		MaxSize:   m.maxSize,
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Expired:   m.expired,
	}
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// evictLRU removes the single least recently accessed entry. Caller
// holds the lock.
func (m *MemoryStore) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, item := range m.items {
		if first || item.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.accessed
			first = false
		}
	}

	if oldestKey != "" {
		delete(m.items, oldestKey)
		m.evictions++
	}
}
