// Package testutils holds small helpers shared by package tests.
package testutils

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"
)

// Clock is a manual clock for tests that must not sleep through real
// windows.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current manual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Upstream is a scripted fake HTTP API that counts calls.
type Upstream struct {
	*httptest.Server
	calls int64
}

// NewUpstream serves the given status and body for every request.
func NewUpstream(status int, body string) *Upstream {
	u := &Upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&u.calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	return u
}

// NewUpstreamFunc serves with a custom handler, still counting calls.
func NewUpstreamFunc(handler http.HandlerFunc) *Upstream {
	u := &Upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&u.calls, 1)
		handler(w, r)
	}))
	return u
}

// Calls returns how many requests the upstream has served.
func (u *Upstream) Calls() int64 {
	return atomic.LoadInt64(&u.calls)
}
