package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"karatcalc/internal/monitor"
	"karatcalc/internal/quotes"
)

// Scheduler drives periodic refresh of the market snapshot. The
// polling interval is recomputed after every cycle from the latest
// health status; one timer is reset in place, never stacked.
type Scheduler struct {
	agg *Aggregator
	log *logrus.Entry
	obs *monitor.Collector

	mu       sync.RWMutex
	snapshot MarketData
	interval time.Duration
	started  bool

	forceCh chan chan MarketData
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler over the aggregator. It does not
// start polling until Start is called.
func NewScheduler(agg *Aggregator, log *logrus.Logger, obs *monitor.Collector) *Scheduler {
	return &Scheduler{
		agg:      agg,
		log:      log.WithField("component", "scheduler"),
		obs:      obs,
		interval: 45 * time.Second,
		forceCh:  make(chan chan MarketData),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs an immediate first cycle, then polls until the context is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop cancels the timer and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Snapshot returns the latest market data without triggering a fetch.
// Consumers render last-known-good data instead of blocking on a poll.
func (s *Scheduler) Snapshot() MarketData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Interval returns the current polling interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// ForceRefresh runs a cycle immediately, bypassing both the schedule
// and the response cache, and reschedules the timer from now. While
// the loop is running the forced cycle goes through it, so a
// concurrent timer cycle can never overwrite the fresh snapshot.
func (s *Scheduler) ForceRefresh(ctx context.Context) MarketData {
	s.mu.RLock()
	running := s.started
	s.mu.RUnlock()

	if !running {
		return s.runCycle(ctx, true)
	}

	reply := make(chan MarketData, 1)
	select {
	case s.forceCh <- reply:
		select {
		case data := <-reply:
			return data
		case <-ctx.Done():
			return s.Snapshot()
		}
	case <-ctx.Done():
		return s.Snapshot()
	case <-s.stopCh:
		return s.Snapshot()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	s.runCycle(ctx, false)

	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case reply := <-s.forceCh:
			reply <- s.runCycle(ctx, true)
			resetTimer(timer, s.Interval())
		case <-timer.C:
			s.runCycle(ctx, false)
			resetTimer(timer, s.Interval())
		}
	}
}

// runCycle fetches, stores the snapshot, and recomputes the interval
// from the resulting health.
func (s *Scheduler) runCycle(ctx context.Context, force bool) MarketData {
	var opts []quotes.FetchOption
	if force {
		opts = append(opts, quotes.ForceFresh())
	}

	data := s.agg.GetMarketData(ctx, opts...)
	report := s.agg.HealthCheck()
	business := s.agg.BusinessMetrics()
	next := PollInterval(report.Status, business.CacheEfficiencyPct)

	s.mu.Lock()
	s.snapshot = data
	s.interval = next
	s.mu.Unlock()

	s.obs.ObserveRefreshCycle()
	s.obs.SetHealthLevel(report.Status.Level())
	s.obs.SetPollInterval(next.Seconds())

	s.log.WithFields(logrus.Fields{
		"health":        report.Status,
		"next_interval": next.String(),
		"total_time_ms": data.Performance.TotalTimeMs,
		"crypto_cached": data.Performance.CryptoFromCache,
		"metals_cached": data.Performance.MetalsFromCache,
		"forced":        force,
	}).Info("refresh cycle complete")

	return data
}

// resetTimer drains and resets a timer so intervals never stack.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
