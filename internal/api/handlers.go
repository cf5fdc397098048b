package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"karatcalc/internal/cache"
	"karatcalc/internal/quotes"
	"karatcalc/internal/ratelimit"
)

// handleMarket serves the latest snapshot. The scheduler keeps it warm;
// an empty snapshot (first request before the first cycle) triggers an
// inline fetch so the caller never gets nothing.
func (s *Server) handleMarket(c *gin.Context) {
	data := s.scheduler.Snapshot()
	if len(data.Cryptos) == 0 && len(data.Metals) == 0 {
		data = s.agg.GetMarketData(c.Request.Context())
	}
	c.JSON(http.StatusOK, data)
}

// handleForceRefresh bypasses both the schedule and the cache.
func (s *Server) handleForceRefresh(c *gin.Context) {
	data := s.scheduler.ForceRefresh(c.Request.Context())
	c.JSON(http.StatusOK, data)
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.agg.HealthCheck()

	status := http.StatusOK
	if report.Status == "critical" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleBusinessMetrics(c *gin.Context) {
	cacheStats := make(map[string]cache.Stats, len(s.stores))
	for name, store := range s.stores {
		cacheStats[name] = store.Stats()
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics":       s.agg.BusinessMetrics(),
		"cache":         cacheStats,
		"poll_interval": s.scheduler.Interval().String(),
		"timestamp":     time.Now(),
	})
}

func (s *Server) handleRateLimits(c *gin.Context) {
	var usage []ratelimit.EndpointUsage
	for _, tr := range s.trackers {
		usage = append(usage, tr.UsageStats()...)
	}
	c.JSON(http.StatusOK, gin.H{
		"endpoints": usage,
		"timestamp": time.Now(),
	})
}

// handleWorkTime converts a USD amount into work-time equivalents.
func (s *Server) handleWorkTime(c *gin.Context) {
	amount, err := strconv.ParseFloat(c.Query("amount"), 64)
	if err != nil || amount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a non-negative number"})
		return
	}
	region := c.DefaultQuery("region", "global")
	c.JSON(http.StatusOK, quotes.WorkTime(amount, region))
}

// handleClearCache empties every service's response cache.
// Customer-service recovery action.
func (s *Server) handleClearCache(c *gin.Context) {
	for name, store := range s.stores {
		if err := store.Clear(c.Request.Context()); err != nil {
			s.log.WithError(err).WithField("service", name).Error("cache clear failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cache clear failed", "service": name})
			return
		}
	}
	s.log.Warn("response caches cleared by admin action")
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "timestamp": time.Now()})
}

// handleResetRateLimits drops rate windows, for one endpoint when
// given, otherwise all.
func (s *Server) handleResetRateLimits(c *gin.Context) {
	if endpoint := c.Query("endpoint"); endpoint != "" {
		for _, tr := range s.trackers {
			tr.ResetEndpoint(endpoint)
		}
		s.log.WithField("endpoint", endpoint).Warn("rate limits reset by admin action")
		c.JSON(http.StatusOK, gin.H{"status": "reset", "endpoint": endpoint})
		return
	}
	for _, tr := range s.trackers {
		tr.ResetAll()
	}
	s.log.Warn("all rate limits reset by admin action")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// handleResetMetrics zeroes the service counters. The only path that
// resets them.
func (s *Server) handleResetMetrics(c *gin.Context) {
	s.agg.ResetMetrics()
	s.log.Warn("service metrics reset by admin action")
	c.JSON(http.StatusOK, gin.H{"status": "reset", "timestamp": time.Now()})
}
