// Package api exposes the market data, observability, and admin
// recovery surfaces over HTTP. No authentication is modeled here; the
// embedding application fronts these routes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"karatcalc/internal/aggregator"
	"karatcalc/internal/cache"
	"karatcalc/internal/config"
	"karatcalc/internal/ratelimit"
)

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	router     *gin.Engine
	httpServer *http.Server
	log        *logrus.Entry

	agg       *aggregator.Aggregator
	scheduler *aggregator.Scheduler
	stores    map[string]cache.Store
	trackers  map[string]*ratelimit.Tracker
}

// NewServer wires the router. Dependencies are injected; the server
// owns only the HTTP listener. Stores and trackers are keyed by
// service name so admin actions reach every service's state.
func NewServer(cfg *config.Config, agg *aggregator.Aggregator, sched *aggregator.Scheduler, stores map[string]cache.Store, trackers map[string]*ratelimit.Tracker, log *logrus.Logger) *Server {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		router:    router,
		log:       log.WithField("component", "api"),
		agg:       agg,
		scheduler: sched,
		stores:    stores,
		trackers:  trackers,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleLiveness)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/market", s.handleMarket)
		v1.POST("/market/refresh", s.handleForceRefresh)
		v1.GET("/market/health", s.handleHealth)
		v1.GET("/metrics/business", s.handleBusinessMetrics)
		v1.GET("/ratelimits", s.handleRateLimits)
		v1.GET("/worktime", s.handleWorkTime)

		admin := v1.Group("/admin")
		{
			admin.POST("/cache/clear", s.handleClearCache)
			admin.POST("/ratelimits/reset", s.handleResetRateLimits)
			admin.POST("/metrics/reset", s.handleResetMetrics)
		}
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
}
