package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"karatcalc/internal/aggregator"
	"karatcalc/internal/api"
	"karatcalc/internal/cache"
	"karatcalc/internal/config"
	"karatcalc/internal/logger"
	"karatcalc/internal/monitor"
	"karatcalc/internal/quotes"
	"karatcalc/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.Logging)
	appLog := logger.Component(logg, "main")
	appLog.WithField("env", cfg.App.Env).Info("starting karatcalc market-data service")

	obs := monitor.NewCollector(prometheus.DefaultRegisterer)

	// Each service owns its cache and rate tracker: one provider's
	// eviction churn or quota burn must not bleed into the other.
	cryptoStore := cache.New(cfg.Cache, logg)
	defer cryptoStore.Close()
	metalsStore := cache.New(cfg.Cache, logg)
	defer metalsStore.Close()
	cryptoTracker := ratelimit.NewTracker(cfg.RateLimit)
	metalsTracker := ratelimit.NewTracker(cfg.RateLimit)

	cryptoSvc, err := quotes.NewCryptoService(cfg.Crypto, cryptoStore, cryptoTracker, logg, obs)
	if err != nil {
		appLog.WithError(err).Fatal("failed to create crypto service")
	}
	metalsSvc, err := quotes.NewMetalsService(cfg.Metals, metalsStore, metalsTracker, logg, obs)
	if err != nil {
		appLog.WithError(err).Fatal("failed to create metals service")
	}

	agg := aggregator.New(cryptoSvc, metalsSvc, logg, obs)
	sched := aggregator.NewScheduler(agg, logg, obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	stores := map[string]cache.Store{"crypto": cryptoStore, "metals": metalsStore}
	trackers := map[string]*ratelimit.Tracker{"crypto": cryptoTracker, "metals": metalsTracker}
	server := api.NewServer(cfg, agg, sched, stores, trackers, logg)
	go func() {
		if err := server.Start(); err != nil {
			appLog.WithError(err).Error("api server stopped")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		appLog.WithField("signal", sig.String()).Info("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("api server shutdown incomplete")
	}
}
