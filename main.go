package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/circuit"
	"tickflow/internal/feed"
	"tickflow/internal/fetcher"
	"tickflow/internal/orders"
	"tickflow/internal/ratelimit"
	"tickflow/internal/rest"
	"tickflow/internal/store"
	"tickflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
		"symbols": len(cfg.Symbols),
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudwatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	limiter := ratelimit.NewAsyncLimiter(cfg.RateLimit.MaxCalls, cfg.RateLimit.Window)
	breaker := circuit.NewBreaker("bybit_rest", cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryTimeout)
	client := rest.NewClient(cfg, limiter)
	dataStore := store.NewStore()

	batch := fetcher.NewBatch(cfg.Fetcher.MaxConcurrent, cfg.Fetcher.BatchTimeout, cfg.Fetcher.RetryDelay, breaker)
	refresher := fetcher.NewRefresher(cfg.Fetcher, client, dataStore, batch, cfg.Symbols)

	monitor := orders.NewMonitor(cfg.Orders, client, breaker)
	streams := feed.New(cfg, dataStore, monitor)

	if err := streams.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream sessions")
		os.Exit(1)
	}
	if err := refresher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start refresher")
		os.Exit(1)
	}
	if cfg.HasPrivate() {
		if err := monitor.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start order monitor")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("no credentials configured; order monitor disabled")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		if cfg.HasPrivate() {
			log.Info("stopping order monitor")
			monitor.Stop()
		}

		log.Info("stopping refresher")
		refresher.Stop()

		log.Info("stopping stream sessions")
		streams.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
}
