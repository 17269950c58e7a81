package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/trip-weather-service/internal/cache"
	"github.com/kjstillabower/trip-weather-service/internal/client"
	"github.com/kjstillabower/trip-weather-service/internal/config"
	httphandler "github.com/kjstillabower/trip-weather-service/internal/http"
	"github.com/kjstillabower/trip-weather-service/internal/lifecycle"
	"github.com/kjstillabower/trip-weather-service/internal/observability"
	"github.com/kjstillabower/trip-weather-service/internal/prediction"
	"github.com/kjstillabower/trip-weather-service/internal/ratelimit"
	"github.com/kjstillabower/trip-weather-service/internal/scheduler"
	"github.com/kjstillabower/trip-weather-service/internal/service"
)

const inFlightCheckInterval = 100 * time.Millisecond

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	forecastClient, historicalClient, err := newClients(cfg, logger)
	if err != nil {
		logger.Fatal("weather clients", zap.Error(err))
	}

	store, ping, closeStore, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("cache store", zap.Error(err))
	}
	weatherCache, err := cache.New(store, cache.TTLs{
		Forecast:   cfg.ForecastTTL,
		Historical: cfg.HistoricalTTL,
		Prediction: cfg.PredictionTTL,
	}, cache.WithEvictBatch(cfg.CacheEvictBatch), cache.WithLogger(logger))
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}

	pipeline, err := service.New(weatherCache, forecastClient, historicalClient, service.Options{
		Weights:          prediction.Weights{Forecast: cfg.ForecastWeight, Historical: cfg.HistoricalWeight},
		HistoryYears:     cfg.HistoryYears,
		DefaultCondition: cfg.DefaultCondition,
		CoalesceTimeout:  cfg.RequestTimeout,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal("pipeline", zap.Error(err))
	}

	var warmer scheduler.Warmer
	if len(cfg.TrackedLocations) > 0 {
		warmer = cache.NewCacheWarmer(pipeline, logger, cfg.WarmDays, cfg.WarmConcurrency)
	}
	jobs := scheduler.New(scheduler.Config{
		SweepInterval: cfg.SweepInterval,
		WarmInterval:  cfg.WarmInterval,
		JobTimeout:    cfg.RequestTimeout * 4,
		Locations:     cfg.TrackedLocations,
	}, weatherCache, warmer, logger)
	if warmer != nil {
		go func() {
			warmCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout*4)
			defer cancel()
			if err := jobs.Warm(warmCtx); err != nil {
				logger.Warn("initial cache warming failed", zap.Error(err))
			}
		}()
	}
	if err := jobs.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	healthConfig := &httphandler.HealthConfig{
		HealthConfig: lifecycle.HealthConfig{
			DegradedWindow:       cfg.DegradedWindow,
			DegradedErrorPct:     cfg.DegradedErrorPct,
			OverloadWindow:       cfg.OverloadWindow,
			OverloadThresholdPct: cfg.OverloadThresholdPct,
		},
		CachePing: ping,
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(pipeline, weatherCache, healthConfig, cfg.MaxDatesPerRequest, logger)
	router := httphandler.NewRouter(handler, logger, limiter, cfg.RequestTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	jobs.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if err := closeStore(); err != nil {
		logger.Error("cache store close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newClients builds the forecast and archive clients, each behind the shared limiter for its host.
func newClients(cfg *config.Config, logger *zap.Logger) (*client.ForecastClient, *client.HistoricalClient, error) {
	base := client.Options{
		APIKey:             cfg.APIKey,
		Timeout:            cfg.UpstreamTimeout,
		RetryAttempts:      cfg.RetryAttempts,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		BreakerFailures:    uint32(cfg.BreakerFailures),
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
		BreakerInterval:    cfg.BreakerInterval,
		Logger:             logger,
	}

	forecastLimiter, err := hostLimiter(cfg.ForecastURL, cfg.ForecastMinDelay)
	if err != nil {
		return nil, nil, err
	}
	forecastOpts := base
	forecastOpts.BaseURL = cfg.ForecastURL
	forecast, err := client.NewForecastClient(forecastOpts, forecastLimiter)
	if err != nil {
		return nil, nil, err
	}

	archiveLimiter, err := hostLimiter(cfg.ArchiveURL, cfg.ArchiveMinDelay)
	if err != nil {
		return nil, nil, err
	}
	archiveOpts := base
	archiveOpts.BaseURL = cfg.ArchiveURL
	historical, err := client.NewHistoricalClient(archiveOpts, archiveLimiter)
	if err != nil {
		return nil, nil, err
	}
	return forecast, historical, nil
}

func hostLimiter(rawURL string, minDelay time.Duration) (*ratelimit.Limiter, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	return ratelimit.New(u.Host, minDelay)
}

// newStore opens the configured cache backend. ping is nil for the in-process store.
func newStore(cfg *config.Config, logger *zap.Logger) (store cache.Store, ping func() error, closeFn func() error, err error) {
	switch cfg.CacheBackend {
	case config.BackendMemcached:
		mc, err := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc.Ping, mc.Close, nil
	case config.BackendSQLite:
		sq, err := cache.NewSQLiteStore(cfg.SQLitePath, cfg.CacheMaxEntries)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("cache backend: sqlite", zap.String("path", cfg.SQLitePath))
		return sq, sq.Ping, sq.Close, nil
	default:
		logger.Info("cache backend: in_memory", zap.Int("max_entries", cfg.CacheMaxEntries))
		return cache.NewMemoryStore(cfg.CacheMaxEntries, cfg.SweepInterval), nil, func() error { return nil }, nil
	}
}
