//go:build integration
// +build integration

// Package testhelpers builds the full resolution stack against live Open-Meteo for tests
// tagged integration.
package testhelpers

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/trip-weather-service/internal/cache"
	"github.com/kjstillabower/trip-weather-service/internal/client"
	"github.com/kjstillabower/trip-weather-service/internal/ratelimit"
	"github.com/kjstillabower/trip-weather-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	ForecastURL   string
	ArchiveURL    string
	APIKey        string
	CacheBackend  string // in_memory, memcached or sqlite
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test when SKIP_NETWORK_TESTS is set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	if os.Getenv("SKIP_NETWORK_TESTS") != "" {
		t.Skip("SKIP_NETWORK_TESTS set, skipping integration test")
	}
	cfg := IntegrationTestConfig{
		ForecastURL:   envOr("FORECAST_API_URL", client.DefaultForecastURL),
		ArchiveURL:    envOr("ARCHIVE_API_URL", client.DefaultArchiveURL),
		APIKey:        os.Getenv("OPEN_METEO_API_KEY"),
		CacheBackend:  envOr("INTEGRATION_CACHE_BACKEND", "in_memory"),
		MemcachedAddr: envOr("MEMCACHED_ADDRS", "localhost:11211"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SetupIntegrationPipeline creates a fully wired pipeline. Memcached falls back to the
// in-memory store when unreachable. Returns the pipeline, its cache and a cleanup function.
func SetupIntegrationPipeline(t *testing.T, cfg IntegrationTestConfig) (*service.Pipeline, *cache.WeatherCache, func()) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	forecastLimiter := newLimiter(t, cfg.ForecastURL)
	archiveLimiter := newLimiter(t, cfg.ArchiveURL)
	forecast, err := client.NewForecastClient(client.Options{BaseURL: cfg.ForecastURL, APIKey: cfg.APIKey, Timeout: 10 * time.Second, Logger: logger}, forecastLimiter)
	if err != nil {
		t.Fatalf("NewForecastClient() error = %v", err)
	}
	historical, err := client.NewHistoricalClient(client.Options{BaseURL: cfg.ArchiveURL, APIKey: cfg.APIKey, Timeout: 10 * time.Second, Logger: logger}, archiveLimiter)
	if err != nil {
		t.Fatalf("NewHistoricalClient() error = %v", err)
	}

	var store cache.Store
	cleanup := func() {}
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedStore(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil {
			err = mc.Ping()
		}
		if err != nil {
			t.Logf("Memcached not available (%v), using in-memory store", err)
			store = cache.NewMemoryStore(10000, 0)
			break
		}
		t.Logf("Using Memcached store at %s", cfg.MemcachedAddr)
		store = mc
		cleanup = func() { _ = mc.Close() }
	case "sqlite":
		sq, err := cache.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), 10000)
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		store = sq
		cleanup = func() { _ = sq.Close() }
	default:
		store = cache.NewMemoryStore(10000, 0)
	}

	wc, err := cache.New(store, cache.DefaultTTLs, cache.WithLogger(logger))
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	pipeline, err := service.New(wc, forecast, historical, service.Options{Logger: logger})
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	return pipeline, wc, cleanup
}

func newLimiter(t *testing.T, rawURL string) *ratelimit.Limiter {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	l, err := ratelimit.New(u.Host, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}
	return l
}
