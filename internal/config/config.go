package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/trip-weather-service/internal/models"
)

const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendSQLite    = "sqlite"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort      string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	ForecastURL     string
	ArchiveURL      string
	APIKey          string
	UpstreamTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	ForecastMinDelay time.Duration
	ArchiveMinDelay  time.Duration

	BreakerFailures    int
	BreakerOpenTimeout time.Duration
	BreakerInterval    time.Duration

	CacheBackend          string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	SQLitePath            string
	CacheMaxEntries       int
	CacheEvictBatch       int
	ForecastTTL           time.Duration
	HistoricalTTL         time.Duration
	PredictionTTL         time.Duration
	SweepInterval         time.Duration

	HistoryYears     int
	ForecastWeight   float64
	HistoricalWeight float64
	DefaultCondition *models.WeatherCondition

	RateLimitRPS       int
	RateLimitBurst     int
	MaxDatesPerRequest int

	TrackedLocations []models.Location
	WarmInterval     time.Duration
	WarmDays         int
	WarmConcurrency  int

	DegradedWindow       time.Duration
	DegradedErrorPct     int
	OverloadWindow       time.Duration
	OverloadThresholdPct int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout            string `yaml:"timeout"`
		MaxDatesPerRequest int    `yaml:"max_dates"`
	} `yaml:"request"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	OpenMeteo struct {
		ForecastURL      string `yaml:"forecast_url"`
		ArchiveURL       string `yaml:"archive_url"`
		Timeout          string `yaml:"timeout"`
		ForecastMinDelay string `yaml:"forecast_min_delay"`
		ArchiveMinDelay  string `yaml:"archive_min_delay"`
	} `yaml:"open_meteo"`

	Reliability struct {
		RetryMaxAttempts   int    `yaml:"retry_max_attempts"`
		RetryBaseDelay     string `yaml:"retry_base_delay"`
		RetryMaxDelay      string `yaml:"retry_max_delay"`
		BreakerFailures    int    `yaml:"breaker_failures"`
		BreakerOpenTimeout string `yaml:"breaker_open_timeout"`
		BreakerInterval    string `yaml:"breaker_interval"`
		RateLimitRPS       int    `yaml:"rate_limit_rps"`
		RateLimitBurst     int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Cache struct {
		Backend       string `yaml:"backend"`
		MaxEntries    int    `yaml:"max_entries"`
		EvictBatch    int    `yaml:"evict_batch"`
		SweepInterval string `yaml:"sweep_interval"`
		TTL           struct {
			Forecast   string `yaml:"forecast"`
			Historical string `yaml:"historical"`
			Prediction string `yaml:"prediction"`
		} `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
	} `yaml:"cache"`

	Prediction struct {
		HistoryYears int `yaml:"history_years"`
		Weights      struct {
			Forecast   *float64 `yaml:"forecast"`
			Historical *float64 `yaml:"historical"`
		} `yaml:"weights"`
		DefaultCondition *struct {
			TempHigh      int    `yaml:"temp_high"`
			TempLow       int    `yaml:"temp_low"`
			Condition     string `yaml:"condition"`
			Precipitation int    `yaml:"precipitation"`
			Humidity      int    `yaml:"humidity"`
			WindSpeed     int    `yaml:"wind_speed"`
			UVIndex       int    `yaml:"uv_index"`
		} `yaml:"default_condition"`
	} `yaml:"prediction"`

	Warming struct {
		TrackedLocations []string `yaml:"tracked_locations"`
		Interval         string   `yaml:"interval"`
		Days             int      `yaml:"days"`
		Concurrency      int      `yaml:"concurrency"`
	} `yaml:"warming"`

	Health struct {
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
	} `yaml:"health"`
}

type secretsFile struct {
	OpenMeteoAPIKey string `yaml:"open_meteo_api_key"`
}

// Load reads an optional .env, then config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml,
// then env overrides. The Open-Meteo API key is optional; it comes from OPEN_METEO_API_KEY or
// the secrets file. Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = envOr("PORT", fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)
	cfg.MaxDatesPerRequest = positiveOr(fc.Request.MaxDatesPerRequest, 60)
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.APIKey, err = loadAPIKey(cwd)
	if err != nil {
		return nil, err
	}
	cfg.ForecastURL = envOr("FORECAST_API_URL", fc.OpenMeteo.ForecastURL)
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = "https://api.open-meteo.com/v1/forecast"
	}
	cfg.ArchiveURL = envOr("ARCHIVE_API_URL", fc.OpenMeteo.ArchiveURL)
	if cfg.ArchiveURL == "" {
		cfg.ArchiveURL = "https://archive-api.open-meteo.com/v1/archive"
	}
	cfg.UpstreamTimeout = parseDurationOrZero(fc.OpenMeteo.Timeout, 10*time.Second)
	cfg.ForecastMinDelay = parseDurationOrZero(fc.OpenMeteo.ForecastMinDelay, 100*time.Millisecond)
	cfg.ArchiveMinDelay = parseDurationOrZero(fc.OpenMeteo.ArchiveMinDelay, 250*time.Millisecond)

	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.BreakerFailures = positiveOr(fc.Reliability.BreakerFailures, 5)
	cfg.BreakerOpenTimeout = parseDuration(fc.Reliability.BreakerOpenTimeout, 30*time.Second)
	cfg.BreakerInterval = parseDuration(fc.Reliability.BreakerInterval, time.Minute)
	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 50)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 100)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = BackendInMemory
	}
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)
	cfg.SQLitePath = envOr("SQLITE_PATH", fc.Cache.SQLite.Path)
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "weather-cache.db"
	}
	cfg.CacheMaxEntries = positiveOr(fc.Cache.MaxEntries, 50000)
	cfg.CacheEvictBatch = positiveOr(fc.Cache.EvictBatch, 50)
	cfg.ForecastTTL = parseDuration(fc.Cache.TTL.Forecast, 3*time.Hour)
	cfg.HistoricalTTL = parseDuration(fc.Cache.TTL.Historical, 7*24*time.Hour)
	cfg.PredictionTTL = parseDuration(fc.Cache.TTL.Prediction, 3*time.Hour)
	cfg.SweepInterval = parseDurationOrZero(fc.Cache.SweepInterval, 15*time.Minute)

	cfg.HistoryYears = positiveOr(fc.Prediction.HistoryYears, 3)
	cfg.ForecastWeight, cfg.HistoricalWeight = 0.3, 0.7
	if w := fc.Prediction.Weights.Forecast; w != nil {
		cfg.ForecastWeight = *w
	}
	if w := fc.Prediction.Weights.Historical; w != nil {
		cfg.HistoricalWeight = *w
	}
	if dc := fc.Prediction.DefaultCondition; dc != nil {
		cfg.DefaultCondition = &models.WeatherCondition{
			TempHigh:      dc.TempHigh,
			TempLow:       dc.TempLow,
			Condition:     models.Condition(strings.ToLower(strings.TrimSpace(dc.Condition))),
			Precipitation: dc.Precipitation,
			Humidity:      dc.Humidity,
			WindSpeed:     dc.WindSpeed,
			UVIndex:       dc.UVIndex,
			IsEstimate:    true,
		}
	}

	tracked := fc.Warming.TrackedLocations
	if v := strings.TrimSpace(os.Getenv("TRACKED_LOCATIONS")); v != "" {
		tracked = strings.Split(v, ";")
	}
	for _, s := range tracked {
		loc, err := ParseLocation(s)
		if err != nil {
			return nil, fmt.Errorf("warming.tracked_locations: %w", err)
		}
		cfg.TrackedLocations = append(cfg.TrackedLocations, loc)
	}
	cfg.WarmInterval = parseDurationOrZero(fc.Warming.Interval, time.Hour)
	cfg.WarmDays = positiveOr(fc.Warming.Days, 16)
	cfg.WarmConcurrency = positiveOr(fc.Warming.Concurrency, 2)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Health.DegradedErrorPct, 20)
	cfg.OverloadWindow = parseDuration(fc.Health.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = positiveOr(fc.Health.OverloadThresholdPct, 80)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadAPIKey(cwd string) (string, error) {
	if key := strings.TrimSpace(os.Getenv("OPEN_METEO_API_KEY")); key != "" {
		return key, nil
	}
	data, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.OpenMeteoAPIKey), nil
}

// ParseLocation parses "lat,lon" or "lat,lon,IANA/Zone".
func ParseLocation(s string) (models.Location, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 2 || len(parts) > 3 {
		return models.Location{}, fmt.Errorf("location %q: want lat,lon[,timezone]", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return models.Location{}, fmt.Errorf("location %q: invalid latitude", s)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || lon < -180 || lon > 180 {
		return models.Location{}, fmt.Errorf("location %q: invalid longitude", s)
	}
	loc := models.Location{Lat: lat, Lon: lon}
	if len(parts) == 3 {
		loc.Timezone = strings.TrimSpace(parts[2])
	}
	return loc, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is so validate can reject them or treat 0 as disabled.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate checks cross-field constraints. RequestTimeout is raised above UpstreamTimeout
// when needed rather than rejected.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("open_meteo.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	if cfg.ForecastMinDelay <= 0 || cfg.ArchiveMinDelay <= 0 {
		return fmt.Errorf("open_meteo rate limiter delays must be positive")
	}
	switch cfg.CacheBackend {
	case BackendInMemory, BackendMemcached, BackendSQLite:
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or sqlite, got %q", cfg.CacheBackend)
	}
	if cfg.HistoricalTTL < cfg.ForecastTTL || cfg.HistoricalTTL < cfg.PredictionTTL {
		return fmt.Errorf("cache.ttl.historical (%s) must be >= forecast (%s) and prediction (%s)",
			cfg.HistoricalTTL, cfg.ForecastTTL, cfg.PredictionTTL)
	}
	if cfg.SweepInterval < 0 || cfg.WarmInterval < 0 {
		return fmt.Errorf("cache.sweep_interval and warming.interval must not be negative")
	}
	fw, hw := cfg.ForecastWeight, cfg.HistoricalWeight
	if math.IsNaN(fw) || math.IsNaN(hw) || math.IsInf(fw, 0) || math.IsInf(hw, 0) || fw < 0 || hw < 0 || fw+hw <= 0 {
		return fmt.Errorf("prediction.weights must be finite, non-negative and sum above 0, got %v/%v", fw, hw)
	}
	if dc := cfg.DefaultCondition; dc != nil && !dc.Condition.Valid() {
		return fmt.Errorf("prediction.default_condition.condition %q is not a known condition", dc.Condition)
	}
	return nil
}
