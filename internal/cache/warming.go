package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/trip-weather-service/internal/dates"
	"github.com/kjstillabower/trip-weather-service/internal/models"
	"github.com/kjstillabower/trip-weather-service/internal/observability"
)

// Resolver is implemented by the service layer to resolve weather for a location and dates.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type Resolver interface {
	Resolve(ctx context.Context, loc models.Location, dateList []string) ([]models.WeatherCondition, error)
}

// CacheWarmer warms the cache by resolving the upcoming days of tracked locations.
type CacheWarmer struct {
	resolver    Resolver
	logger      *zap.Logger
	days        int
	concurrency int
	now         func() time.Time
}

// NewCacheWarmer creates a CacheWarmer that resolves days days starting today (destination time)
// for each location, at most concurrency locations at a time.
func NewCacheWarmer(resolver Resolver, logger *zap.Logger, days, concurrency int) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if days <= 0 {
		days = dates.ForecastMaxDays
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	return &CacheWarmer{resolver: resolver, logger: logger, days: days, concurrency: concurrency, now: time.Now}
}

// WarmDates returns the dates warmed for loc: today in loc's timezone plus the following days.
func (w *CacheWarmer) WarmDates(loc models.Location) []string {
	today := dates.Today(loc, w.now())
	out := make([]string, 0, w.days)
	for i := 0; i < w.days; i++ {
		d, err := dates.AddDays(today, i)
		if err != nil {
			break
		}
		out = append(out, d)
	}
	return out
}

// Warm resolves every location and returns the aggregated failures, if any.
func (w *CacheWarmer) Warm(ctx context.Context, locations []models.Location) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)), zap.Int("days", w.days))

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(w.concurrency)
	for _, loc := range locations {
		loc := loc
		g.Go(func() error {
			if _, err := w.resolver.Resolve(ctx, loc, w.WarmDates(loc)); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete", zap.Int("locations", len(locations)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}
