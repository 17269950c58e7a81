// Package scheduler runs the background cache jobs: a periodic sweep of expired entries and
// periodic warming of tracked locations.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/trip-weather-service/internal/models"
	"github.com/kjstillabower/trip-weather-service/internal/observability"
)

// Sweeper removes expired cache entries.
type Sweeper interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Warmer pre-resolves the upcoming days of a set of locations.
type Warmer interface {
	Warm(ctx context.Context, locations []models.Location) error
}

// Config controls job intervals. A zero interval disables that job.
type Config struct {
	SweepInterval time.Duration
	WarmInterval  time.Duration
	JobTimeout    time.Duration
	Locations     []models.Location
}

// Scheduler owns a gocron scheduler with the sweep and warm jobs.
type Scheduler struct {
	scheduler *gocron.Scheduler
	sweeper   Sweeper
	warmer    Warmer
	cfg       Config
	logger    *zap.Logger
}

// New creates a Scheduler. sweeper or warmer may be nil to skip that job.
func New(cfg Config, sweeper Sweeper, warmer Warmer, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		sweeper:   sweeper,
		warmer:    warmer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start registers the enabled jobs and starts the scheduler in the background. Jobs first run
// one interval after Start and never overlap themselves.
func (s *Scheduler) Start() error {
	scheduled := 0
	if s.sweeper != nil && s.cfg.SweepInterval > 0 {
		_, err := s.scheduler.Every(s.cfg.SweepInterval).
			Name("cache-sweep").
			SingletonMode().
			WaitForSchedule().
			Do(s.runWithTimeout, s.Sweep)
		if err != nil {
			return err
		}
		scheduled++
	}
	if s.warmer != nil && s.cfg.WarmInterval > 0 && len(s.cfg.Locations) > 0 {
		_, err := s.scheduler.Every(s.cfg.WarmInterval).
			Name("cache-warm").
			SingletonMode().
			WaitForSchedule().
			Do(s.runWithTimeout, s.Warm)
		if err != nil {
			return err
		}
		scheduled++
	}
	if scheduled == 0 {
		s.logger.Info("scheduler: no jobs configured")
		return nil
	}
	s.scheduler.StartAsync()
	s.logger.Info("scheduler started",
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Duration("warm_interval", s.cfg.WarmInterval),
		zap.Int("tracked_locations", len(s.cfg.Locations)),
	)
	return nil
}

// Stop stops the scheduler. Running jobs finish; no new runs start.
func (s *Scheduler) Stop() {
	if s.scheduler != nil && s.scheduler.IsRunning() {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) runWithTimeout(job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	_ = job(ctx)
}

// Sweep removes expired entries once. Failures are logged and returned.
func (s *Scheduler) Sweep(ctx context.Context) error {
	if s.sweeper == nil {
		return errors.New("scheduler: no sweeper configured")
	}
	removed, err := s.sweeper.CleanupExpired(ctx)
	if err != nil {
		s.logger.Warn("cache sweep failed", zap.Error(err))
		return err
	}
	observability.CacheSweepRemovedTotal.Add(float64(removed))
	s.logger.Debug("cache sweep completed", zap.Int("removed", removed))
	return nil
}

// Warm resolves the tracked locations once.
func (s *Scheduler) Warm(ctx context.Context) error {
	if s.warmer == nil {
		return errors.New("scheduler: no warmer configured")
	}
	if err := s.warmer.Warm(ctx, s.cfg.Locations); err != nil {
		s.logger.Warn("cache warming finished with errors", zap.Error(err))
		return err
	}
	return nil
}
