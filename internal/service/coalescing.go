package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/trip-weather-service/internal/models"
)

// inFlightFetch is one forecast-window fetch that concurrent resolves may share.
type inFlightFetch struct {
	done   chan struct{}
	result []models.WeatherCondition
	err    error
}

// fetchCoalescer collapses concurrent fetches for the same key into one upstream call.
type fetchCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
	timeout  time.Duration
}

func newFetchCoalescer(timeout time.Duration) *fetchCoalescer {
	return &fetchCoalescer{
		inFlight: make(map[string]*inFlightFetch),
		timeout:  timeout,
	}
}

// Do runs fn for key unless a fetch for key is already running, in which case it waits for
// that result. shared reports whether the result came from another caller's fetch.
// fn runs detached from the first caller's cancellation, bounded by the coalescer timeout,
// so one caller giving up does not fail the others.
func (fc *fetchCoalescer) Do(ctx context.Context, key string, fn func(context.Context) ([]models.WeatherCondition, error)) (result []models.WeatherCondition, shared bool, err error) {
	fc.mu.Lock()
	f, exists := fc.inFlight[key]
	if !exists {
		f = &inFlightFetch{done: make(chan struct{})}
		fc.inFlight[key] = f
		fc.mu.Unlock()

		go func() {
			runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fc.timeout)
			defer cancel()
			f.result, f.err = fn(runCtx)

			fc.mu.Lock()
			delete(fc.inFlight, key)
			fc.mu.Unlock()
			close(f.done)
		}()
	} else {
		fc.mu.Unlock()
	}

	select {
	case <-f.done:
		return f.result, exists, f.err
	case <-ctx.Done():
		return nil, exists, ctx.Err()
	}
}

// Len returns the number of fetches in flight.
func (fc *fetchCoalescer) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.inFlight)
}
