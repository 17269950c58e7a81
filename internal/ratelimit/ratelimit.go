package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kjstillabower/trip-weather-service/internal/observability"
)

// ErrInvalidDelay is returned by New when minDelay is not positive.
var ErrInvalidDelay = errors.New("rate limiter: min delay must be positive")

// waiter is one queued Acquire call.
type waiter struct {
	ready    chan struct{}
	canceled atomic.Bool
}

// Limiter serializes outbound calls to one upstream host. Callers queue FIFO and a single
// drain goroutine releases them one at a time, never closer than minDelay apart.
type Limiter struct {
	host     string
	minDelay time.Duration

	mu          sync.Mutex
	queue       []*waiter
	draining    bool
	lastRequest time.Time

	onRelease func(time.Time) // test hook, called with mu held
}

// New creates a Limiter for host. Fails fast on a non-positive delay.
func New(host string, minDelay time.Duration) (*Limiter, error) {
	if minDelay <= 0 {
		return nil, fmt.Errorf("%w: got %s for %s", ErrInvalidDelay, minDelay, host)
	}
	return &Limiter{host: host, minDelay: minDelay}, nil
}

// Host returns the upstream host this limiter guards.
func (l *Limiter) Host() string {
	return l.host
}

// MinDelay returns the minimum spacing between releases.
func (l *Limiter) MinDelay() time.Duration {
	return l.minDelay
}

// Acquire blocks until the caller may issue one outbound request, or ctx is done.
// A caller that gives up is skipped by the drain loop without consuming a slot. A caller
// already released when ctx ends gets nil, since its slot has been consumed.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	w := &waiter{ready: make(chan struct{})}

	l.mu.Lock()
	l.queue = append(l.queue, w)
	if !l.draining {
		l.draining = true
		go l.drain()
	}
	l.mu.Unlock()

	select {
	case <-w.ready:
		observability.RateLimiterWaitSeconds.WithLabelValues(l.host).Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		select {
		case <-w.ready:
			// Released before the cancel was seen; the slot is spent, so use it.
			observability.RateLimiterWaitSeconds.WithLabelValues(l.host).Observe(time.Since(start).Seconds())
			return nil
		default:
		}
		w.canceled.Store(true)
		return ctx.Err()
	}
}

// drain releases queued waiters in order. Exactly one drain loop runs while the queue is non-empty.
func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		l.dropCanceledLocked()
		if len(l.queue) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		last := l.lastRequest
		l.mu.Unlock()

		if !last.IsZero() {
			if elapsed := time.Since(last); elapsed < l.minDelay {
				time.Sleep(l.minDelay - elapsed)
			}
		}

		l.mu.Lock()
		l.dropCanceledLocked()
		if len(l.queue) > 0 {
			w := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.lastRequest = time.Now()
			if l.onRelease != nil {
				l.onRelease(l.lastRequest)
			}
			close(w.ready)
		}
		l.mu.Unlock()
	}
}

func (l *Limiter) dropCanceledLocked() {
	for len(l.queue) > 0 && l.queue[0].canceled.Load() {
		l.queue[0] = nil
		l.queue = l.queue[1:]
	}
}
