package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kjstillabower/trip-weather-service/internal/observability"
	"github.com/kjstillabower/trip-weather-service/internal/traffic"
)

var (
	ErrTransport           = errors.New("transport failure")
	ErrUpstreamFailure     = errors.New("upstream failure")
	ErrRateLimited         = errors.New("rate limited")
	ErrBadRequest          = errors.New("upstream rejected request")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	ErrInsufficientHistory = errors.New("insufficient historical data")
	ErrNoData              = errors.New("no usable data")
)

// maxBodyBytes caps provider response bodies.
const maxBodyBytes = 4 << 20

// Limiter spaces outbound calls to one host. Satisfied by *ratelimit.Limiter.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Options configures a provider client. Zero values take the defaults noted per field.
type Options struct {
	BaseURL        string
	APIKey         string        // optional commercial key, sent as apikey
	Timeout        time.Duration // per attempt, default 10s
	RetryAttempts  int           // total attempts, default 3
	RetryBaseDelay time.Duration // default 200ms
	RetryMaxDelay  time.Duration // default 2s

	BreakerFailures    uint32        // consecutive failures that open the breaker, default 5
	BreakerOpenTimeout time.Duration // open -> half-open, default 30s
	BreakerInterval    time.Duration // closed-state count reset, default 60s

	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 200 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 2 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerOpenTimeout <= 0 {
		o.BreakerOpenTimeout = 30 * time.Second
	}
	if o.BreakerInterval <= 0 {
		o.BreakerInterval = time.Minute
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// requester performs GET+JSON calls against one provider host with rate limiting,
// retries with jittered exponential backoff and a circuit breaker.
type requester struct {
	source  string
	baseURL *url.URL
	opts    Options
	limiter Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func newRequester(source string, opts Options, limiter Limiter) (*requester, error) {
	if limiter == nil {
		return nil, fmt.Errorf("%s client: rate limiter is required", source)
	}
	opts = opts.withDefaults()
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s client: invalid base URL %q", source, opts.BaseURL)
	}
	r := &requester{
		source:  source,
		baseURL: u,
		opts:    opts,
		limiter: limiter,
		logger:  opts.Logger.With(zap.String("source", source)),
	}
	observability.CircuitBreakerState.WithLabelValues(source).Set(0)
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        u.Host,
		MaxRequests: 1,
		Interval:    opts.BreakerInterval,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellations and rejected requests say nothing about provider health.
			return err == nil || errors.Is(err, ErrBadRequest) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(source).Set(float64(to))
			r.logger.Warn("circuit breaker state change",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return r, nil
}

// get issues the request, retrying transient failures, and returns the response body.
func (r *requester) get(ctx context.Context, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < r.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(r.source).Inc()
			timer := time.NewTimer(r.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		body, err := r.call(ctx, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return nil, err
		}
		r.logger.Debug("provider call failed, will retry",
			zap.Int("attempt", attempt+1),
			zap.String("category", string(CategorizeError(err))),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (r *requester) call(ctx context.Context, params url.Values) ([]byte, error) {
	if err := r.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	start := time.Now()
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.do(ctx, params)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	status := outcomeLabel(err)
	observability.UpstreamCallsTotal.WithLabelValues(r.source, status).Inc()
	observability.UpstreamDuration.WithLabelValues(r.source, status).Observe(time.Since(start).Seconds())
	if ctx.Err() == nil {
		traffic.RecordUpstream(err == nil || errors.Is(err, ErrBadRequest))
	}
	if err != nil {
		return nil, err
	}
	body, _ := result.([]byte)
	return body, nil
}

func (r *requester) do(ctx context.Context, params url.Values) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	u := *r.baseURL
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	if r.opts.APIKey != "" {
		q.Set("apikey", r.opts.APIKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request timeout: %v", ErrTransport, err)
		}
		return nil, fmt.Errorf("%w: http request failed: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ErrTransport, err)
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (r *requester) backoff(attempt int) time.Duration {
	delay := float64(r.opts.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.opts.RetryMaxDelay) {
		delay = float64(r.opts.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusError(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, providerReason(body))
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	}
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrBadRequest):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure), errors.Is(err, ErrTransport):
		return true
	}
	return strings.Contains(err.Error(), "timeout")
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrBadRequest):
		return "client_error"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrUpstreamFailure):
		return "server_error"
	}
	return "error"
}
