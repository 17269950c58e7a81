package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Inbound rate limit denials (429).
	RateLimitDeniedTotal prometheus.Counter

	// Provider call rate by source (forecast, archive) and outcome.
	UpstreamCallsTotal *prometheus.CounterVec

	// Provider latency. Watch for: p95 > 2s on the archive host.
	UpstreamDuration *prometheus.HistogramVec

	// Retries per source. High values = unstable provider.
	UpstreamRetriesTotal *prometheus.CounterVec

	// Time callers spend queued in the outbound rate limiter, per host.
	RateLimiterWaitSeconds *prometheus.HistogramVec

	// Cache hits/misses by tier. Hit rate = hits/(hits+misses).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Entries removed by reason: expired, corrupt, capacity, sweep.
	CacheEvictionsTotal *prometheus.CounterVec

	// Backend faults swallowed by the cache store, by operation.
	CacheFaultsTotal *prometheus.CounterVec

	// Date routing.
	DateClassificationsTotal *prometheus.CounterVec
	InvalidDatesTotal        prometheus.Counter

	// How each chained date was answered: forecast_fill, cached, blend, historical_average, default.
	PredictionOutcomesTotal *prometheus.CounterVec

	// Provider rows dropped as placeholders, by source and reason.
	DataQualityDroppedTotal *prometheus.CounterVec

	// Forecast window fetches served by another in-flight fetch.
	ForecastCoalescedTotal prometheus.Counter

	// Concurrent forecast-window misses for the same location.
	ConcurrentForecastMisses prometheus.Histogram

	// 0 closed, 1 half-open, 2 open.
	CircuitBreakerState *prometheus.GaugeVec

	ResolveRequestsTotal prometheus.Counter
	ResolveDatesTotal    prometheus.Counter

	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram
	CacheSweepRemovedTotal      prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "httpRequestsTotal", Help: "Total number of HTTP requests"},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "httpRequestsInFlight", Help: "Number of HTTP requests currently being served"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rateLimitDeniedTotal", Help: "Total number of requests denied by the inbound rate limiter (429)"},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upstreamCallsTotal", Help: "Total number of weather provider calls"},
		[]string{"source", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Weather provider latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"source", "status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upstreamRetriesTotal", Help: "Total number of retry attempts for provider calls"},
		[]string{"source"},
	)
	RateLimiterWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rateLimiterWaitSeconds",
			Help:    "Time spent waiting for an outbound rate limiter slot",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"host"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheHitsTotal", Help: "Total number of cache hits by tier"},
		[]string{"tier"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheMissesTotal", Help: "Total number of cache misses by tier (absent, expired or corrupt)"},
		[]string{"tier"},
	)
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheEvictionsTotal", Help: "Cache entries removed, by reason"},
		[]string{"reason"},
	)
	CacheFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheFaultsTotal", Help: "Cache backend faults swallowed by the cache store"},
		[]string{"op"},
	)
	DateClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dateClassificationsTotal", Help: "Requested dates by routing category"},
		[]string{"category"},
	)
	InvalidDatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "invalidDatesTotal", Help: "Malformed or calendar-invalid requested dates"},
	)
	PredictionOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "predictionOutcomesTotal", Help: "How each date in the prediction chain was answered"},
		[]string{"kind"},
	)
	DataQualityDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dataQualityDroppedTotal", Help: "Provider rows dropped as gaps or placeholders"},
		[]string{"source", "reason"},
	)
	ForecastCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "forecastCoalescedTotal", Help: "Forecast window fetches served by an in-flight fetch"},
	)
	ConcurrentForecastMisses = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concurrentForecastMisses",
			Help:    "Concurrent forecast-window misses for the same location",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuitBreakerState", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)"},
		[]string{"component"},
	)
	ResolveRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "resolveRequestsTotal", Help: "Total number of pipeline resolve calls"},
	)
	ResolveDatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "resolveDatesTotal", Help: "Total number of dates requested across resolve calls"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingTotal", Help: "Cache warming runs"},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingErrorsTotal", Help: "Cache warming runs with at least one failed location"},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "cacheWarmingDurationSeconds", Help: "Cache warming run duration", Buckets: prometheus.DefBuckets},
	)
	CacheSweepRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheSweepRemovedTotal", Help: "Expired entries removed by the periodic sweep"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, RateLimitDeniedTotal,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal, RateLimiterWaitSeconds,
		CacheHitsTotal, CacheMissesTotal, CacheEvictionsTotal, CacheFaultsTotal,
		DateClassificationsTotal, InvalidDatesTotal, PredictionOutcomesTotal, DataQualityDroppedTotal,
		ForecastCoalescedTotal, ConcurrentForecastMisses, CircuitBreakerState,
		ResolveRequestsTotal, ResolveDatesTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds, CacheSweepRemovedTotal,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
