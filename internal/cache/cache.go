package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/trip-weather-service/internal/models"
	"github.com/kjstillabower/trip-weather-service/internal/observability"
)

// Namespace prefixes every key this package writes to a Store.
const Namespace = "weather:"

// DefaultEvictBatch is how many of the oldest entries are removed when a write hits capacity.
const DefaultEvictBatch = 50

// TTLs holds the freshness window for each tier.
type TTLs struct {
	Forecast   time.Duration
	Historical time.Duration
	Prediction time.Duration
}

// DefaultTTLs are the production tier windows.
var DefaultTTLs = TTLs{
	Forecast:   3 * time.Hour,
	Historical: 7 * 24 * time.Hour,
	Prediction: 3 * time.Hour,
}

// Validate checks that every TTL is positive and historical data outlives the volatile tiers.
func (t TTLs) Validate() error {
	if t.Forecast <= 0 || t.Historical <= 0 || t.Prediction <= 0 {
		return fmt.Errorf("cache ttls must be positive: forecast=%s historical=%s prediction=%s", t.Forecast, t.Historical, t.Prediction)
	}
	if t.Historical < t.Forecast || t.Historical < t.Prediction {
		return fmt.Errorf("historical ttl %s must be >= forecast ttl %s and prediction ttl %s", t.Historical, t.Forecast, t.Prediction)
	}
	return nil
}

// For returns the TTL of tier, or 0 for an unknown tier.
func (t TTLs) For(tier models.Tier) time.Duration {
	switch tier {
	case models.TierForecast:
		return t.Forecast
	case models.TierHistorical:
		return t.Historical
	case models.TierPrediction:
		return t.Prediction
	}
	return 0
}

// Entry is the stored form of a cached condition.
type Entry struct {
	Data     models.WeatherCondition `json:"data"`
	CachedAt int64                   `json:"cachedAt"` // unix milliseconds
	Tier     models.Tier             `json:"tier"`
}

// Key builds the cache key for one tier, location and date. Coordinates are rounded to
// 2 decimals so nearby points share entries.
func Key(tier models.Tier, loc models.Location, date string) string {
	lat, lon := loc.Rounded()
	return fmt.Sprintf("%s:%.2f:%.2f:%s", tier, lat, lon, date)
}

// tierOf extracts the tier prefix of a key, for metric labels.
func tierOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "unknown"
}

// WeatherCache is the tiered cache-aside store for weather conditions. Reads are TTL-checked
// against cachedAt and delete stale or corrupt entries; write faults are logged and swallowed.
// Safe for concurrent use when the Store is.
type WeatherCache struct {
	store      Store
	ttls       TTLs
	now        func() time.Time
	evictBatch int
	logger     *zap.Logger
}

// Option configures a WeatherCache.
type Option func(*WeatherCache)

// WithClock overrides time.Now for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *WeatherCache) { c.now = now }
}

// WithEvictBatch sets how many entries a capacity eviction removes.
func WithEvictBatch(n int) Option {
	return func(c *WeatherCache) {
		if n > 0 {
			c.evictBatch = n
		}
	}
}

// WithLogger sets the logger for swallowed faults.
func WithLogger(logger *zap.Logger) Option {
	return func(c *WeatherCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a WeatherCache over store. Returns an error if ttls are invalid.
func New(store Store, ttls TTLs, opts ...Option) (*WeatherCache, error) {
	if store == nil {
		return nil, errors.New("cache store is nil")
	}
	if err := ttls.Validate(); err != nil {
		return nil, err
	}
	c := &WeatherCache{
		store:      store,
		ttls:       ttls,
		now:        time.Now,
		evictBatch: DefaultEvictBatch,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTLs returns the configured tier windows.
func (c *WeatherCache) TTLs() TTLs {
	return c.ttls
}

// Get returns the cached condition for key if present, parseable and fresh.
func (c *WeatherCache) Get(ctx context.Context, key string) (models.WeatherCondition, bool) {
	raw, ok, err := c.store.Get(ctx, Namespace+key)
	if err != nil {
		c.fault(ctx, "get", key, err)
		observability.CacheMissesTotal.WithLabelValues(tierOf(key)).Inc()
		return models.WeatherCondition{}, false
	}
	if !ok {
		observability.CacheMissesTotal.WithLabelValues(tierOf(key)).Inc()
		return models.WeatherCondition{}, false
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		observability.LoggerFromContext(ctx, c.logger).Warn("deleting corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.remove(ctx, key, "corrupt")
		observability.CacheMissesTotal.WithLabelValues(tierOf(key)).Inc()
		return models.WeatherCondition{}, false
	}
	if c.expired(entry) {
		c.remove(ctx, key, "expired")
		observability.CacheMissesTotal.WithLabelValues(string(entry.Tier)).Inc()
		return models.WeatherCondition{}, false
	}
	observability.CacheHitsTotal.WithLabelValues(string(entry.Tier)).Inc()
	return entry.Data, true
}

// Set stores value under key in tier. A full store triggers one eviction pass and one retry;
// any remaining failure is logged and dropped.
func (c *WeatherCache) Set(ctx context.Context, key string, value models.WeatherCondition, tier models.Tier) {
	ttl := c.ttls.For(tier)
	if ttl == 0 {
		c.fault(ctx, "set", key, fmt.Errorf("unknown tier %q", tier))
		return
	}
	raw, err := json.Marshal(Entry{Data: value, CachedAt: c.now().UnixMilli(), Tier: tier})
	if err != nil {
		c.fault(ctx, "set", key, err)
		return
	}
	err = c.store.Set(ctx, Namespace+key, raw, ttl)
	if errors.Is(err, ErrStoreFull) {
		evicted := c.EvictOldest(ctx, c.evictBatch)
		observability.LoggerFromContext(ctx, c.logger).Info("cache store full, evicted oldest entries",
			zap.String("key", key),
			zap.Int("evicted", evicted),
		)
		err = c.store.Set(ctx, Namespace+key, raw, ttl)
	}
	if err != nil {
		c.fault(ctx, "set", key, err)
	}
}

// GetMany looks up each key and returns the fresh hits. Misses are absent from the map.
func (c *WeatherCache) GetMany(ctx context.Context, keys []string) map[string]models.WeatherCondition {
	out := make(map[string]models.WeatherCondition, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out
}

// SetMany stores every entry in tier. Each key is written independently.
func (c *WeatherCache) SetMany(ctx context.Context, entries map[string]models.WeatherCondition, tier models.Tier) {
	for k, v := range entries {
		c.Set(ctx, k, v, tier)
	}
}

// CleanupExpired deletes every expired or corrupt entry and returns how many were removed.
// Stores that hold rows past their ttl hint are purged as well.
func (c *WeatherCache) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, Namespace)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}
	removed := 0
	for _, full := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		key := strings.TrimPrefix(full, Namespace)
		raw, ok, err := c.store.Get(ctx, full)
		if err != nil || !ok {
			continue
		}
		entry, err := decodeEntry(raw)
		switch {
		case err != nil:
			c.remove(ctx, key, "corrupt")
		case c.expired(entry):
			c.remove(ctx, key, "expired")
		default:
			continue
		}
		removed++
	}
	if p, ok := c.store.(expiryPurger); ok {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			return removed, fmt.Errorf("purge expired rows: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// expiryPurger is implemented by stores that keep rows past their ttl hint until purged.
type expiryPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Clear deletes every entry in the namespace and returns how many were removed.
func (c *WeatherCache) Clear(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, Namespace)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}
	removed := 0
	for _, full := range keys {
		if err := c.store.Delete(ctx, full); err != nil {
			return removed, fmt.Errorf("delete %s: %w", full, err)
		}
		removed++
	}
	observability.CacheEvictionsTotal.WithLabelValues("clear").Add(float64(removed))
	return removed, nil
}

// EvictOldest removes up to n entries with the oldest cachedAt. Corrupt entries sort first.
// Returns the number removed.
func (c *WeatherCache) EvictOldest(ctx context.Context, n int) int {
	if n <= 0 {
		return 0
	}
	keys, err := c.store.Keys(ctx, Namespace)
	if err != nil {
		c.fault(ctx, "evict", Namespace, err)
		return 0
	}
	type aged struct {
		key      string
		cachedAt int64
	}
	candidates := make([]aged, 0, len(keys))
	for _, full := range keys {
		raw, ok, err := c.store.Get(ctx, full)
		if err != nil || !ok {
			continue
		}
		var at int64
		if entry, err := decodeEntry(raw); err == nil {
			at = entry.CachedAt
		}
		candidates = append(candidates, aged{key: full, cachedAt: at})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].cachedAt < candidates[j].cachedAt })
	if n > len(candidates) {
		n = len(candidates)
	}
	removed := 0
	for _, cand := range candidates[:n] {
		if err := c.store.Delete(ctx, cand.key); err != nil {
			c.fault(ctx, "evict", cand.key, err)
			continue
		}
		removed++
	}
	observability.CacheEvictionsTotal.WithLabelValues("capacity").Add(float64(removed))
	return removed
}

func (c *WeatherCache) expired(e Entry) bool {
	ttl := c.ttls.For(e.Tier)
	return c.now().Sub(time.UnixMilli(e.CachedAt)) > ttl
}

func (c *WeatherCache) remove(ctx context.Context, key, reason string) {
	if err := c.store.Delete(ctx, Namespace+key); err != nil {
		c.fault(ctx, "delete", key, err)
		return
	}
	observability.CacheEvictionsTotal.WithLabelValues(reason).Inc()
}

func (c *WeatherCache) fault(ctx context.Context, op, key string, err error) {
	observability.CacheFaultsTotal.WithLabelValues(op).Inc()
	observability.LoggerFromContext(ctx, c.logger).Warn("cache fault ignored",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, err
	}
	if !e.Tier.Valid() {
		return Entry{}, fmt.Errorf("unknown tier %q", e.Tier)
	}
	if e.CachedAt <= 0 {
		return Entry{}, errors.New("missing cachedAt")
	}
	return e, nil
}
