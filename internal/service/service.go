// Package service resolves a trip's dates to one weather condition each, routing every date to
// the cheapest adequate source: archive for past dates, the live forecast inside its horizon,
// and a chained prediction beyond it.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/trip-weather-service/internal/cache"
	"github.com/kjstillabower/trip-weather-service/internal/client"
	"github.com/kjstillabower/trip-weather-service/internal/dates"
	"github.com/kjstillabower/trip-weather-service/internal/models"
	"github.com/kjstillabower/trip-weather-service/internal/observability"
	"github.com/kjstillabower/trip-weather-service/internal/prediction"
)

// DefaultHistoryYears is how many past years feed a historical average.
const DefaultHistoryYears = 3

// DefaultCoalesceTimeout bounds a shared forecast-window fetch.
const DefaultCoalesceTimeout = 30 * time.Second

// ErrInvalidLocation is returned by Resolve for coordinates outside the valid range.
var ErrInvalidLocation = errors.New("invalid location")

// Cache is the tiered cache the pipeline reads and writes. Faults never surface as errors.
type Cache interface {
	Get(ctx context.Context, key string) (models.WeatherCondition, bool)
	Set(ctx context.Context, key string, value models.WeatherCondition, tier models.Tier)
	GetMany(ctx context.Context, keys []string) map[string]models.WeatherCondition
	SetMany(ctx context.Context, entries map[string]models.WeatherCondition, tier models.Tier)
}

// Options tune the pipeline. Zero values take the defaults.
type Options struct {
	Weights          prediction.Weights
	HistoryYears     int
	DefaultCondition *models.WeatherCondition
	CoalesceTimeout  time.Duration
	Now              func() time.Time
	Logger           *zap.Logger
}

// Pipeline is the weather resolution entry point. Safe for concurrent use.
type Pipeline struct {
	cache            Cache
	forecast         client.ForecastFetcher
	historical       client.HistoricalFetcher
	classifier       *dates.Classifier
	weights          prediction.Weights
	historyYears     int
	defaultCondition models.WeatherCondition
	now              func() time.Time
	logger           *zap.Logger
	coalescer        *fetchCoalescer
	misses           *missTracker
}

// New creates a Pipeline. Returns an error if any collaborator is nil.
func New(c Cache, forecast client.ForecastFetcher, historical client.HistoricalFetcher, opts Options) (*Pipeline, error) {
	switch {
	case c == nil:
		return nil, errors.New("service: cache is required")
	case forecast == nil:
		return nil, errors.New("service: forecast client is required")
	case historical == nil:
		return nil, errors.New("service: historical client is required")
	}
	if opts.HistoryYears <= 0 {
		opts.HistoryYears = DefaultHistoryYears
	}
	if opts.CoalesceTimeout <= 0 {
		opts.CoalesceTimeout = DefaultCoalesceTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	def := models.DefaultCondition
	if opts.DefaultCondition != nil {
		def = *opts.DefaultCondition
	}
	return &Pipeline{
		cache:            c,
		forecast:         forecast,
		historical:       historical,
		classifier:       dates.NewClassifier(opts.Logger),
		weights:          prediction.NormalizeWeights(opts.Weights),
		historyYears:     opts.HistoryYears,
		defaultCondition: def,
		now:              opts.Now,
		logger:           opts.Logger,
		coalescer:        newFetchCoalescer(opts.CoalesceTimeout),
		misses:           newMissTracker(),
	}, nil
}

// Resolve returns one condition per requested date, in input order. Upstream and cache failures
// degrade to the next fallback; a date is omitted only when no source can answer it, which in
// practice means a past date the archive cannot serve. Duplicate dates are answered once and
// repeated in the output. A cancelled or expired ctx is returned as the error rather than
// answered with fallbacks.
func (p *Pipeline) Resolve(ctx context.Context, loc models.Location, dateList []string) ([]models.WeatherCondition, error) {
	if !validLocation(loc) {
		return nil, fmt.Errorf("%w: %v,%v", ErrInvalidLocation, loc.Lat, loc.Lon)
	}
	observability.ResolveRequestsTotal.Inc()
	observability.ResolveDatesTotal.Add(float64(len(dateList)))
	if len(dateList) == 0 {
		return []models.WeatherCondition{}, nil
	}

	logger := observability.LoggerFromContext(ctx, p.logger).With(zap.String("location", loc.String()))
	ctx = observability.WithLogger(ctx, logger)

	today := dates.Today(loc, p.now())
	groups := p.classifier.Group(dateList, today)
	logger.Debug("dates classified",
		zap.String("today", today),
		zap.Int("past", len(groups.Past)),
		zap.Int("forecast", len(groups.Forecast)),
		zap.Int("future", len(groups.Future)),
	)

	results := make(map[string]models.WeatherCondition, len(dateList))
	for d, wc := range p.resolvePast(ctx, loc, groups.Past) {
		results[d] = wc
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		forecastDays map[string]models.WeatherCondition
		gaps         []string
		fetchFailed  bool
	)
	if len(groups.Forecast) > 0 {
		var err error
		forecastDays, err = p.forecastFor(ctx, loc, groups.Forecast)
		fetchFailed = err != nil
		for _, d := range groups.Forecast {
			if wc, ok := forecastDays[d]; ok {
				results[d] = wc
				continue
			}
			gaps = append(gaps, d)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(groups.Future) > 0 && len(forecastDays) == 0 && !fetchFailed {
		forecastDays = p.forecastSeed(ctx, loc, today)
	}

	chained, err := p.predictChain(ctx, loc, gaps, groups.Future, forecastDays)
	if err != nil {
		return nil, err
	}
	for d, wc := range chained {
		results[d] = wc
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]models.WeatherCondition, 0, len(dateList))
	for _, d := range dateList {
		if wc, ok := results[d]; ok {
			out = append(out, wc.WithDate(d, loc))
		}
	}
	if missing := len(dateList) - len(out); missing > 0 {
		logger.Info("dates without data omitted", zap.Int("omitted", missing))
	}
	return out, nil
}

// resolvePast serves past dates from the historical tier, fetching every miss in one archive
// call spanning the earliest to the latest missed date. A failed fetch returns the cached subset.
func (p *Pipeline) resolvePast(ctx context.Context, loc models.Location, past []string) map[string]models.WeatherCondition {
	if len(past) == 0 {
		return nil
	}
	keys := make([]string, len(past))
	for i, d := range past {
		keys[i] = cache.Key(models.TierHistorical, loc, d)
	}
	hits := p.cache.GetMany(ctx, keys)

	out := make(map[string]models.WeatherCondition, len(past))
	var missed []string
	for i, d := range past {
		if wc, ok := hits[keys[i]]; ok {
			out[d] = wc
			continue
		}
		missed = append(missed, d)
	}
	if len(missed) == 0 {
		return out
	}

	logger := observability.LoggerFromContext(ctx, p.logger)
	fetched, err := p.historical.FetchRange(ctx, loc, missed[0], missed[len(missed)-1])
	if err != nil {
		logger.Warn("archive fetch failed, serving cached past dates",
			zap.String("start", missed[0]),
			zap.String("end", missed[len(missed)-1]),
			zap.Int("cached", len(out)),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return out
	}

	wanted := make(map[string]struct{}, len(missed))
	for _, d := range missed {
		wanted[d] = struct{}{}
	}
	toCache := make(map[string]models.WeatherCondition, len(fetched))
	for _, wc := range fetched {
		toCache[cache.Key(models.TierHistorical, loc, wc.Date)] = wc
		if _, ok := wanted[wc.Date]; ok {
			out[wc.Date] = wc
		}
	}
	p.cache.SetMany(ctx, toCache, models.TierHistorical)
	return out
}

// forecastFor returns the forecast days known for loc. Cached days are used when every wanted
// date hits; any miss fetches the whole window once, and the returned map then holds every
// fetched day, not only the wanted ones. A failed fetch returns the hits and the error.
func (p *Pipeline) forecastFor(ctx context.Context, loc models.Location, wanted []string) (map[string]models.WeatherCondition, error) {
	keys := make([]string, len(wanted))
	for i, d := range wanted {
		keys[i] = cache.Key(models.TierForecast, loc, d)
	}
	hits := p.cache.GetMany(ctx, keys)
	days := make(map[string]models.WeatherCondition, len(hits))
	for _, wc := range hits {
		days[wc.Date] = wc
	}
	if len(hits) == len(wanted) {
		return days, nil
	}

	window, err := p.fetchWindow(ctx, loc)
	if err != nil {
		observability.LoggerFromContext(ctx, p.logger).Warn("forecast fetch failed, forecast dates become gaps",
			zap.Int("cached", len(hits)),
			zap.Int("requested", len(wanted)),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return days, err
	}
	for _, wc := range window {
		days[wc.Date] = wc
	}
	return days, nil
}

// forecastSeed looks for any forecast day to anchor a future-only chain: the cached window
// first, then a fresh fetch. Failure yields an empty map.
func (p *Pipeline) forecastSeed(ctx context.Context, loc models.Location, today string) map[string]models.WeatherCondition {
	keys := make([]string, 0, dates.ForecastMaxDays)
	for i := 0; i < dates.ForecastMaxDays; i++ {
		d, err := dates.AddDays(today, i)
		if err != nil {
			break
		}
		keys = append(keys, cache.Key(models.TierForecast, loc, d))
	}
	days := make(map[string]models.WeatherCondition)
	for _, wc := range p.cache.GetMany(ctx, keys) {
		days[wc.Date] = wc
	}
	if len(days) > 0 {
		return days
	}
	window, err := p.fetchWindow(ctx, loc)
	if err != nil {
		observability.LoggerFromContext(ctx, p.logger).Warn("forecast seed unavailable",
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return days
	}
	for _, wc := range window {
		days[wc.Date] = wc
	}
	return days
}

// fetchWindow fetches the full forecast window for loc, sharing one upstream call among
// concurrent resolves for the same rounded location, and caches every returned day.
func (p *Pipeline) fetchWindow(ctx context.Context, loc models.Location) ([]models.WeatherCondition, error) {
	key := loc.String()
	n, done := p.misses.begin(key)
	defer done()
	observability.ConcurrentForecastMisses.Observe(float64(n))

	window, shared, err := p.coalescer.Do(ctx, key, func(ctx context.Context) ([]models.WeatherCondition, error) {
		days, err := p.forecast.Fetch(ctx, loc)
		if err != nil {
			return nil, err
		}
		entries := make(map[string]models.WeatherCondition, len(days))
		for _, wc := range days {
			entries[cache.Key(models.TierForecast, loc, wc.Date)] = wc
		}
		p.cache.SetMany(ctx, entries, models.TierForecast)
		return days, nil
	})
	if shared {
		observability.ForecastCoalescedTotal.Inc()
	}
	return window, err
}

// predictChain answers forecast gaps and future dates in ascending order, each date seeded by
// the previous output or by a later real forecast day. Unparseable dates are answered after the
// chain and never seed it. Stops with ctx.Err() once ctx is done.
func (p *Pipeline) predictChain(ctx context.Context, loc models.Location, gaps, future []string, forecastDays map[string]models.WeatherCondition) (map[string]models.WeatherCondition, error) {
	if len(gaps) == 0 && len(future) == 0 {
		return nil, nil
	}
	var chain, invalid []string
	for _, d := range append(append([]string(nil), gaps...), future...) {
		if _, err := dates.Parse(d); err != nil {
			invalid = append(invalid, d)
			continue
		}
		chain = append(chain, d)
	}
	sort.Strings(chain)

	known := make([]string, 0, len(forecastDays))
	for d := range forecastDays {
		known = append(known, d)
	}
	sort.Strings(known)

	out := make(map[string]models.WeatherCondition, len(chain)+len(invalid))
	var previous *models.WeatherCondition
	for _, d := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recent := seedFor(d, previous, known, forecastDays)
		wc := p.predictOne(ctx, loc, d, recent, forecastDays)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[d] = wc
		previous = &wc
	}
	for _, d := range invalid {
		out[d] = p.fallbackDefault(ctx, d, loc)
	}
	return out, nil
}

// seedFor picks the later of the previous chain output and the latest forecast day before date.
func seedFor(date string, previous *models.WeatherCondition, known []string, forecastDays map[string]models.WeatherCondition) *models.WeatherCondition {
	i := sort.SearchStrings(known, date)
	if i == 0 {
		return previous
	}
	latest := forecastDays[known[i-1]]
	if previous != nil && previous.Date > latest.Date {
		return previous
	}
	return &latest
}

func (p *Pipeline) predictOne(ctx context.Context, loc models.Location, date string, recent *models.WeatherCondition, forecastDays map[string]models.WeatherCondition) models.WeatherCondition {
	logger := observability.LoggerFromContext(ctx, p.logger).With(zap.String("date", date))

	if wc, ok := forecastDays[date]; ok {
		observability.PredictionOutcomesTotal.WithLabelValues("forecast_fill").Inc()
		return wc
	}

	key := cache.Key(models.TierPrediction, loc, date)
	if wc, ok := p.cache.Get(ctx, key); ok {
		observability.PredictionOutcomesTotal.WithLabelValues("cached").Inc()
		return wc
	}

	avg, histErr := p.historicalAverage(ctx, loc, date)
	if histErr != nil {
		logger.Debug("historical average unavailable", zap.Error(histErr))
	}

	if recent != nil && histErr == nil {
		blended, err := prediction.Blend(*recent, avg, date, loc, p.weights)
		if err == nil {
			p.cache.Set(ctx, key, blended, models.TierPrediction)
			observability.PredictionOutcomesTotal.WithLabelValues("blend").Inc()
			return blended
		}
		logger.Warn("blend failed", zap.String("seed", recent.Date), zap.Error(err))
	}

	if histErr == nil {
		observability.PredictionOutcomesTotal.WithLabelValues("historical_average").Inc()
		return avg.WithDate(date, loc).AsEstimate()
	}
	return p.fallbackDefault(ctx, date, loc)
}

func (p *Pipeline) fallbackDefault(ctx context.Context, date string, loc models.Location) models.WeatherCondition {
	observability.PredictionOutcomesTotal.WithLabelValues("default").Inc()
	observability.LoggerFromContext(ctx, p.logger).Debug("default condition used", zap.String("date", date))
	return p.defaultCondition.WithDate(date, loc).AsEstimate()
}

// historicalAverage averages the same calendar day over the configured past years. Years already
// in the historical tier are reused; only the rest go upstream. Fails with
// client.ErrInsufficientHistory unless at least half the years are available.
func (p *Pipeline) historicalAverage(ctx context.Context, loc models.Location, date string) (models.WeatherCondition, error) {
	target, err := dates.Parse(date)
	if err != nil {
		return models.WeatherCondition{}, err
	}
	years := p.historyYearsFor(target.Year(), loc)
	monthDay := date[5:]

	keys := make([]string, len(years))
	for i, y := range years {
		keys[i] = cache.Key(models.TierHistorical, loc, client.YearDate(y, monthDay))
	}
	hits := p.cache.GetMany(ctx, keys)

	byYear := make(map[int]models.WeatherCondition, len(years))
	var missing []int
	for i, y := range years {
		if wc, ok := hits[keys[i]]; ok {
			byYear[y] = wc
			continue
		}
		missing = append(missing, y)
	}
	if len(missing) > 0 {
		fetched := p.historical.FetchYears(ctx, loc, monthDay, missing)
		entries := make(map[string]models.WeatherCondition, len(fetched))
		for _, wc := range fetched {
			t, err := dates.Parse(wc.Date)
			if err != nil {
				continue
			}
			byYear[t.Year()] = wc
			entries[cache.Key(models.TierHistorical, loc, wc.Date)] = wc
		}
		p.cache.SetMany(ctx, entries, models.TierHistorical)
	}

	combined := make([]models.WeatherCondition, 0, len(byYear))
	for _, y := range years {
		if wc, ok := byYear[y]; ok {
			combined = append(combined, wc)
		}
	}
	if err := client.CheckHistory(len(combined), len(years)); err != nil {
		return models.WeatherCondition{}, err
	}
	return prediction.Average(combined, date, loc)
}

// historyYearsFor lists the years to average, oldest first, ending the year before the earlier
// of targetYear and the destination's current year.
func (p *Pipeline) historyYearsFor(targetYear int, loc models.Location) []int {
	last := p.now().In(dates.ZoneFor(loc)).Year()
	if targetYear < last {
		last = targetYear
	}
	last--
	years := make([]int, p.historyYears)
	for i := range years {
		years[i] = last - p.historyYears + 1 + i
	}
	return years
}

func validLocation(loc models.Location) bool {
	if math.IsNaN(loc.Lat) || math.IsNaN(loc.Lon) {
		return false
	}
	return loc.Lat >= -90 && loc.Lat <= 90 && loc.Lon >= -180 && loc.Lon <= 180
}
