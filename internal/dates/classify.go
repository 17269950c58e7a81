package dates

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/trip-weather-service/internal/models"
	"github.com/kjstillabower/trip-weather-service/internal/observability"
)

// ForecastMaxDays is the last day offset (inclusive) served by the short-range forecast.
const ForecastMaxDays = 16

// Category is the routing bucket for a requested date.
type Category string

const (
	Past     Category = "past"
	Forecast Category = "forecast"
	Future   Category = "future"
)

// ErrInvalidDate is returned for malformed or calendar-invalid dates (e.g. 2023-02-30).
var ErrInvalidDate = errors.New("invalid date")

// Parse parses an ISO YYYY-MM-DD date at UTC midnight. Calendar-invalid days are rejected.
func Parse(date string) (time.Time, error) {
	t, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return t, nil
}

// DaysBetween returns the whole-day difference date - today.
func DaysBetween(today, date string) (int, error) {
	t, err := Parse(today)
	if err != nil {
		return 0, err
	}
	d, err := Parse(date)
	if err != nil {
		return 0, err
	}
	return int(d.Sub(t).Hours() / 24), nil
}

// Classify buckets date relative to today, where today is already evaluated in the
// destination's timezone. Invalid input classifies as Future together with ErrInvalidDate.
func Classify(date, today string) (Category, error) {
	diff, err := DaysBetween(today, date)
	if err != nil {
		return Future, err
	}
	switch {
	case diff < 0:
		return Past, nil
	case diff <= ForecastMaxDays:
		return Forecast, nil
	default:
		return Future, nil
	}
}

// Groups holds requested dates split by category, each sorted ascending and de-duplicated.
type Groups struct {
	Past     []string
	Forecast []string
	Future   []string
}

// Classifier wraps Classify with logging and metrics for invalid input.
type Classifier struct {
	logger *zap.Logger
}

// NewClassifier returns a Classifier. A nil logger is replaced by a no-op logger.
func NewClassifier(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger}
}

// Classify is Classify with a warning on invalid dates. It never fails: invalid dates are
// routed to Future so the caller degrades to an estimate.
func (c *Classifier) Classify(date, today string) Category {
	cat, err := Classify(date, today)
	if err != nil {
		observability.InvalidDatesTotal.Inc()
		c.logger.Warn("invalid date classified as future", zap.String("date", date), zap.String("today", today), zap.Error(err))
	}
	observability.DateClassificationsTotal.WithLabelValues(string(cat)).Inc()
	return cat
}

// Group classifies every date. Duplicates collapse to one entry per bucket.
func (c *Classifier) Group(dateList []string, today string) Groups {
	var g Groups
	seen := make(map[string]struct{}, len(dateList))
	for _, d := range dateList {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		switch c.Classify(d, today) {
		case Past:
			g.Past = append(g.Past, d)
		case Forecast:
			g.Forecast = append(g.Forecast, d)
		default:
			g.Future = append(g.Future, d)
		}
	}
	sort.Strings(g.Past)
	sort.Strings(g.Forecast)
	sort.Strings(g.Future)
	return g
}
