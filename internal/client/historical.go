package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/trip-weather-service/internal/dates"
	"github.com/kjstillabower/trip-weather-service/internal/models"
	"github.com/kjstillabower/trip-weather-service/internal/observability"
)

const sourceArchive = "archive"

// HistoricalFetcher reads observed daily weather from the archive.
type HistoricalFetcher interface {
	FetchRange(ctx context.Context, loc models.Location, startDate, endDate string) ([]models.WeatherCondition, error)
	FetchYears(ctx context.Context, loc models.Location, monthDay string, years []int) []models.WeatherCondition
}

// HistoricalClient fetches archive data.
type HistoricalClient struct {
	req *requester
}

// NewHistoricalClient creates a HistoricalClient. Opts.BaseURL defaults to DefaultArchiveURL;
// limiter must be the shared limiter for the archive host.
func NewHistoricalClient(opts Options, limiter Limiter) (*HistoricalClient, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultArchiveURL
	}
	r, err := newRequester(sourceArchive, opts, limiter)
	if err != nil {
		return nil, err
	}
	return &HistoricalClient{req: r}, nil
}

// FetchRange returns observed weather for the inclusive span startDate..endDate in one call.
// Precipitation is converted from mm to a percentage bucket.
func (c *HistoricalClient) FetchRange(ctx context.Context, loc models.Location, startDate, endDate string) ([]models.WeatherCondition, error) {
	start, err := dates.Parse(startDate)
	if err != nil {
		return nil, err
	}
	end, err := dates.Parse(endDate)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", dates.ErrInvalidDate, endDate, startDate)
	}

	lat, lon := loc.Rounded()
	params := url.Values{}
	params.Set("latitude", coordParam(lat))
	params.Set("longitude", coordParam(lon))
	params.Set("start_date", startDate)
	params.Set("end_date", endDate)
	params.Set("daily", strings.Join(archiveDailyFields, ","))
	params.Set("timezone", "auto")
	params.Set("temperature_unit", "fahrenheit")

	body, err := c.req.get(ctx, params)
	if err != nil {
		return nil, err
	}
	resp, err := parseDaily(body)
	if err != nil {
		return nil, err
	}
	logger := observability.LoggerFromContext(ctx, c.req.logger)
	return resp.conditions(sourceArchive, loc, archiveRow, logger), nil
}

func archiveRow(d *dailyResponse, i int, wc *models.WeatherCondition) {
	mm := 0.0
	if v := floatAt(d.Daily.PrecipSum, i); finite(v) {
		mm = *v
	}
	wc.Precipitation = PrecipitationPercent(mm)
	wc.IsHistorical = true
}

// FetchYears fetches one date per year (monthDay "MM-DD" in each of years), one call per year,
// and returns whatever succeeded in year order. Feb 29 in a non-leap year is read as Feb 28.
// Per-year failures are logged and skipped; use CheckHistory to decide if enough arrived.
func (c *HistoricalClient) FetchYears(ctx context.Context, loc models.Location, monthDay string, years []int) []models.WeatherCondition {
	logger := observability.LoggerFromContext(ctx, c.req.logger)
	out := make([]models.WeatherCondition, 0, len(years))
	for _, year := range years {
		if ctx.Err() != nil {
			break
		}
		date := YearDate(year, monthDay)
		got, err := c.FetchRange(ctx, loc, date, date)
		if err == nil && len(got) == 0 {
			err = ErrNoData
		}
		if err != nil {
			logger.Debug("historical year unavailable",
				zap.String("location", loc.String()),
				zap.String("date", date),
				zap.Error(err),
			)
			continue
		}
		out = append(out, got[0])
	}
	return out
}

// FetchForYears is FetchYears plus the minimum-coverage check: it fails with
// ErrInsufficientHistory when fewer than ceil(len(years)/2) years returned data.
func (c *HistoricalClient) FetchForYears(ctx context.Context, loc models.Location, monthDay string, years []int) ([]models.WeatherCondition, error) {
	got := c.FetchYears(ctx, loc, monthDay, years)
	if err := CheckHistory(len(got), len(years)); err != nil {
		return nil, err
	}
	return got, nil
}

// CheckHistory reports ErrInsufficientHistory unless got >= ceil(requested/2) and got > 0.
func CheckHistory(got, requested int) error {
	need := (requested + 1) / 2
	if got == 0 || got < need {
		return fmt.Errorf("%w: %d of %d years (need %d)", ErrInsufficientHistory, got, requested, need)
	}
	return nil
}

// YearDate builds the ISO date for monthDay in year, substituting Feb 28 for Feb 29 when year
// is not a leap year.
func YearDate(year int, monthDay string) string {
	date := fmt.Sprintf("%04d-%s", year, monthDay)
	if monthDay == "02-29" {
		if _, err := dates.Parse(date); err != nil {
			return fmt.Sprintf("%04d-02-28", year)
		}
	}
	return date
}
