package client

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/trip-weather-service/internal/dates"
	"github.com/kjstillabower/trip-weather-service/internal/models"
	"github.com/kjstillabower/trip-weather-service/internal/observability"
)

const sourceForecast = "forecast"

// ForecastFetcher returns the rolling forecast window for a location.
type ForecastFetcher interface {
	Fetch(ctx context.Context, loc models.Location) ([]models.WeatherCondition, error)
}

// ForecastClient fetches the daily short-range forecast.
type ForecastClient struct {
	req *requester
}

// NewForecastClient creates a ForecastClient. Opts.BaseURL defaults to DefaultForecastURL;
// limiter must be the shared limiter for the forecast host.
func NewForecastClient(opts Options, limiter Limiter) (*ForecastClient, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultForecastURL
	}
	r, err := newRequester(sourceForecast, opts, limiter)
	if err != nil {
		return nil, err
	}
	return &ForecastClient{req: r}, nil
}

// Fetch returns up to ForecastMaxDays days starting today in the destination's timezone.
// Provider gap rows are dropped, so the result may have holes.
func (c *ForecastClient) Fetch(ctx context.Context, loc models.Location) ([]models.WeatherCondition, error) {
	lat, lon := loc.Rounded()
	params := url.Values{}
	params.Set("latitude", coordParam(lat))
	params.Set("longitude", coordParam(lon))
	params.Set("daily", strings.Join(forecastDailyFields, ","))
	params.Set("timezone", "auto")
	params.Set("forecast_days", strconv.Itoa(dates.ForecastMaxDays))
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
	out := resp.conditions(sourceForecast, loc, forecastRow, logger)
	logger.Debug("forecast fetched",
		zap.String("location", loc.String()),
		zap.Int("days", len(out)),
		zap.Int("rows", len(resp.Daily.Time)),
	)
	return out, nil
}

func forecastRow(d *dailyResponse, i int, wc *models.WeatherCondition) {
	wc.Precipitation = roundAt(d.Daily.PrecipProbMax, i)
	wc.UVIndex = roundAt(d.Daily.UVMax, i)
	wc.Sunrise = clockAt(d.Daily.Sunrise, i)
	wc.Sunset = clockAt(d.Daily.Sunset, i)
}
