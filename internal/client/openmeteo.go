package client

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/trip-weather-service/internal/dates"
	"github.com/kjstillabower/trip-weather-service/internal/models"
	"github.com/kjstillabower/trip-weather-service/internal/observability"
)

const (
	DefaultForecastURL = "https://api.open-meteo.com/v1/forecast"
	DefaultArchiveURL  = "https://archive-api.open-meteo.com/v1/archive"
)

// placeholderF is the value the provider reports in both temperature fields for a missing day.
const placeholderF = 0.0

var (
	forecastDailyFields = []string{
		"weathercode",
		"temperature_2m_max",
		"temperature_2m_min",
		"precipitation_probability_max",
		"relative_humidity_2m_mean",
		"windspeed_10m_max",
		"uv_index_max",
		"sunrise",
		"sunset",
	}
	archiveDailyFields = []string{
		"weathercode",
		"temperature_2m_max",
		"temperature_2m_min",
		"precipitation_sum",
		"relative_humidity_2m_mean",
		"windspeed_10m_max",
	}
)

// dailyResponse is the provider payload: each daily field is an array indexed by day offset.
// Nullable entries decode as nil pointers.
type dailyResponse struct {
	Timezone string `json:"timezone"`
	Daily    struct {
		Time          []string   `json:"time"`
		WeatherCode   []*float64 `json:"weathercode"`
		TempMax       []*float64 `json:"temperature_2m_max"`
		TempMin       []*float64 `json:"temperature_2m_min"`
		PrecipProbMax []*float64 `json:"precipitation_probability_max"`
		PrecipSum     []*float64 `json:"precipitation_sum"`
		HumidityMean  []*float64 `json:"relative_humidity_2m_mean"`
		WindMax       []*float64 `json:"windspeed_10m_max"`
		UVMax         []*float64 `json:"uv_index_max"`
		Sunrise       []*string  `json:"sunrise"`
		Sunset        []*string  `json:"sunset"`
	} `json:"daily"`
}

type errorResponse struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

func providerReason(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Reason != "" {
		return e.Reason
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func parseDaily(body []byte) (dailyResponse, error) {
	var resp dailyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return dailyResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return resp, nil
}

// rowMapper fills the source-specific fields of row i.
type rowMapper func(d *dailyResponse, i int, wc *models.WeatherCondition)

// conditions zips the parallel daily arrays into WeatherConditions, dropping provider gaps:
// null or non-finite temperatures, 0°F/0°F placeholder rows, and missing or unknown weather codes.
func (d *dailyResponse) conditions(source string, loc models.Location, mapRow rowMapper, logger *zap.Logger) []models.WeatherCondition {
	out := make([]models.WeatherCondition, 0, len(d.Daily.Time))
	for i, date := range d.Daily.Time {
		reason := ""
		hi, lo := floatAt(d.Daily.TempMax, i), floatAt(d.Daily.TempMin, i)
		code := floatAt(d.Daily.WeatherCode, i)
		var cond models.Condition
		switch {
		case !validDate(date):
			reason = "invalid_date"
		case !finite(hi) || !finite(lo):
			reason = "null_temperature"
		case *hi == placeholderF && *lo == placeholderF:
			reason = "placeholder"
		case !finite(code) || *code != math.Trunc(*code):
			reason = "invalid_code"
		default:
			var ok bool
			if cond, ok = models.ConditionFromWMO(int(*code)); !ok {
				reason = "invalid_code"
			}
		}
		if reason != "" {
			observability.DataQualityDroppedTotal.WithLabelValues(source, reason).Inc()
			logger.Debug("dropping provider row", zap.String("date", date), zap.String("reason", reason))
			continue
		}

		wc := models.WeatherCondition{
			Date:      date,
			Location:  loc,
			TempHigh:  models.FahrenheitToCelsius(*hi),
			TempLow:   models.FahrenheitToCelsius(*lo),
			Condition: cond,
			Humidity:  roundAt(d.Daily.HumidityMean, i),
			WindSpeed: roundAt(d.Daily.WindMax, i),
		}
		mapRow(d, i, &wc)
		out = append(out, wc)
	}
	return out
}

// PrecipitationPercent converts accumulated precipitation in mm to an approximate chance of
// precipitation: <=1mm 10, <=5mm 30, <=10mm 50, <=20mm 70, above 90.
func PrecipitationPercent(mm float64) int {
	switch {
	case mm <= 1:
		return 10
	case mm <= 5:
		return 30
	case mm <= 10:
		return 50
	case mm <= 20:
		return 70
	default:
		return 90
	}
}

func floatAt(vals []*float64, i int) *float64 {
	if i < len(vals) {
		return vals[i]
	}
	return nil
}

func stringAt(vals []*string, i int) string {
	if i < len(vals) && vals[i] != nil {
		return *vals[i]
	}
	return ""
}

// clockAt converts a provider local timestamp (2006-01-02T15:04) to HH:MM.
// Missing or unparseable values yield "".
func clockAt(vals []*string, i int) string {
	raw := stringAt(vals, i)
	if raw == "" {
		return ""
	}
	t, err := time.Parse(providerClockLayout, raw)
	if err != nil {
		return ""
	}
	return t.Format("15:04")
}

const providerClockLayout = "2006-01-02T15:04"

func roundAt(vals []*float64, i int) int {
	v := floatAt(vals, i)
	if !finite(v) {
		return 0
	}
	return int(math.Round(*v))
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

func validDate(s string) bool {
	_, err := dates.Parse(s)
	return err == nil
}

func coordParam(v float64) string {
	return fmt.Sprintf("%.2f", models.RoundCoord(v))
}
