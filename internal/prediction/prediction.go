// Package prediction synthesizes weather for dates without a live forecast: a historical
// average across past years, and a weighted blend of recent weather toward that average.
package prediction

import (
	"errors"
	"fmt"
	"math"

	"github.com/kjstillabower/trip-weather-service/internal/models"
)

// ErrNoInput is returned by Average for an empty input slice.
var ErrNoInput = errors.New("no conditions to average")

// Weights are the relative contributions of the recent condition and the historical average.
type Weights struct {
	Forecast   float64 `yaml:"forecast" json:"forecast"`
	Historical float64 `yaml:"historical" json:"historical"`
}

// DefaultWeights drift 30% from recent weather and 70% toward the historical norm.
var DefaultWeights = Weights{Forecast: 0.3, Historical: 0.7}

// NormalizeWeights scales w to sum to 1. Non-finite, negative or non-positive-sum weights
// fall back to DefaultWeights.
func NormalizeWeights(w Weights) Weights {
	if !validWeight(w.Forecast) || !validWeight(w.Historical) {
		return DefaultWeights
	}
	sum := w.Forecast + w.Historical
	if sum <= 0 || math.IsInf(sum, 0) {
		return DefaultWeights
	}
	return Weights{Forecast: w.Forecast / sum, Historical: w.Historical / sum}
}

func validWeight(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// Average combines the same calendar day across past years. Numeric fields are rounded means,
// the condition is the mode with ties going to the first seen. A single input is returned as-is
// apart from the date and location stamp.
func Average(conditions []models.WeatherCondition, targetDate string, loc models.Location) (models.WeatherCondition, error) {
	switch len(conditions) {
	case 0:
		return models.WeatherCondition{}, ErrNoInput
	case 1:
		return conditions[0].WithDate(targetDate, loc), nil
	}

	var hi, lo, precip, hum, wind, uv float64
	counts := make(map[models.Condition]int, len(conditions))
	order := make([]models.Condition, 0, len(conditions))
	for _, c := range conditions {
		hi += float64(c.TempHigh)
		lo += float64(c.TempLow)
		precip += float64(c.Precipitation)
		hum += float64(c.Humidity)
		wind += float64(c.WindSpeed)
		uv += float64(c.UVIndex)
		if counts[c.Condition] == 0 {
			order = append(order, c.Condition)
		}
		counts[c.Condition]++
	}
	mode := order[0]
	for _, c := range order[1:] {
		if counts[c] > counts[mode] {
			mode = c
		}
	}

	n := float64(len(conditions))
	mean := func(sum float64) int { return int(math.Round(sum / n)) }
	return models.WeatherCondition{
		Date:          targetDate,
		Location:      loc,
		TempHigh:      mean(hi),
		TempLow:       mean(lo),
		Condition:     mode,
		Precipitation: mean(precip),
		Humidity:      mean(hum),
		WindSpeed:     mean(wind),
		UVIndex:       mean(uv),
	}.AsHistorical(), nil
}

// Blend interpolates from recent toward historicalAvg for targetDate. Weights are normalized
// first. The condition is blended on its severity scale and clamped to the known range.
// Returns an error if either input carries an unknown condition.
func Blend(recent, historicalAvg models.WeatherCondition, targetDate string, loc models.Location, w Weights) (models.WeatherCondition, error) {
	rs, hs := recent.Condition.Severity(), historicalAvg.Condition.Severity()
	if rs < 0 || hs < 0 {
		return models.WeatherCondition{}, fmt.Errorf("blend %s: unknown condition (recent %q, historical %q)", targetDate, recent.Condition, historicalAvg.Condition)
	}
	w = NormalizeWeights(w)
	mix := func(r, h int) int {
		return int(math.Round(float64(r)*w.Forecast + float64(h)*w.Historical))
	}
	return models.WeatherCondition{
		Date:          targetDate,
		Location:      loc,
		TempHigh:      mix(recent.TempHigh, historicalAvg.TempHigh),
		TempLow:       mix(recent.TempLow, historicalAvg.TempLow),
		Condition:     models.ConditionFromSeverity(mix(rs, hs)),
		Precipitation: mix(recent.Precipitation, historicalAvg.Precipitation),
		Humidity:      mix(recent.Humidity, historicalAvg.Humidity),
		WindSpeed:     mix(recent.WindSpeed, historicalAvg.WindSpeed),
		UVIndex:       mix(recent.UVIndex, historicalAvg.UVIndex),
	}.AsEstimate(), nil
}
