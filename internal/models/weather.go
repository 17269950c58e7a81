package models

import (
	"fmt"
	"math"
)

// DateLayout is the ISO calendar date format used for every date in the pipeline.
const DateLayout = "2006-01-02"

// Location identifies where weather is resolved. Timezone is an optional IANA name.
type Location struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Timezone string  `json:"timezone,omitempty"`
}

// Rounded returns lat/lon rounded to 2 decimals (~1.1 km), the cache and provider grid.
func (l Location) Rounded() (lat, lon float64) {
	return RoundCoord(l.Lat), RoundCoord(l.Lon)
}

// String renders the rounded coordinates, e.g. "35.68,139.69".
func (l Location) String() string {
	lat, lon := l.Rounded()
	return fmt.Sprintf("%.2f,%.2f", lat, lon)
}

// RoundCoord rounds a coordinate to 2 decimal places.
func RoundCoord(v float64) float64 {
	return math.Round(v*100) / 100
}

// WeatherCondition is one day of weather for one location. Values are immutable once produced;
// use the With* helpers to derive re-stamped copies.
//
// Provenance is carried by the two flags:
//   - forecast:           IsHistorical=false, IsEstimate=false
//   - archive:            IsHistorical=true,  IsEstimate=false
//   - blend / stand-in:   IsHistorical=false, IsEstimate=true
type WeatherCondition struct {
	Date          string    `json:"date"`
	Location      Location  `json:"location"`
	TempHigh      int       `json:"tempHigh"`
	TempLow       int       `json:"tempLow"`
	Condition     Condition `json:"condition"`
	Precipitation int       `json:"precipitation"`
	Humidity      int       `json:"humidity"`
	WindSpeed     int       `json:"windSpeed"`
	UVIndex       int       `json:"uvIndex"`
	Sunrise       string    `json:"sunrise,omitempty"`
	Sunset        string    `json:"sunset,omitempty"`
	IsHistorical  bool      `json:"isHistorical"`
	IsEstimate    bool      `json:"isEstimate"`
}

// WithDate returns a copy stamped with date and location.
func (w WeatherCondition) WithDate(date string, loc Location) WeatherCondition {
	w.Date = date
	w.Location = loc
	return w
}

// AsHistorical returns a copy flagged as observed archive data.
func (w WeatherCondition) AsHistorical() WeatherCondition {
	w.IsHistorical = true
	w.IsEstimate = false
	return w
}

// AsEstimate returns a copy flagged as a synthesized estimate.
func (w WeatherCondition) AsEstimate() WeatherCondition {
	w.IsHistorical = false
	w.IsEstimate = true
	return w
}

// Provenance names how a condition was produced, derived from its flags.
func (w WeatherCondition) Provenance() string {
	switch {
	case w.IsEstimate:
		return "estimate"
	case w.IsHistorical:
		return "historical"
	default:
		return "forecast"
	}
}

// Tier is the cache partition a condition is stored under.
type Tier string

const (
	TierForecast   Tier = "forecast"
	TierHistorical Tier = "historical"
	TierPrediction Tier = "prediction"
)

// Tiers lists every cache tier.
var Tiers = []Tier{TierForecast, TierHistorical, TierPrediction}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierForecast, TierHistorical, TierPrediction:
		return true
	}
	return false
}

// DefaultCondition is the last-resort estimate emitted when neither a blend nor a
// historical average can be produced for a date.
var DefaultCondition = WeatherCondition{
	TempHigh:      20,
	TempLow:       10,
	Condition:     PartlyCloudy,
	Precipitation: 20,
	Humidity:      60,
	WindSpeed:     10,
	UVIndex:       3,
	IsEstimate:    true,
}

// FahrenheitToCelsius converts and rounds to the nearest whole degree.
func FahrenheitToCelsius(f float64) int {
	return int(math.Round((f - 32) * 5 / 9))
}
