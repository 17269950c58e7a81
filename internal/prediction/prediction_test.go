package prediction

import (
	"errors"
	"math"
	"testing"

	"github.com/kjstillabower/trip-weather-service/internal/models"
)

var paris = models.Location{Lat: 48.8566, Lon: 2.3522, Timezone: "Europe/Paris"}

func year(date string, hi, lo int, c models.Condition) models.WeatherCondition {
	return models.WeatherCondition{
		Date: date, Location: paris, TempHigh: hi, TempLow: lo, Condition: c,
		Precipitation: 30, Humidity: 70, WindSpeed: 12, IsHistorical: true,
	}
}

func TestNormalizeWeights(t *testing.T) {
	tests := []struct {
		name string
		in   Weights
		want Weights
	}{
		{"already normalized", Weights{0.3, 0.7}, Weights{0.3, 0.7}},
		{"scaled", Weights{3, 7}, Weights{0.3, 0.7}},
		{"forecast only", Weights{2, 0}, Weights{1, 0}},
		{"zero sum", Weights{0, 0}, DefaultWeights},
		{"negative", Weights{-1, 2}, DefaultWeights},
		{"NaN", Weights{math.NaN(), 1}, DefaultWeights},
		{"Inf", Weights{math.Inf(1), 1}, DefaultWeights},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeWeights(tt.in)
			if math.Abs(got.Forecast-tt.want.Forecast) > 1e-9 || math.Abs(got.Historical-tt.want.Historical) > 1e-9 {
				t.Errorf("NormalizeWeights(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAverage_Empty(t *testing.T) {
	if _, err := Average(nil, "2025-07-04", paris); !errors.Is(err, ErrNoInput) {
		t.Errorf("Average(nil) error = %v, want ErrNoInput", err)
	}
}

func TestAverage_SingleInputIsVerbatim(t *testing.T) {
	in := year("2023-07-04", 27, 16, models.Drizzle)
	in.UVIndex = 7
	in.Sunrise = "05:50"
	target := models.Location{Lat: 48.86, Lon: 2.35}

	got, err := Average([]models.WeatherCondition{in}, "2025-07-04", target)
	if err != nil {
		t.Fatalf("Average() error = %v", err)
	}
	want := in
	want.Date = "2025-07-04"
	want.Location = target
	if got != want {
		t.Errorf("Average(single) = %+v\nwant %+v", got, want)
	}
}

func TestAverage_MeansAndMode(t *testing.T) {
	in := []models.WeatherCondition{
		year("2021-07-04", 25, 15, models.Clear),
		year("2022-07-04", 28, 16, models.Rain),
		year("2023-07-04", 30, 18, models.Rain),
	}
	in[0].Precipitation, in[1].Precipitation, in[2].Precipitation = 10, 70, 50
	in[0].UVIndex, in[1].UVIndex, in[2].UVIndex = 8, 5, 6

	got, err := Average(in, "2025-07-04", paris)
	if err != nil {
		t.Fatalf("Average() error = %v", err)
	}
	// highs 83/3 = 27.67, lows 49/3 = 16.33, precip 130/3 = 43.3, uv 19/3 = 6.33
	if got.TempHigh != 28 || got.TempLow != 16 || got.Precipitation != 43 || got.UVIndex != 6 {
		t.Errorf("means = hi %d lo %d precip %d uv %d", got.TempHigh, got.TempLow, got.Precipitation, got.UVIndex)
	}
	if got.Condition != models.Rain {
		t.Errorf("mode = %s, want rain", got.Condition)
	}
	if got.Date != "2025-07-04" || got.Location != paris {
		t.Errorf("stamp = %s %+v", got.Date, got.Location)
	}
	if !got.IsHistorical || got.IsEstimate {
		t.Errorf("flags = historical %v estimate %v, want true/false", got.IsHistorical, got.IsEstimate)
	}
}

func TestAverage_ModeTieGoesToFirstSeen(t *testing.T) {
	in := []models.WeatherCondition{
		year("2020-07-04", 25, 15, models.Overcast),
		year("2021-07-04", 25, 15, models.Storm),
		year("2022-07-04", 25, 15, models.Storm),
		year("2023-07-04", 25, 15, models.Overcast),
	}
	got, _ := Average(in, "2025-07-04", paris)
	if got.Condition != models.Overcast {
		t.Errorf("tie mode = %s, want overcast (first seen)", got.Condition)
	}
}

func TestAverage_RoundsHalfAwayFromZero(t *testing.T) {
	in := []models.WeatherCondition{
		year("2022-01-10", -1, -4, models.Snow),
		year("2023-01-10", 0, -5, models.Snow),
	}
	got, _ := Average(in, "2025-01-10", paris)
	// -0.5 rounds to -1, -4.5 rounds to -5
	if got.TempHigh != -1 || got.TempLow != -5 {
		t.Errorf("hi/lo = %d/%d, want -1/-5", got.TempHigh, got.TempLow)
	}
}

func TestBlend_Weighted(t *testing.T) {
	recent := models.WeatherCondition{Date: "2025-07-20", TempHigh: 30, TempLow: 20, Condition: models.Clear, Precipitation: 10, Humidity: 40, WindSpeed: 10, UVIndex: 9}
	hist := models.WeatherCondition{Date: "2025-07-21", TempHigh: 20, TempLow: 10, Condition: models.Storm, Precipitation: 60, Humidity: 80, WindSpeed: 20, UVIndex: 5, IsHistorical: true}

	got, err := Blend(recent, hist, "2025-07-21", paris, DefaultWeights)
	if err != nil {
		t.Fatalf("Blend() error = %v", err)
	}
	want := models.WeatherCondition{
		Date: "2025-07-21", Location: paris,
		TempHigh: 23, TempLow: 13,
		Condition:     models.ConditionFromSeverity(6), // 0*0.3 + 8*0.7 = 5.6
		Precipitation: 45, Humidity: 68, WindSpeed: 17, UVIndex: 6,
		IsEstimate: true,
	}
	if got != want {
		t.Errorf("Blend() = %+v\nwant     %+v", got, want)
	}
}

func TestBlend_Identity(t *testing.T) {
	recent := models.WeatherCondition{TempHigh: 14, TempLow: 3, Condition: models.Fog, Precipitation: 25, Humidity: 90, WindSpeed: 6, UVIndex: 1}
	hist := models.WeatherCondition{TempHigh: 30, TempLow: 22, Condition: models.Clear, Precipitation: 5, Humidity: 30, WindSpeed: 18, UVIndex: 10}

	tests := []struct {
		name string
		w    Weights
		want models.WeatherCondition
	}{
		{"all recent", Weights{Forecast: 1, Historical: 0}, recent},
		{"all historical", Weights{Forecast: 0, Historical: 1}, hist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Blend(recent, hist, "2025-03-01", paris, tt.w)
			if err != nil {
				t.Fatalf("Blend() error = %v", err)
			}
			want := tt.want.WithDate("2025-03-01", paris).AsEstimate()
			if got != want {
				t.Errorf("Blend() = %+v\nwant     %+v", got, want)
			}
		})
	}
}

func TestBlend_SeverityInterpolation(t *testing.T) {
	tests := []struct {
		recent, hist models.Condition
		w            Weights
		want         models.Condition
	}{
		{models.Rain, models.Overcast, Weights{0.5, 0.5}, models.Drizzle}, // 4.5 rounds to 5
		{models.Clear, models.Clear, DefaultWeights, models.Clear},
		{models.Storm, models.Storm, DefaultWeights, models.Storm},
		{models.Storm, models.Clear, DefaultWeights, models.PartlyCloudy}, // 2.4
	}
	for _, tt := range tests {
		r := models.WeatherCondition{Condition: tt.recent}
		h := models.WeatherCondition{Condition: tt.hist}
		got, err := Blend(r, h, "2025-03-01", paris, tt.w)
		if err != nil {
			t.Fatalf("Blend() error = %v", err)
		}
		if got.Condition != tt.want {
			t.Errorf("Blend(%s, %s, %+v) condition = %s, want %s", tt.recent, tt.hist, tt.w, got.Condition, tt.want)
		}
	}
}

func TestBlend_InvalidWeightsFallBack(t *testing.T) {
	recent := models.WeatherCondition{TempHigh: 30, Condition: models.Clear}
	hist := models.WeatherCondition{TempHigh: 20, Condition: models.Clear}
	got, err := Blend(recent, hist, "2025-03-01", paris, Weights{math.NaN(), 0})
	if err != nil {
		t.Fatalf("Blend() error = %v", err)
	}
	if got.TempHigh != 23 {
		t.Errorf("TempHigh = %d, want 23 (default 0.3/0.7)", got.TempHigh)
	}
}

func TestBlend_UnknownCondition(t *testing.T) {
	recent := models.WeatherCondition{Condition: "hail"}
	hist := models.WeatherCondition{Condition: models.Clear}
	if _, err := Blend(recent, hist, "2025-03-01", paris, DefaultWeights); err == nil {
		t.Error("Blend() with unknown condition error = nil")
	}
}
