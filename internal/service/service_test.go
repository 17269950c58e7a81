package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/trip-weather-service/internal/cache"
	"github.com/kjstillabower/trip-weather-service/internal/client"
	"github.com/kjstillabower/trip-weather-service/internal/dates"
	"github.com/kjstillabower/trip-weather-service/internal/models"
)

var (
	newYork = models.Location{Lat: 40.7128, Lon: -74.006, Timezone: "UTC"}
	testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	today   = "2025-06-10"
)

func day(t *testing.T, offset int) string {
	t.Helper()
	d, err := dates.AddDays(today, offset)
	if err != nil {
		t.Fatalf("AddDays(%d): %v", offset, err)
	}
	return d
}

func sample(date string, hi, lo int) models.WeatherCondition {
	return models.WeatherCondition{
		Date: date, Location: newYork, TempHigh: hi, TempLow: lo, Condition: models.Clear,
		Precipitation: 10, Humidity: 50, WindSpeed: 5, UVIndex: 5,
	}
}

// mockForecast serves a fixed window, optionally blocking until release is closed.
type mockForecast struct {
	days    []models.WeatherCondition
	err     error
	release chan struct{}
	calls   atomic.Int32
}

func (m *mockForecast) Fetch(ctx context.Context, loc models.Location) ([]models.WeatherCondition, error) {
	m.calls.Add(1)
	if m.release != nil {
		<-m.release
	}
	if m.err != nil {
		return nil, m.err
	}
	return append([]models.WeatherCondition(nil), m.days...), nil
}

// mockHistorical serves every day of a requested range, and one condition per known year.
type mockHistorical struct {
	mu         sync.Mutex
	rangeErr   error
	rangeHigh  int
	yearHigh   map[int]int
	rangeCalls [][2]string
	yearCalls  [][]int
}

func (m *mockHistorical) FetchRange(ctx context.Context, loc models.Location, start, end string) ([]models.WeatherCondition, error) {
	m.mu.Lock()
	m.rangeCalls = append(m.rangeCalls, [2]string{start, end})
	m.mu.Unlock()
	if m.rangeErr != nil {
		return nil, m.rangeErr
	}
	var out []models.WeatherCondition
	for d := start; d <= end; {
		out = append(out, sample(d, m.rangeHigh, m.rangeHigh-10).AsHistorical())
		next, err := dates.AddDays(d, 1)
		if err != nil {
			return nil, err
		}
		d = next
	}
	return out, nil
}

func (m *mockHistorical) FetchYears(ctx context.Context, loc models.Location, monthDay string, years []int) []models.WeatherCondition {
	m.mu.Lock()
	m.yearCalls = append(m.yearCalls, append([]int(nil), years...))
	m.mu.Unlock()
	var out []models.WeatherCondition
	for _, y := range years {
		if hi, ok := m.yearHigh[y]; ok {
			out = append(out, sample(client.YearDate(y, monthDay), hi, hi-10).AsHistorical())
		}
	}
	return out
}

func (m *mockHistorical) yearCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.yearCalls)
}

// forecastWindow returns days today+0..today+last with the given high, skipping any offsets in skip.
func forecastWindow(t *testing.T, last, hi int, skip ...int) []models.WeatherCondition {
	t.Helper()
	skipped := make(map[int]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	var out []models.WeatherCondition
	for i := 0; i <= last; i++ {
		if !skipped[i] {
			out = append(out, sample(day(t, i), hi, hi-10))
		}
	}
	return out
}

func threeYears(hi int) map[int]int {
	return map[int]int{2022: hi, 2023: hi, 2024: hi}
}

func newTestCache(t *testing.T) *cache.WeatherCache {
	t.Helper()
	c, err := cache.New(cache.NewMemoryStore(10000, 0), cache.DefaultTTLs, cache.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	return c
}

func newTestPipeline(t *testing.T, c Cache, fc client.ForecastFetcher, hc client.HistoricalFetcher, opts Options) *Pipeline {
	t.Helper()
	opts.Now = func() time.Time { return testNow }
	p, err := New(c, fc, hc, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNew_RejectsNilCollaborators(t *testing.T) {
	c := newTestCache(t)
	fc := &mockForecast{}
	hc := &mockHistorical{}
	tests := []struct {
		name string
		c    Cache
		fc   client.ForecastFetcher
		hc   client.HistoricalFetcher
	}{
		{"nil cache", nil, fc, hc},
		{"nil forecast", c, nil, hc},
		{"nil historical", c, fc, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.c, tt.fc, tt.hc, Options{}); err == nil {
				t.Error("New() error = nil")
			}
		})
	}
}

func TestResolve_InvalidLocation(t *testing.T) {
	p := newTestPipeline(t, newTestCache(t), &mockForecast{}, &mockHistorical{}, Options{})
	_, err := p.Resolve(context.Background(), models.Location{Lat: 91, Lon: 0}, []string{today})
	if !errors.Is(err, ErrInvalidLocation) {
		t.Errorf("Resolve() error = %v, want ErrInvalidLocation", err)
	}
}

func TestResolve_EmptyDates(t *testing.T) {
	fc := &mockForecast{}
	hc := &mockHistorical{}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{})
	got, err := p.Resolve(context.Background(), newYork, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("Resolve(nil) = %v, %v; want empty", got, err)
	}
	if fc.calls.Load() != 0 || len(hc.rangeCalls) != 0 {
		t.Error("empty request reached upstream")
	}
}

// Dates beyond the forecast horizon drift from the last forecast day toward the historical norm.
func TestResolve_ChainBeyondHorizon(t *testing.T) {
	fc := &mockForecast{days: forecastWindow(t, 16, 30)}
	hc := &mockHistorical{yearHigh: threeYears(10)}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{})

	var req []string
	for i := 1; i <= 20; i++ {
		req = append(req, day(t, i))
	}
	got, err := p.Resolve(context.Background(), newYork, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("len = %d, want 20", len(got))
	}
	for i := 0; i < 16; i++ {
		if got[i].Date != req[i] || got[i].Provenance() != "forecast" || got[i].TempHigh != 30 {
			t.Errorf("day %d = %s %s hi %d, want forecast 30", i+1, got[i].Date, got[i].Provenance(), got[i].TempHigh)
		}
	}
	// 0.3*30 + 0.7*10 = 16, then 0.3*16 + 7 = 11.8
	wantHighs := []int{16, 12, 11, 10}
	for i, want := range wantHighs {
		wc := got[16+i]
		if wc.Date != req[16+i] || !wc.IsEstimate || wc.IsHistorical {
			t.Errorf("day %d = %s estimate %v historical %v", 17+i, wc.Date, wc.IsEstimate, wc.IsHistorical)
		}
		if wc.TempHigh != want {
			t.Errorf("day %d high = %d, want %d", 17+i, wc.TempHigh, want)
		}
		if wc.Location != newYork {
			t.Errorf("day %d location = %+v", 17+i, wc.Location)
		}
	}
	if got[16].TempHigh <= 10 || got[16].TempHigh >= 30 {
		t.Errorf("first chained high %d not strictly between 10 and 30", got[16].TempHigh)
	}
	if n := fc.calls.Load(); n != 1 {
		t.Errorf("forecast calls = %d, want 1", n)
	}
}

// A provider gap inside the horizon is predicted from the forecast day before it.
func TestResolve_ForecastGapIsPredicted(t *testing.T) {
	fc := &mockForecast{days: forecastWindow(t, 16, 30, 5)}
	hc := &mockHistorical{yearHigh: threeYears(10)}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{})

	req := []string{day(t, 4), day(t, 5), day(t, 6)}
	got, err := p.Resolve(context.Background(), newYork, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].IsEstimate || got[2].IsEstimate {
		t.Errorf("surrounding days should be forecast: %+v, %+v", got[0], got[2])
	}
	if !got[1].IsEstimate || got[1].Date != req[1] || got[1].TempHigh != 16 {
		t.Errorf("gap day = %+v, want estimate with high 16", got[1])
	}
}

func TestResolve_PreservesInputOrderAcrossBuckets(t *testing.T) {
	fc := &mockForecast{days: forecastWindow(t, 16, 30)}
	hc := &mockHistorical{rangeHigh: 20, yearHigh: threeYears(10)}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{})

	req := []string{day(t, 20), day(t, -3), day(t, 2), day(t, -1), day(t, 2)}
	got, err := p.Resolve(context.Background(), newYork, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != len(req) {
		t.Fatalf("len = %d, want %d", len(got), len(req))
	}
	for i := range req {
		if got[i].Date != req[i] {
			t.Errorf("out[%d].Date = %s, want %s", i, got[i].Date, req[i])
		}
	}
	wantProv := []string{"estimate", "historical", "forecast", "historical", "forecast"}
	for i, want := range wantProv {
		if got[i].Provenance() != want {
			t.Errorf("out[%d] provenance = %s, want %s", i, got[i].Provenance(), want)
		}
	}
	if len(hc.rangeCalls) != 1 || hc.rangeCalls[0] != [2]string{day(t, -3), day(t, -1)} {
		t.Errorf("archive range calls = %v, want one %s..%s", hc.rangeCalls, day(t, -3), day(t, -1))
	}
}

func TestResolve_PastDatesServedFromCache(t *testing.T) {
	hc := &mockHistorical{rangeHigh: 20}
	p := newTestPipeline(t, newTestCache(t), &mockForecast{}, hc, Options{})
	req := []string{day(t, -5), day(t, -4)}

	for i := 0; i < 2; i++ {
		got, err := p.Resolve(context.Background(), newYork, req)
		if err != nil || len(got) != 2 {
			t.Fatalf("Resolve() #%d = %d results, %v", i, len(got), err)
		}
	}
	if len(hc.rangeCalls) != 1 {
		t.Errorf("archive calls = %d, want 1", len(hc.rangeCalls))
	}
}

func TestResolve_PastFetchFailureReturnsCachedSubset(t *testing.T) {
	c := newTestCache(t)
	cached := sample(day(t, -3), 18, 8).AsHistorical()
	c.Set(context.Background(), cache.Key(models.TierHistorical, newYork, cached.Date), cached, models.TierHistorical)

	hc := &mockHistorical{rangeErr: client.ErrTransport}
	p := newTestPipeline(t, c, &mockForecast{}, hc, Options{})

	got, err := p.Resolve(context.Background(), newYork, []string{day(t, -3), day(t, -2)})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].Date != cached.Date || got[0].TempHigh != 18 {
		t.Errorf("Resolve() = %+v, want only the cached day", got)
	}
	if len(hc.rangeCalls) != 1 || hc.rangeCalls[0] != [2]string{day(t, -2), day(t, -2)} {
		t.Errorf("archive range calls = %v, want only the miss", hc.rangeCalls)
	}
}

func TestResolve_ForecastFailureFallsBackToHistory(t *testing.T) {
	fc := &mockForecast{err: client.ErrUpstreamFailure}
	hc := &mockHistorical{yearHigh: threeYears(10)}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{})

	req := []string{day(t, 1), day(t, 2), day(t, 25)}
	got, err := p.Resolve(context.Background(), newYork, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, wc := range got {
		if !wc.IsEstimate || wc.TempHigh != 10 || wc.Date != req[i] {
			t.Errorf("out[%d] = %+v, want estimate with high 10", i, wc)
		}
	}
	if n := fc.calls.Load(); n != 1 {
		t.Errorf("forecast calls = %d, want 1 (no second seed attempt)", n)
	}
}

func TestResolve_DefaultWhenNothingAvailable(t *testing.T) {
	def := models.WeatherCondition{TempHigh: 70, TempLow: 55, Condition: models.Overcast, Humidity: 65}
	fc := &mockForecast{err: client.ErrTransport}
	hc := &mockHistorical{yearHigh: map[int]int{2024: 12}} // 1 of 3 years is insufficient
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{DefaultCondition: &def})

	req := []string{day(t, 3), day(t, 40)}
	got, err := p.Resolve(context.Background(), newYork, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for i, wc := range got {
		want := def.WithDate(req[i], newYork).AsEstimate()
		if wc != want {
			t.Errorf("out[%d] = %+v\nwant %+v", i, wc, want)
		}
	}
}

func TestResolve_InsufficientHistoryWithSeedUsesDefault(t *testing.T) {
	fc := &mockForecast{days: forecastWindow(t, 16, 30)}
	hc := &mockHistorical{yearHigh: map[int]int{2023: 12}}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{})

	got, err := p.Resolve(context.Background(), newYork, []string{day(t, 18)})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := models.DefaultCondition.WithDate(day(t, 18), newYork).AsEstimate()
	if len(got) != 1 || got[0] != want {
		t.Errorf("Resolve() = %+v, want default %+v", got, want)
	}
}

func TestResolve_FutureOnlyFetchesForecastSeed(t *testing.T) {
	fc := &mockForecast{days: forecastWindow(t, 15, 30)}
	hc := &mockHistorical{yearHigh: threeYears(10)}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{})

	got, err := p.Resolve(context.Background(), newYork, []string{day(t, 20)})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].TempHigh != 16 || !got[0].IsEstimate {
		t.Errorf("Resolve() = %+v, want blended estimate with high 16", got)
	}
	if n := fc.calls.Load(); n != 1 {
		t.Errorf("forecast calls = %d, want 1", n)
	}
}

func TestResolve_PredictionCachedBetweenResolves(t *testing.T) {
	fc := &mockForecast{days: forecastWindow(t, 16, 30)}
	hc := &mockHistorical{yearHigh: threeYears(10)}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{})
	req := []string{day(t, 30)}

	first, err := p.Resolve(context.Background(), newYork, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	calls := hc.yearCallCount()
	second, err := p.Resolve(context.Background(), newYork, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first[0] != second[0] {
		t.Errorf("second = %+v, want cached %+v", second[0], first[0])
	}
	if hc.yearCallCount() != calls {
		t.Errorf("historical year calls grew from %d to %d", calls, hc.yearCallCount())
	}
}

func TestResolve_HistoricalYearsReusedFromCache(t *testing.T) {
	c := newTestCache(t)
	target := day(t, 30) // 2025-07-10
	cachedYear := sample("2023-07-10", 10, 0).AsHistorical()
	c.Set(context.Background(), cache.Key(models.TierHistorical, newYork, cachedYear.Date), cachedYear, models.TierHistorical)

	fc := &mockForecast{err: client.ErrTransport}
	hc := &mockHistorical{yearHigh: threeYears(10)}
	p := newTestPipeline(t, c, fc, hc, Options{})

	if _, err := p.Resolve(context.Background(), newYork, []string{target}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(hc.yearCalls) != 1 {
		t.Fatalf("year calls = %v, want 1", hc.yearCalls)
	}
	if got := hc.yearCalls[0]; len(got) != 2 || got[0] != 2022 || got[1] != 2024 {
		t.Errorf("years fetched = %v, want [2022 2024]", got)
	}
}

func TestResolve_InvalidDateDegradesToDefault(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fc := &mockForecast{days: forecastWindow(t, 16, 30)}
	hc := &mockHistorical{yearHigh: threeYears(10)}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{Logger: zap.New(core)})

	req := []string{day(t, 1), "2025-02-30", day(t, 18)}
	got, err := p.Resolve(context.Background(), newYork, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[1].Date != "2025-02-30" || !got[1].IsEstimate || got[1].TempHigh != models.DefaultCondition.TempHigh {
		t.Errorf("invalid date result = %+v, want default estimate", got[1])
	}
	// The invalid date never seeds the chain.
	if got[2].TempHigh != 16 {
		t.Errorf("chained high = %d, want 16", got[2].TempHigh)
	}
	if logs.FilterMessage("invalid date classified as future").Len() != 1 {
		t.Errorf("invalid date warnings = %d, want 1", logs.FilterMessage("invalid date classified as future").Len())
	}
}

func TestResolve_ConcurrentResolvesShareForecastFetch(t *testing.T) {
	fc := &mockForecast{days: forecastWindow(t, 16, 30), release: make(chan struct{})}
	p := newTestPipeline(t, newTestCache(t), fc, &mockHistorical{}, Options{})

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	lens := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := p.Resolve(context.Background(), newYork, []string{day(t, 2), day(t, 3)})
			errs[i], lens[i] = err, len(got)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(fc.release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil || lens[i] != 2 {
			t.Errorf("resolve %d = %d results, %v", i, lens[i], errs[i])
		}
	}
	if got := fc.calls.Load(); got != 1 {
		t.Errorf("forecast calls = %d, want 1", got)
	}
}

func TestHistoryYearsFor(t *testing.T) {
	p := newTestPipeline(t, newTestCache(t), &mockForecast{}, &mockHistorical{}, Options{HistoryYears: 3})
	tests := []struct {
		target int
		want   []int
	}{
		{2025, []int{2022, 2023, 2024}},
		{2027, []int{2022, 2023, 2024}},
		{2020, []int{2017, 2018, 2019}},
	}
	for _, tt := range tests {
		got := p.historyYearsFor(tt.target, newYork)
		if len(got) != len(tt.want) {
			t.Fatalf("historyYearsFor(%d) = %v, want %v", tt.target, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("historyYearsFor(%d) = %v, want %v", tt.target, got, tt.want)
				break
			}
		}
	}
}

func TestResolve_CancelledContextReturnsError(t *testing.T) {
	fc := &mockForecast{days: forecastWindow(t, 16, 30)}
	hc := &mockHistorical{yearHigh: threeYears(10), rangeHigh: 20}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{})
	req := []string{day(t, -2), day(t, 3), day(t, 25)}

	if _, err := p.Resolve(context.Background(), newYork, req); err != nil {
		t.Fatalf("warm Resolve() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := p.Resolve(ctx, newYork, req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve() error = %v, want context.Canceled", err)
	}
	if got != nil {
		t.Errorf("Resolve() = %+v, want nil on cancellation", got)
	}
}

func TestResolve_DeadlineDuringForecastFetch(t *testing.T) {
	fc := &mockForecast{days: forecastWindow(t, 16, 30), release: make(chan struct{})}
	defer close(fc.release)
	hc := &mockHistorical{yearHigh: threeYears(10)}
	p := newTestPipeline(t, newTestCache(t), fc, hc, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := p.Resolve(ctx, newYork, []string{day(t, 2), day(t, 20)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Resolve() error = %v, want context.DeadlineExceeded", err)
	}
	if len(got) != 0 {
		t.Errorf("Resolve() returned %d days after deadline, want none", len(got))
	}
}
