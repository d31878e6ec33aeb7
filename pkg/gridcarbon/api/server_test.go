package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/clock"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/config"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/forecast"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/store"
)

type fakeStore struct {
	count          int64
	oldest, newest *time.Time
	latest         *store.IntensityRecord
	history        []store.IntensityRecord
	status         *store.IngestionStatus
	events         []store.EventRecord
	weatherRow     *store.WeatherRecord
	err            error

	saved        []*carbon.FuelMix
	gotLimit     int
	gotEventType string
}

func (f *fakeStore) RecordCount(_ context.Context) (int64, error) { return f.count, f.err }

func (f *fakeStore) DateRange(_ context.Context) (*time.Time, *time.Time, error) {
	return f.oldest, f.newest, f.err
}

func (f *fakeStore) GetLatestIntensity(_ context.Context) (*store.IntensityRecord, error) {
	return f.latest, f.err
}

func (f *fakeStore) GetCarbonIntensity(_ context.Context, hours int) ([]store.IntensityRecord, error) {
	return f.history, f.err
}

func (f *fakeStore) GetIngestionStatus(_ context.Context) (*store.IngestionStatus, error) {
	return f.status, f.err
}

func (f *fakeStore) GetRecentEvents(_ context.Context, limit int, eventType string) ([]store.EventRecord, error) {
	f.gotLimit = limit
	f.gotEventType = eventType
	return f.events, f.err
}

func (f *fakeStore) GetLatestWeather(_ context.Context) (*store.WeatherRecord, error) {
	return f.weatherRow, f.err
}

func (f *fakeStore) SaveFuelMix(_ context.Context, mix *carbon.FuelMix) error {
	f.saved = append(f.saved, mix)
	return nil
}

type fakeFuelSource struct {
	mix *carbon.FuelMix
	err error
}

func (f *fakeFuelSource) FetchLatest(_ context.Context) (*carbon.FuelMix, error) {
	return f.mix, f.err
}

type fakeWeatherSource struct {
	snaps []carbon.WeatherSnapshot
	err   error
}

func (f *fakeWeatherSource) FetchForecast(_ context.Context, days int) ([]carbon.WeatherSnapshot, error) {
	return f.snaps, f.err
}

type fakeForecaster struct {
	fc  *forecast.Forecast
	err error

	gotHours   int
	gotWeather []carbon.WeatherSnapshot
	gotCurrent *carbon.Intensity
}

func (f *fakeForecaster) Forecast(_ context.Context, hours int, weather []carbon.WeatherSnapshot, current *carbon.Intensity) (*forecast.Forecast, error) {
	f.gotHours = hours
	f.gotWeather = weather
	f.gotCurrent = current
	return f.fc, f.err
}

func newTestServer(st *fakeStore, fuel *fakeFuelSource, weather *fakeWeatherSource, fc *fakeForecaster, opts ...ServerOption) http.Handler {
	srv := NewServer(st, fuel, weather, fc, config.ServerConfig{Host: "127.0.0.1", Port: 8000}, opts...)
	return srv.Router()
}

func doGet(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "response body: %s", rec.Body.String())
	}
	return rec, body
}

func scenarioMix(ts time.Time) *carbon.FuelMix {
	mix := carbon.NewFuelMix(ts, []carbon.FuelGeneration{
		{Fuel: carbon.NaturalGas, GenerationMW: 5000},
		{Fuel: carbon.Nuclear, GenerationMW: 3000},
		{Fuel: carbon.Hydro, GenerationMW: 2000},
		{Fuel: carbon.Wind, GenerationMW: 500},
	})
	return &mix
}

func cannedForecast(now time.Time, hours int) *forecast.Forecast {
	fc := &forecast.Forecast{GeneratedAt: now, Region: carbon.DefaultRegion}
	for h := 0; h < hours; h++ {
		hour := now.Truncate(time.Hour).Add(time.Duration(h) * time.Hour)
		fc.Hourly = append(fc.Hourly, forecast.HourlyForecast{
			Hour:       hour,
			Predicted:  carbon.Intensity{GramsCO2PerKWh: 200 + 10*float64(h), Timestamp: hour},
			Confidence: forecast.ConfidenceHigh,
		})
	}
	return fc
}

func TestRootEndpoint(t *testing.T) {
	oldest := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newest := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	st := &fakeStore{count: 1234, oldest: &oldest, newest: &newest}
	h := newTestServer(st, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gridcarbon", body["name"])
	assert.Equal(t, "NYISO", body["region"])
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(1234), data["records"])
	assert.Equal(t, "2024-01-01T00:00:00Z", data["earliest"])
	assert.Len(t, body["endpoints"], 6)
}

func TestNowLiveSource(t *testing.T) {
	ts := time.Date(2024, 6, 12, 14, 35, 0, 0, time.UTC)
	st := &fakeStore{}
	fuel := &fakeFuelSource{mix: scenarioMix(ts)}
	h := newTestServer(st, fuel, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/now")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "live", body["source"])
	assert.Equal(t, "2024-06-12T14:35:00Z", body["timestamp"])

	ci := body["carbon_intensity"].(map[string]any)
	assert.InDelta(t, 214.3, ci["grams_co2_per_kwh"], 1e-9)
	assert.InDelta(t, 214.3, ci["kg_co2_per_mwh"], 1e-9)
	assert.Equal(t, "clean", ci["category"])
	assert.Equal(t, "🟢 Clean", ci["label"])
	assert.Equal(t, "Good time for discretionary electricity use.", body["recommendation"])

	gen := body["generation"].(map[string]any)
	assert.InDelta(t, 10500.0, gen["total_mw"], 1e-9)
	assert.InDelta(t, 52.4, gen["clean_percentage"], 1e-9)
	breakdown := gen["fuel_breakdown_mw"].(map[string]any)
	assert.InDelta(t, 5000.0, breakdown["Natural Gas"], 1e-9)
	pcts := gen["fuel_percentages"].(map[string]any)
	assert.InDelta(t, 47.6, pcts["Natural Gas"], 1e-9)

	// The live result is written back so history keeps accruing between
	// poller runs.
	assert.Len(t, st.saved, 1)
}

func TestNowStoredFallback(t *testing.T) {
	ts := time.Date(2024, 6, 12, 13, 0, 0, 0, time.UTC)
	st := &fakeStore{latest: &store.IntensityRecord{Timestamp: ts, GramsCO2PerKWh: 320.5}}
	fuel := &fakeFuelSource{err: errors.New("connection refused")}
	h := newTestServer(st, fuel, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/now")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stored", body["source"])
	ci := body["carbon_intensity"].(map[string]any)
	assert.InDelta(t, 320.5, ci["grams_co2_per_kwh"], 1e-9)
	assert.Equal(t, "moderate", ci["category"])
	_, hasKg := ci["kg_co2_per_mwh"]
	assert.False(t, hasKg, "stored fallback should carry the reduced payload")
	_, hasGen := body["generation"]
	assert.False(t, hasGen, "stored fallback should carry the reduced payload")
	assert.Empty(t, st.saved)
}

func TestNowUnavailable(t *testing.T) {
	st := &fakeStore{}
	fuel := &fakeFuelSource{err: errors.New("connection refused")}
	h := newTestServer(st, fuel, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/now")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "No carbon intensity data available. Run 'gridcarbon seed' first.", body["error"])
}

func TestForecastDefaults(t *testing.T) {
	now := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	ts := now.Add(-5 * time.Minute)
	snaps := []carbon.WeatherSnapshot{{Timestamp: now.Add(time.Hour), TemperatureF: 90, WindSpeed80mMph: 5}}
	fuel := &fakeFuelSource{mix: scenarioMix(ts)}
	weather := &fakeWeatherSource{snaps: snaps}
	fc := &fakeForecaster{fc: cannedForecast(now, 24)}
	h := newTestServer(&fakeStore{}, fuel, weather, fc)

	rec, body := doGet(t, h, "/forecast")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24, fc.gotHours)
	assert.Len(t, fc.gotWeather, 1)
	require.NotNil(t, fc.gotCurrent)
	assert.InDelta(t, 214.2857, fc.gotCurrent.GramsCO2PerKWh, 0.001)

	assert.Equal(t, "NYISO", body["region"])
	assert.Equal(t, float64(24), body["forecast_hours"])
	hourly := body["hourly"].([]any)
	require.Len(t, hourly, 24)
	first := hourly[0].(map[string]any)
	assert.InDelta(t, 200.0, first["grams_co2_per_kwh"], 1e-9)
	assert.Equal(t, "high", first["confidence"])

	// Intensity rises monotonically in the canned data, so the cleanest
	// window opens the horizon and the dirtiest closes it.
	cleanest := body["cleanest_3h_window"].(map[string]any)
	dirtiest := body["dirtiest_3h_window"].(map[string]any)
	assert.InDelta(t, 210.0, cleanest["avg_grams_co2_per_kwh"], 1e-9)
	assert.InDelta(t, 420.0, dirtiest["avg_grams_co2_per_kwh"], 1e-9)
	assert.Equal(t, float64(3), cleanest["duration_hours"])
	assert.Equal(t, "cleanest", cleanest["label"])
}

func TestForecastWindowParam(t *testing.T) {
	now := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	fc := &fakeForecaster{fc: cannedForecast(now, 12)}
	h := newTestServer(&fakeStore{}, &fakeFuelSource{}, &fakeWeatherSource{}, fc)

	rec, body := doGet(t, h, "/forecast?hours=12&window_hours=2")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12, fc.gotHours)
	require.Contains(t, body, "cleanest_2h_window")
	require.Contains(t, body, "dirtiest_2h_window")
	assert.Contains(t, body, "cleanest_3h_window")

	cleanest := body["cleanest_2h_window"].(map[string]any)
	assert.InDelta(t, 205.0, cleanest["avg_grams_co2_per_kwh"], 1e-9)
	assert.Equal(t, float64(2), cleanest["duration_hours"])
}

func TestForecastParamValidation(t *testing.T) {
	h := newTestServer(&fakeStore{}, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	cases := []struct {
		name   string
		target string
		errMsg string
	}{
		{"hours too low", "/forecast?hours=0", "hours must be between 1 and 48"},
		{"hours too high", "/forecast?hours=49", "hours must be between 1 and 48"},
		{"hours not numeric", "/forecast?hours=tomorrow", "hours must be an integer"},
		{"window too high", "/forecast?window_hours=13", "window_hours must be between 1 and 12"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := doGet(t, h, tc.target)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			assert.Equal(t, tc.errMsg, body["error"])
		})
	}
}

func TestForecastUpstreamFailuresTolerated(t *testing.T) {
	now := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	fuel := &fakeFuelSource{err: errors.New("gateway timeout")}
	weather := &fakeWeatherSource{err: errors.New("gateway timeout")}
	fc := &fakeForecaster{fc: cannedForecast(now, 24)}
	h := newTestServer(&fakeStore{}, fuel, weather, fc)

	rec, _ := doGet(t, h, "/forecast")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, fc.gotCurrent)
	assert.Nil(t, fc.gotWeather)
}

func TestForecastEngineErrorIsInternal(t *testing.T) {
	fc := &fakeForecaster{err: errors.New("connection refused")}
	h := newTestServer(&fakeStore{}, &fakeFuelSource{}, &fakeWeatherSource{}, fc)

	rec, body := doGet(t, h, "/forecast")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", body["error"])
}

func TestHistory(t *testing.T) {
	ts := time.Date(2024, 6, 12, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{history: []store.IntensityRecord{
		{Timestamp: ts, GramsCO2PerKWh: 210.1, TotalGenerationMW: 10500, CleanPercentage: 52.4},
		{Timestamp: ts.Add(-5 * time.Minute), GramsCO2PerKWh: 215.7, TotalGenerationMW: 10400, CleanPercentage: 51.9},
	}}
	h := newTestServer(st, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/history?hours=48")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(48), body["hours"])
	assert.Equal(t, float64(2), body["count"])
	records := body["records"].([]any)
	require.Len(t, records, 2)
	firstRec := records[0].(map[string]any)
	assert.InDelta(t, 210.1, firstRec["grams_co2_per_kwh"], 1e-9)
}

func TestHistoryEmptyIsList(t *testing.T) {
	h := newTestServer(&fakeStore{}, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/history")

	require.Equal(t, http.StatusOK, rec.Code)
	records, ok := body["records"].([]any)
	require.True(t, ok, "records should be an empty list, not null")
	assert.Empty(t, records)
}

func TestHistoryBounds(t *testing.T) {
	h := newTestServer(&fakeStore{}, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/history?hours=721")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "hours must be between 1 and 720", body["error"])
}

func TestFactors(t *testing.T) {
	h := newTestServer(&fakeStore{}, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/factors")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "direct_combustion", body["methodology"])
	factors := body["factors"].([]any)
	require.Len(t, factors, len(carbon.Factors()))

	byFuel := make(map[string]float64)
	for _, f := range factors {
		entry := f.(map[string]any)
		byFuel[entry["fuel"].(string)] = entry["grams_co2_per_kwh"].(float64)
	}
	assert.InDelta(t, 450.0, byFuel["Natural Gas"], 1e-9)
	assert.InDelta(t, 0.0, byFuel["Nuclear"], 1e-9)
}

func TestHealth(t *testing.T) {
	h := newTestServer(&fakeStore{}, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestAdminStatusActive(t *testing.T) {
	now := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	dataAt := now.Add(-4 * time.Minute)
	intensity := 214.3
	st := &fakeStore{
		status: &store.IngestionStatus{
			IsActive:            true,
			LatestIntensityTime: &dataAt,
			LatestIntensity:     &intensity,
			IntensityRecords:    100,
			WeatherRecords:      48,
		},
		weatherRow: &store.WeatherRecord{Timestamp: now.Add(time.Hour), TemperatureF: 75},
	}
	h := newTestServer(st, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{},
		WithClock(clock.NewMockClock(now)))

	rec, body := doGet(t, h, "/admin/status")

	require.Equal(t, http.StatusOK, rec.Code)
	connectors := body["connectors"].(map[string]any)
	nyiso := connectors["nyiso"].(map[string]any)
	weather := connectors["weather"].(map[string]any)
	assert.Equal(t, "active", nyiso["status"])
	assert.Equal(t, "2024-06-12T08:56:00Z", nyiso["last_data_at"])
	assert.Equal(t, "active", weather["status"])

	ingestion := body["ingestion"].(map[string]any)
	assert.Equal(t, true, ingestion["is_active"])
	assert.Equal(t, float64(100), ingestion["intensity_records"])
}

func TestAdminStatusStale(t *testing.T) {
	now := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	dataAt := now.Add(-3 * time.Hour)
	st := &fakeStore{
		status:     &store.IngestionStatus{IsActive: false, LatestIntensityTime: &dataAt},
		weatherRow: &store.WeatherRecord{Timestamp: now.Add(-5 * time.Hour)},
	}
	h := newTestServer(st, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{},
		WithClock(clock.NewMockClock(now)))

	rec, body := doGet(t, h, "/admin/status")

	require.Equal(t, http.StatusOK, rec.Code)
	connectors := body["connectors"].(map[string]any)
	assert.Equal(t, "stale", connectors["nyiso"].(map[string]any)["status"])
	assert.Equal(t, "stale", connectors["weather"].(map[string]any)["status"])
}

func TestAdminStatusInactive(t *testing.T) {
	now := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{status: &store.IngestionStatus{}}
	h := newTestServer(st, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{},
		WithClock(clock.NewMockClock(now)))

	rec, body := doGet(t, h, "/admin/status")

	require.Equal(t, http.StatusOK, rec.Code)
	connectors := body["connectors"].(map[string]any)
	nyiso := connectors["nyiso"].(map[string]any)
	assert.Equal(t, "inactive", nyiso["status"])
	assert.Nil(t, nyiso["last_data_at"])
	assert.Equal(t, "inactive", connectors["weather"].(map[string]any)["status"])
}

func TestAdminEvents(t *testing.T) {
	ts := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{events: []store.EventRecord{
		{ID: 2, Timestamp: ts, EventType: "validate_failure", StageName: "validate", Message: "Zero/negative total generation (0.0 MW) at 2024-06-12T08:55:00Z"},
		{ID: 1, Timestamp: ts.Add(-time.Minute), EventType: "stage_start", StageName: "persist"},
	}}
	h := newTestServer(st, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/admin/events?limit=10&event_type=validate_failure")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, st.gotLimit)
	assert.Equal(t, "validate_failure", st.gotEventType)
	assert.Equal(t, float64(2), body["count"])
	events := body["events"].([]any)
	require.Len(t, events, 2)
	first := events[0].(map[string]any)
	assert.Equal(t, "validate_failure", first["event_type"])
}

func TestAdminEventsLimitBounds(t *testing.T) {
	h := newTestServer(&fakeStore{}, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/admin/events?limit=501")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "limit must be between 1 and 500", body["error"])
}

func TestStoreErrorIsInternal(t *testing.T) {
	st := &fakeStore{err: errors.New("connection refused")}
	h := newTestServer(st, &fakeFuelSource{err: errors.New("offline")}, &fakeWeatherSource{}, &fakeForecaster{})

	rec, body := doGet(t, h, "/now")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(&fakeStore{}, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "# HELP"), "expected Prometheus exposition format")
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(&fakeStore{}, &fakeFuelSource{}, &fakeWeatherSource{}, &fakeForecaster{})

	req := httptest.NewRequest(http.MethodOptions, "/now", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}
