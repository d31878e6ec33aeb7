package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/config"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/pipeline"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/store"
)

// fakeStore is an in-memory Store for pipeline tests.
type fakeStore struct {
	mu          sync.Mutex
	mixes       []*carbon.FuelMix
	batches     [][]carbon.WeatherSnapshot
	events      []fakeEvent
	metricsRuns map[string]int

	// failSaves fails the first N SaveFuelMix calls with saveErr.
	failSaves int
	saveErr   error
}

type fakeEvent struct {
	eventType string
	stage     string
	message   string
	details   map[string]any
}

func (f *fakeStore) SaveFuelMix(_ context.Context, mix *carbon.FuelMix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves > 0 {
		f.failSaves--
		return f.saveErr
	}
	f.mixes = append(f.mixes, mix)
	return nil
}

func (f *fakeStore) SaveWeatherBatch(_ context.Context, snaps []carbon.WeatherSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := append([]carbon.WeatherSnapshot(nil), snaps...)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeStore) LogEvent(_ context.Context, eventType, stageName, message string, details map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{
		eventType: eventType,
		stage:     stageName,
		message:   message,
		details:   details,
	})
}

func (f *fakeStore) SavePipelineMetrics(_ context.Context, pipelineName string, _ []pipeline.StageMetricsSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metricsRuns == nil {
		f.metricsRuns = make(map[string]int)
	}
	f.metricsRuns[pipelineName]++
	return nil
}

func (f *fakeStore) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mixes)
}

func (f *fakeStore) eventsOfType(eventType string) []fakeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeEvent
	for _, ev := range f.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// fakeFuelFetcher serves canned days and a one-shot latest sequence.
type fakeFuelFetcher struct {
	mu      sync.Mutex
	days    map[string][]carbon.FuelMix
	daysErr map[string]error
	latest  []carbon.FuelMix
	polls   int
}

func (f *fakeFuelFetcher) FetchDay(_ context.Context, day time.Time) ([]carbon.FuelMix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := day.Format("2006-01-02")
	if err := f.daysErr[key]; err != nil {
		return nil, err
	}
	return f.days[key], nil
}

func (f *fakeFuelFetcher) FetchLatest(_ context.Context) (*carbon.FuelMix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls >= len(f.latest) {
		return nil, nil
	}
	mix := f.latest[f.polls]
	f.polls++
	return &mix, nil
}

// fakeWeatherFetcher serves canned forecast and per-day archive data.
type fakeWeatherFetcher struct {
	mu       sync.Mutex
	forecast []carbon.WeatherSnapshot
	archive  map[string][]carbon.WeatherSnapshot
	archErr  map[string]error
	polls    int
}

func (f *fakeWeatherFetcher) FetchForecast(_ context.Context, _ int) ([]carbon.WeatherSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls > 1 {
		return nil, nil
	}
	return f.forecast, nil
}

func (f *fakeWeatherFetcher) FetchHistorical(_ context.Context, start, _ time.Time) ([]carbon.WeatherSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := start.Format("2006-01-02")
	if err := f.archErr[key]; err != nil {
		return nil, err
	}
	return f.archive[key], nil
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		FuelMixPollInterval:       10 * time.Millisecond,
		WeatherPollInterval:       10 * time.Millisecond,
		ChannelCapacitySeed:       8,
		ChannelCapacityContinuous: 8,
		DrainTimeoutSeed:          2 * time.Second,
		DrainTimeoutContinuous:    2 * time.Second,
		MetricsInterval:           20 * time.Millisecond,
	}
}

func validMix(ts time.Time) carbon.FuelMix {
	return carbon.NewFuelMix(ts, []carbon.FuelGeneration{
		{Fuel: carbon.NaturalGas, GenerationMW: 5000},
		{Fuel: carbon.Nuclear, GenerationMW: 3000},
		{Fuel: carbon.Hydro, GenerationMW: 2000},
	})
}

func zeroGenMix(ts time.Time) carbon.FuelMix {
	return carbon.NewFuelMix(ts, []carbon.FuelGeneration{
		{Fuel: carbon.NaturalGas, GenerationMW: 0},
		{Fuel: carbon.Nuclear, GenerationMW: 0},
		{Fuel: carbon.Hydro, GenerationMW: 0},
	})
}

func TestValidateFuelMix(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mix     carbon.FuelMix
		wantErr string
	}{
		{
			name: "valid mix passes",
			mix:  validMix(ts),
		},
		{
			name:    "zero total generation",
			mix:     zeroGenMix(ts),
			wantErr: "Zero/negative total generation",
		},
		{
			name: "too few fuel categories",
			mix: carbon.NewFuelMix(ts, []carbon.FuelGeneration{
				{Fuel: carbon.NaturalGas, GenerationMW: 5000},
				{Fuel: carbon.Nuclear, GenerationMW: 3000},
			}),
			wantErr: "Only 2 fuel categories",
		},
		{
			name: "negative generation",
			mix: carbon.NewFuelMix(ts, []carbon.FuelGeneration{
				{Fuel: carbon.NaturalGas, GenerationMW: 5000},
				{Fuel: carbon.Nuclear, GenerationMW: 3000},
				{Fuel: carbon.Wind, GenerationMW: -20},
			}),
			wantErr: "Negative generation (-20.0 MW) for Wind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateFuelMix(context.Background(), tt.mix)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestValidateWeather(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		snap    carbon.WeatherSnapshot
		wantErr string
	}{
		{
			name: "valid snapshot passes",
			snap: carbon.WeatherSnapshot{Timestamp: ts, TemperatureF: 70, WindSpeed80mMph: 12, CloudCoverPct: 40},
		},
		{
			name:    "temperature too cold",
			snap:    carbon.WeatherSnapshot{Timestamp: ts, TemperatureF: -50, WindSpeed80mMph: 12, CloudCoverPct: 40},
			wantErr: "Temperature out of range",
		},
		{
			name:    "temperature too hot",
			snap:    carbon.WeatherSnapshot{Timestamp: ts, TemperatureF: 140, WindSpeed80mMph: 12, CloudCoverPct: 40},
			wantErr: "Temperature out of range",
		},
		{
			name:    "negative wind",
			snap:    carbon.WeatherSnapshot{Timestamp: ts, TemperatureF: 70, WindSpeed80mMph: -1, CloudCoverPct: 40},
			wantErr: "Negative wind speed",
		},
		{
			name:    "cloud cover above 100",
			snap:    carbon.WeatherSnapshot{Timestamp: ts, TemperatureF: 70, WindSpeed80mMph: 12, CloudCoverPct: 150},
			wantErr: "Cloud cover out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateWeather(context.Background(), tt.snap)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

// Five records, two invalid: both dead-letter with a validate_failure event
// while the three valid ones reach the store and the run still completes.
func TestFuelSeedValidationRouting(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	at := func(i int) time.Time { return day.Add(time.Duration(i) * 5 * time.Minute) }

	fetcher := &fakeFuelFetcher{
		days: map[string][]carbon.FuelMix{
			"2024-01-15": {
				validMix(at(0)),
				zeroGenMix(at(1)),
				validMix(at(2)),
				zeroGenMix(at(3)),
				validMix(at(4)),
			},
		},
	}
	st := &fakeStore{}

	var progressDays int
	var progressRecords int
	p, err := NewFuelSeedPipeline(st, fetcher, testIngestConfig(), day, day,
		func(_ time.Time, records int) {
			progressDays++
			progressRecords += records
		})
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Completed {
		t.Error("Expected completed=true")
	}
	if res.DeadLetterCount != 2 {
		t.Errorf("Expected 2 dead letters, got %d", res.DeadLetterCount)
	}
	if st.recordCount() != 3 {
		t.Errorf("Expected 3 persisted records, got %d", st.recordCount())
	}
	if progressDays != 1 || progressRecords != 5 {
		t.Errorf("Expected progress (1 day, 5 records), got (%d, %d)", progressDays, progressRecords)
	}

	for _, dl := range res.DeadLetters {
		if dl.StageName != "validate" {
			t.Errorf("Expected dead letters from validate, got %q", dl.StageName)
		}
		if !strings.Contains(dl.Err.Error(), "Zero/negative") {
			t.Errorf("Expected Zero/negative error, got %q", dl.Err.Error())
		}
		if dl.Attempts != 1 {
			t.Errorf("Expected 1 attempt for unretried validation, got %d", dl.Attempts)
		}
	}

	failures := st.eventsOfType("validate_failure")
	if len(failures) != 2 {
		t.Fatalf("Expected 2 validate_failure events, got %d", len(failures))
	}
	for _, ev := range failures {
		if ev.stage != "validate" {
			t.Errorf("Expected stage validate, got %q", ev.stage)
		}
		if attempts, ok := ev.details["attempts"].(int); !ok || attempts != 1 {
			t.Errorf("Expected attempts 1 in details, got %v", ev.details["attempts"])
		}
		if !strings.Contains(ev.message, "Zero/negative") {
			t.Errorf("Expected failure message in event, got %q", ev.message)
		}
	}
}

func TestFuelPersistRetriesStoreError(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFuelFetcher{
		days: map[string][]carbon.FuelMix{
			"2024-01-15": {validMix(day.Add(5 * time.Minute))},
		},
	}
	st := &fakeStore{
		failSaves: 2,
		saveErr:   &store.StoreError{Op: "save_fuel_mix", Err: errors.New("connection reset")},
	}

	p, err := NewFuelSeedPipeline(st, fetcher, testIngestConfig(), day, day, nil)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !res.Completed {
		t.Error("Expected completed=true after retries succeed")
	}
	if st.recordCount() != 1 {
		t.Errorf("Expected 1 persisted record, got %d", st.recordCount())
	}
	if res.DeadLetterCount != 0 {
		t.Errorf("Expected no dead letters, got %d", res.DeadLetterCount)
	}
	for _, m := range res.StageMetrics {
		if m.Stage == "persist" && m.ItemsRetried != 2 {
			t.Errorf("Expected 2 retries on persist, got %d", m.ItemsRetried)
		}
	}
}

func TestFuelPersistRewrapsUnexpectedError(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFuelFetcher{
		days: map[string][]carbon.FuelMix{
			"2024-01-15": {validMix(day.Add(5 * time.Minute))},
		},
	}
	st := &fakeStore{
		failSaves: 100,
		saveErr:   errors.New("disk on fire"),
	}

	p, err := NewFuelSeedPipeline(st, fetcher, testIngestConfig(), day, day, nil)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Expected rewrapped store error to stay routed, got run error %v", err)
	}

	if !res.Completed {
		t.Error("Expected completed=true; persistent store failure dead-letters instead of aborting")
	}
	if res.DeadLetterCount != 1 {
		t.Fatalf("Expected 1 dead letter, got %d", res.DeadLetterCount)
	}
	dl := res.DeadLetters[0]
	var storeErr *store.StoreError
	if !errors.As(dl.Err, &storeErr) {
		t.Errorf("Expected rewrapped StoreError, got %v", dl.Err)
	}
	if dl.Attempts != 3 {
		t.Errorf("Expected 3 attempts (1 + 2 retries), got %d", dl.Attempts)
	}

	failures := st.eventsOfType("persist_failure")
	if len(failures) != 1 {
		t.Fatalf("Expected 1 persist_failure event, got %d", len(failures))
	}
	if attempts, ok := failures[0].details["attempts"].(int); !ok || attempts != 3 {
		t.Errorf("Expected attempts 3 in details, got %v", failures[0].details["attempts"])
	}
}

func TestWeatherContinuousPipeline(t *testing.T) {
	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	snaps := make([]carbon.WeatherSnapshot, 0, 25)
	for h := 0; h < 25; h++ {
		snap := carbon.WeatherSnapshot{
			Timestamp:       base.Add(time.Duration(h) * time.Hour),
			TemperatureF:    40 + float64(h),
			WindSpeed80mMph: 10,
			CloudCoverPct:   50,
		}
		if h == 12 {
			snap.CloudCoverPct = 150 // fails validation
		}
		snaps = append(snaps, snap)
	}

	fetcher := &fakeWeatherFetcher{forecast: snaps}
	st := &fakeStore{}

	p, err := NewWeatherContinuousPipeline(st, fetcher, testIngestConfig())
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	done := make(chan struct{})
	var res *pipeline.Result[carbon.WeatherSnapshot]
	go func() {
		defer close(done)
		res, err = p.Run(context.Background())
	}()

	time.Sleep(100 * time.Millisecond)
	p.Shutdown()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Pipeline did not shut down in time")
	}

	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Completed {
		t.Error("Expected completed=true on graceful shutdown")
	}
	if res.DeadLetterCount != 1 {
		t.Errorf("Expected 1 dead letter for the invalid hour, got %d", res.DeadLetterCount)
	}

	st.mu.Lock()
	var persisted int
	for _, batch := range st.batches {
		persisted += len(batch)
	}
	st.mu.Unlock()
	if persisted != 24 {
		t.Errorf("Expected 24 valid observations persisted, got %d", persisted)
	}

	// Continuous pipelines mirror lifecycle into events and sample metrics.
	if len(st.eventsOfType("stage_start")) != 2 {
		t.Errorf("Expected stage_start for both stages, got %d", len(st.eventsOfType("stage_start")))
	}
	if len(st.eventsOfType("stage_complete")) != 2 {
		t.Errorf("Expected stage_complete for both stages, got %d", len(st.eventsOfType("stage_complete")))
	}
	if len(st.eventsOfType("stage_error")) == 0 {
		t.Error("Expected at least one stage_error event")
	}
	if len(st.eventsOfType("validate_failure")) != 1 {
		t.Errorf("Expected 1 validate_failure event, got %d", len(st.eventsOfType("validate_failure")))
	}

	st.mu.Lock()
	metricRuns := st.metricsRuns["weather-continuous"]
	st.mu.Unlock()
	if metricRuns == 0 {
		t.Error("Expected pipeline metrics to be recorded")
	}
}

func TestWeatherSeedSourceSkipsFailedDays(t *testing.T) {
	d1 := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	d3 := d1.AddDate(0, 0, 2)

	hourly := func(day time.Time) []carbon.WeatherSnapshot {
		out := make([]carbon.WeatherSnapshot, 3)
		for h := range out {
			out[h] = carbon.WeatherSnapshot{
				Timestamp: day.Add(time.Duration(h) * time.Hour), TemperatureF: 50, WindSpeed80mMph: 8, CloudCoverPct: 20,
			}
		}
		return out
	}
	fetcher := &fakeWeatherFetcher{
		archive: map[string][]carbon.WeatherSnapshot{
			"2024-01-15": hourly(d1),
			"2024-01-17": hourly(d3),
		},
		archErr: map[string]error{
			"2024-01-16": errors.New("archive unavailable"),
		},
	}

	var days int
	src := WeatherSeedSource(fetcher, d1, d3, 0, func(_ time.Time, _ int) { days++ })

	var got []carbon.WeatherSnapshot
	err := src(context.Background(), func(s carbon.WeatherSnapshot) bool {
		got = append(got, s)
		return true
	})
	if err != nil {
		t.Fatalf("Expected failed day to be skipped, got %v", err)
	}
	if len(got) != 6 {
		t.Errorf("Expected 6 observations from the two good days, got %d", len(got))
	}
	if days != 2 {
		t.Errorf("Expected progress for 2 days, got %d", days)
	}
	for _, s := range got {
		if s.Timestamp.Day() == d2.Day() {
			t.Errorf("Expected no observations from the failed day, got %v", s.Timestamp)
		}
	}
}

func TestFuelPollSourceStopsWhenEmitRefuses(t *testing.T) {
	day := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFuelFetcher{latest: []carbon.FuelMix{validMix(day)}}

	src := FuelMixPollSource(fetcher, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- src(context.Background(), func(carbon.FuelMix) bool { return false })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error when emit refuses, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Source did not stop after emit returned false")
	}
}

func TestFuelPollSourceStopsOnContextCancel(t *testing.T) {
	fetcher := &fakeFuelFetcher{}
	src := FuelMixPollSource(fetcher, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src(ctx, func(carbon.FuelMix) bool { return true })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Source did not stop on context cancel")
	}
}
