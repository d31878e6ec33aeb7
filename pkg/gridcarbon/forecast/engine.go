package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/clock"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/config"
)

// ErrInsufficientHistory reports that a (month, day-of-week) bucket covers
// too few hours to build a profile from store averages.
var ErrInsufficientHistory = errors.New("insufficient historical data")

// HistoryStore is the slice of the store the engine reads.
// dayOfWeek is 0=Monday through 6=Sunday.
type HistoryStore interface {
	GetHourlyAverages(ctx context.Context, month, dayOfWeek int) (map[int]float64, error)
}

type profileKey struct {
	month     int
	dayOfWeek int
}

// Engine generates heuristic carbon-intensity forecasts.
//
// The profile cache is instance-private and not synchronized. Serialize
// calls, or build one engine per request.
type Engine struct {
	store    HistoryStore
	cfg      config.ForecastConfig
	clk      clock.Clock
	location *time.Location
	region   string
	profiles map[profileKey]map[int]float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock sets a custom clock, used mainly for testing.
func WithClock(clk clock.Clock) EngineOption {
	return func(e *Engine) { e.clk = clk }
}

// WithLocation sets the grid's local timezone. Baselines key on local
// wall-clock hours, so this must match the region being forecast.
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) { e.location = loc }
}

// WithRegion sets the region name carried on generated forecasts.
func WithRegion(region string) EngineOption {
	return func(e *Engine) { e.region = region }
}

// NewEngine creates a forecast engine backed by st.
func NewEngine(st HistoryStore, cfg config.ForecastConfig, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		store:    st,
		cfg:      cfg,
		clk:      clock.RealClock{},
		region:   defaultRegion,
		profiles: make(map[profileKey]map[int]float64),
	}
	if e.cfg.PersistenceHours <= 0 {
		e.cfg.PersistenceHours = defaultPersistenceHours
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.location == nil {
		loc, err := time.LoadLocation(defaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone %s: %v", defaultTimezone, err)
		}
		e.location = loc
	}
	return e, nil
}

// Forecast predicts hourly intensity for the next hours hours, capped at
// 48. weather snapshots, when supplied, correct the hours they fall in;
// current, when supplied, dominates the first few hours of the horizon.
func (e *Engine) Forecast(ctx context.Context, hours int, weather []carbon.WeatherSnapshot, current *carbon.Intensity) (*Forecast, error) {
	if hours > maxForecastHours {
		hours = maxForecastHours
	}
	now := e.clk.Now().In(e.location)
	klog.V(2).InfoS("Generating forecast", "region", e.region, "hours", hours,
		"weatherPoints", len(weather), "haveCurrent", current != nil)

	// Index weather by whole-hour offset from now. A later snapshot in the
	// same hour replaces an earlier one.
	byOffset := make(map[int]carbon.WeatherSnapshot, len(weather))
	for _, w := range weather {
		offset := int(math.Floor(w.Timestamp.Sub(now).Hours()))
		if offset >= 0 && offset < hours {
			byOffset[offset] = w
		}
	}

	hourly := make([]HourlyForecast, 0, hours)
	for h := 0; h < hours; h++ {
		target := now.Add(time.Duration(h) * time.Hour)
		dow := (int(target.Weekday()) + 6) % 7 // 0=Monday

		ci, err := e.baseline(ctx, int(target.Month()), dow, target.Hour())
		if err != nil {
			return nil, err
		}

		if w, ok := byOffset[h]; ok {
			ci = applyWeatherCorrection(ci, w)
		}

		if current != nil && h < e.cfg.PersistenceHours {
			weight := 1 - float64(h)/float64(e.cfg.PersistenceHours)
			ci = ci*(1-weight) + current.GramsCO2PerKWh*weight
		}

		ci = math.Max(ci, intensityFloorGrams)

		hourly = append(hourly, HourlyForecast{
			Hour:       time.Date(target.Year(), target.Month(), target.Day(), target.Hour(), 0, 0, 0, e.location),
			Predicted:  carbon.Intensity{GramsCO2PerKWh: ci, Timestamp: target},
			Confidence: confidenceFor(h),
		})
	}

	return &Forecast{GeneratedAt: now, Hourly: hourly, Region: e.region}, nil
}

// baseline resolves one local hour against the cached profile for its
// (month, day-of-week) bucket, falling back to the typical profile for
// hours the bucket does not cover.
func (e *Engine) baseline(ctx context.Context, month, dow, hour int) (float64, error) {
	profile, err := e.profileFor(ctx, month, dow)
	if err != nil {
		return 0, err
	}
	if v, ok := profile[hour]; ok {
		return v, nil
	}
	return fallbackBaseline(month, dow, hour), nil
}

func (e *Engine) profileFor(ctx context.Context, month, dow int) (map[int]float64, error) {
	key := profileKey{month: month, dayOfWeek: dow}
	if p, cached := e.profiles[key]; cached {
		return p, nil
	}

	p, err := e.HistoricalProfile(ctx, month, dow)
	if err != nil {
		if errors.Is(err, ErrInsufficientHistory) {
			klog.V(3).InfoS("Using typical profile", "month", month, "dayOfWeek", dow, "reason", err)
			e.profiles[key] = nil
			return nil, nil
		}
		return nil, err
	}
	e.profiles[key] = p
	return p, nil
}

// HistoricalProfile loads the hour → average-intensity profile for a
// (month, day-of-week) bucket from store averages. Buckets covering fewer
// than 20 of 24 hours return ErrInsufficientHistory.
func (e *Engine) HistoricalProfile(ctx context.Context, month, dayOfWeek int) (map[int]float64, error) {
	avgs, err := e.store.GetHourlyAverages(ctx, month, dayOfWeek)
	if err != nil {
		return nil, err
	}
	if len(avgs) < minProfileCoverage {
		return nil, fmt.Errorf("%w: %d/24 hours covered for month=%d dayOfWeek=%d",
			ErrInsufficientHistory, len(avgs), month, dayOfWeek)
	}
	return avgs, nil
}

// ClearCache drops cached profiles. Call after seeding new history.
func (e *Engine) ClearCache() {
	e.profiles = make(map[profileKey]map[int]float64)
}
