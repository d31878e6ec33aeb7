package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
)

// ValidationError marks a record that failed a data quality check. The
// pipelines route it to dead letters; it never terminates a run.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ValidateFuelMix checks a fuel mix snapshot:
//   - total generation is positive (zero means bad data or an outage)
//   - at least 3 fuel categories present (NYISO normally reports 7)
//   - no individual fuel has negative generation
func ValidateFuelMix(_ context.Context, mix carbon.FuelMix) (carbon.FuelMix, error) {
	ts := mix.Timestamp().Format(time.RFC3339)

	if mix.TotalMW() <= 0 {
		return mix, validationErrorf(
			"Zero/negative total generation (%.1f MW) at %s", mix.TotalMW(), ts)
	}
	if len(mix.Fuels()) < 3 {
		return mix, validationErrorf(
			"Only %d fuel categories at %s (expected >= 3)", len(mix.Fuels()), ts)
	}
	for _, f := range mix.Fuels() {
		if f.GenerationMW < 0 {
			return mix, validationErrorf(
				"Negative generation (%.1f MW) for %s at %s", f.GenerationMW, f.Fuel, ts)
		}
	}
	return mix, nil
}

// ValidateWeather checks an hourly weather observation for physically
// plausible values.
func ValidateWeather(_ context.Context, snap carbon.WeatherSnapshot) (carbon.WeatherSnapshot, error) {
	ts := snap.Timestamp.Format(time.RFC3339)

	if snap.TemperatureF < -40 || snap.TemperatureF > 130 {
		return snap, validationErrorf(
			"Temperature out of range (%.1f F) at %s", snap.TemperatureF, ts)
	}
	if snap.WindSpeed80mMph < 0 {
		return snap, validationErrorf(
			"Negative wind speed (%.1f mph) at %s", snap.WindSpeed80mMph, ts)
	}
	if snap.CloudCoverPct < 0 || snap.CloudCoverPct > 100 {
		return snap, validationErrorf(
			"Cloud cover out of range (%.1f%%) at %s", snap.CloudCoverPct, ts)
	}
	return snap, nil
}
