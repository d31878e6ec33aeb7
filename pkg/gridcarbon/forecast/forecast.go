// Package forecast predicts near-term carbon intensity for a gas-dominated
// grid. No ML involved: a historical (month, day-of-week, hour) baseline is
// corrected for weather-driven demand and blended with the current actual
// for short horizons, which is competitive with simple models on grids
// whose daily and seasonal patterns are as regular as NYISO's.
package forecast

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
)

// Confidence labels how far into the horizon a prediction reaches.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

func confidenceFor(h int) Confidence {
	switch {
	case h < 6:
		return ConfidenceHigh
	case h < 18:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// HourlyForecast is a single predicted hour.
type HourlyForecast struct {
	// Hour is the start of the predicted local hour.
	Hour       time.Time
	Predicted  carbon.Intensity
	Confidence Confidence
}

// Window is a contiguous run of forecast hours notable for its average
// intensity. Start is inclusive, End exclusive.
type Window struct {
	Start   time.Time
	End     time.Time
	Average carbon.Intensity
	Label   string
}

func (w Window) DurationHours() float64 {
	return w.End.Sub(w.Start).Hours()
}

// Forecast is the engine's output: hourly predictions plus derived
// cleanest/dirtiest window recommendations.
type Forecast struct {
	GeneratedAt time.Time
	Hourly      []HourlyForecast
	Region      string
}

// Hours is the horizon length.
func (f *Forecast) Hours() int { return len(f.Hourly) }

func (f *Forecast) Start() time.Time {
	if len(f.Hourly) == 0 {
		return f.GeneratedAt
	}
	return f.Hourly[0].Hour
}

func (f *Forecast) End() time.Time {
	if len(f.Hourly) == 0 {
		return f.GeneratedAt
	}
	return f.Hourly[len(f.Hourly)-1].Hour
}

// CleanestWindow finds the contiguous k-hour window with the lowest mean
// intensity. Ties resolve to the earliest start. Returns nil when the
// forecast is shorter than k hours.
func (f *Forecast) CleanestWindow(k int) *Window {
	return f.findWindow(k, true)
}

// DirtiestWindow finds the contiguous k-hour window with the highest mean
// intensity.
func (f *Forecast) DirtiestWindow(k int) *Window {
	return f.findWindow(k, false)
}

func (f *Forecast) findWindow(k int, minimize bool) *Window {
	if k <= 0 || k > len(f.Hourly) {
		return nil
	}

	bestAvg := math.Inf(1)
	if !minimize {
		bestAvg = math.Inf(-1)
	}
	bestStart := 0
	for i := 0; i+k <= len(f.Hourly); i++ {
		var sum float64
		for _, h := range f.Hourly[i : i+k] {
			sum += h.Predicted.GramsCO2PerKWh
		}
		avg := sum / float64(k)
		if (minimize && avg < bestAvg) || (!minimize && avg > bestAvg) {
			bestAvg = avg
			bestStart = i
		}
	}

	label := "dirtiest"
	if minimize {
		label = "cleanest"
	}
	return &Window{
		Start:   f.Hourly[bestStart].Hour,
		End:     f.Hourly[bestStart+k-1].Hour.Add(time.Hour),
		Average: carbon.Intensity{GramsCO2PerKWh: bestAvg},
		Label:   label,
	}
}

// Summary renders the forecast as plain text for the CLI.
func (f *Forecast) Summary() string {
	if len(f.Hourly) == 0 {
		return "No forecast data available."
	}

	current := f.Hourly[0].Predicted
	lines := []string{
		fmt.Sprintf("Grid Carbon Forecast for %s", f.Region),
		fmt.Sprintf("Generated: %s", f.GeneratedAt.Format("2006-01-02 15:04 MST")),
		"",
		fmt.Sprintf("Right now: %.0f gCO2/kWh %s", current.GramsCO2PerKWh, current.Category().Label()),
		fmt.Sprintf("  → %s", current.Category().Recommendation()),
	}

	if w := f.CleanestWindow(defaultWindowHours); w != nil {
		lines = append(lines,
			"",
			fmt.Sprintf("Cleanest %d-hour window: %s – %s", defaultWindowHours,
				w.Start.Format("03:04 PM"), w.End.Format("03:04 PM")),
			fmt.Sprintf("  → %.0f gCO2/kWh (%s)", w.Average.GramsCO2PerKWh, w.Average.Category()),
		)
	}
	if w := f.DirtiestWindow(defaultWindowHours); w != nil {
		lines = append(lines,
			"",
			fmt.Sprintf("Dirtiest %d-hour window: %s – %s", defaultWindowHours,
				w.Start.Format("03:04 PM"), w.End.Format("03:04 PM")),
			fmt.Sprintf("  → %.0f gCO2/kWh (%s)", w.Average.GramsCO2PerKWh, w.Average.Category()),
		)
	}

	return strings.Join(lines, "\n")
}
