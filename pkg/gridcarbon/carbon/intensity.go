package carbon

import (
	"fmt"
	"time"
)

// IntensityCategory classifies an intensity value into one of five bands.
// Thresholds are calibrated for NYISO's typical range of ~100-450 gCO2/kWh.
type IntensityCategory string

const (
	VeryClean IntensityCategory = "very_clean"
	Clean     IntensityCategory = "clean"
	Moderate  IntensityCategory = "moderate"
	Dirty     IntensityCategory = "dirty"
	VeryDirty IntensityCategory = "very_dirty"
)

// Label returns the display label for the category.
func (c IntensityCategory) Label() string {
	switch c {
	case VeryClean:
		return "🟢 Very Clean"
	case Clean:
		return "🟢 Clean"
	case Moderate:
		return "🟡 Moderate"
	case Dirty:
		return "🟠 Dirty"
	case VeryDirty:
		return "🔴 Very Dirty"
	}
	return string(c)
}

// Recommendation returns the plain-English load-shifting advice for the
// category.
func (c IntensityCategory) Recommendation() string {
	switch c {
	case VeryClean:
		return "Great time to run energy-intensive tasks!"
	case Clean:
		return "Good time for discretionary electricity use."
	case Moderate:
		return "Grid is average right now. Defer if you can wait a few hours."
	case Dirty:
		return "Consider waiting — the grid is carbon-heavy right now."
	case VeryDirty:
		return "Worst time for electricity use. Defer everything you can."
	}
	return ""
}

// Intensity is a carbon intensity at a point in time. Canonical unit is
// grams CO2 per kilowatt-hour; conversions are derived, never stored.
type Intensity struct {
	GramsCO2PerKWh float64
	Timestamp      time.Time // zero when not tied to an instant
}

// Unit conversions from the canonical gCO2/kWh.

func (i Intensity) KgCO2PerKWh() float64 { return i.GramsCO2PerKWh / 1000 }
func (i Intensity) KgCO2PerMWh() float64 { return i.GramsCO2PerKWh }

func (i Intensity) LbsCO2PerMWh() float64 {
	return i.KgCO2PerMWh() * 2.20462
}

func (i Intensity) TonsCO2PerMWh() float64 {
	return i.LbsCO2PerMWh() / 2000
}

// Category classifies the intensity. Total over all float values.
func (i Intensity) Category() IntensityCategory {
	switch g := i.GramsCO2PerKWh; {
	case g <= 150:
		return VeryClean
	case g <= 250:
		return Clean
	case g <= 350:
		return Moderate
	case g <= 450:
		return Dirty
	default:
		return VeryDirty
	}
}

// Add sums two intensities, for accumulation before averaging. The result
// carries no timestamp.
func (i Intensity) Add(other Intensity) Intensity {
	return Intensity{GramsCO2PerKWh: i.GramsCO2PerKWh + other.GramsCO2PerKWh}
}

// Div divides the intensity by a scalar, for averaging.
func (i Intensity) Div(n float64) Intensity {
	return Intensity{GramsCO2PerKWh: i.GramsCO2PerKWh / n}
}

// Less orders intensities by their gram value.
func (i Intensity) Less(other Intensity) bool {
	return i.GramsCO2PerKWh < other.GramsCO2PerKWh
}

func (i Intensity) String() string {
	ts := "?"
	if !i.Timestamp.IsZero() {
		ts = i.Timestamp.Format("15:04")
	}
	return fmt.Sprintf("<CI %.0f gCO2/kWh @ %s [%s]>", i.GramsCO2PerKWh, ts, i.Category())
}
