package forecast

import (
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
)

// Typical NYISO hourly intensity in gCO2/kWh, derived from published grid
// data. Used when the store lacks coverage for a (month, day-of-week)
// bucket. Overnight hours run cleanest; the evening ramp runs dirtiest.
var typicalHourlyProfile = map[int]float64{
	0: 200, 1: 185, 2: 175, 3: 170, 4: 170, 5: 180,
	6: 220, 7: 270, 8: 310, 9: 330, 10: 320, 11: 310,
	12: 300, 13: 290, 14: 290, 15: 300, 16: 330, 17: 370,
	18: 380, 19: 360, 20: 330, 21: 300, 22: 260, 23: 230,
}

// Seasonal multipliers. Shoulder seasons run cleaner, summer cooling and
// winter heating run dirtier.
var seasonalMultiplier = map[int]float64{
	1: 1.10, 2: 1.05, 3: 0.95, 4: 0.90, 5: 0.88, 6: 1.00,
	7: 1.15, 8: 1.15, 9: 1.00, 10: 0.90, 11: 0.95, 12: 1.05,
}

const (
	// weekendMultiplier discounts Saturday and Sunday load.
	weekendMultiplier = 0.88

	// fallbackHourlyIntensity covers hours absent from the typical profile.
	fallbackHourlyIntensity = 280.0

	// Each degree F outside the comfort band raises intensity 0.5%, each
	// mph of 80m wind above the threshold lowers it 0.3%.
	tempCorrectionPerDegree = 0.005
	windCorrectionPerMPH    = 0.003
	windThresholdMPH        = 10.0

	// intensityFloorGrams is the physical floor of the model. A grid
	// running pure nuclear and hydro still lands around here.
	intensityFloorGrams = 50.0

	// minProfileCoverage is the minimum hours a (month, day-of-week)
	// bucket must cover before store averages replace the typical profile.
	minProfileCoverage = 20

	maxForecastHours        = 48
	defaultPersistenceHours = 6
	defaultWindowHours      = 3

	defaultRegion   = carbon.DefaultRegion
	defaultTimezone = "America/New_York"
)

// fallbackBaseline is the typical-profile estimate for one local hour,
// with seasonal and weekend adjustments. dayOfWeek is 0=Monday.
func fallbackBaseline(month, dayOfWeek, hour int) float64 {
	base, ok := typicalHourlyProfile[hour]
	if !ok {
		base = fallbackHourlyIntensity
	}
	if m, ok := seasonalMultiplier[month]; ok {
		base *= m
	}
	if dayOfWeek >= 5 {
		base *= weekendMultiplier
	}
	return base
}

// applyWeatherCorrection adjusts a baseline for heating/cooling demand and
// wind displacement of gas generation.
func applyWeatherCorrection(ci float64, w carbon.WeatherSnapshot) float64 {
	ci *= 1 + w.TemperatureDeparture()*tempCorrectionPerDegree
	if excess := w.WindSpeed80mMph - windThresholdMPH; excess > 0 {
		ci *= 1 - excess*windCorrectionPerMPH
	}
	return ci
}
