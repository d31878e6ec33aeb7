package carbon

import "time"

// Comfort band for weather-driven demand. Below the low end heating load
// rises; above the high end cooling load rises.
const (
	ComfortLowF  = 65.0
	ComfortHighF = 75.0
)

// WeatherSnapshot is one hourly weather observation or forecast point,
// already converted to the units the rest of the system works in.
type WeatherSnapshot struct {
	Timestamp       time.Time
	TemperatureF    float64
	WindSpeed80mMph float64
	CloudCoverPct   float64
}

// IsHeating reports temperatures cold enough to drive heating demand.
func (w WeatherSnapshot) IsHeating() bool { return w.TemperatureF < ComfortLowF }

// IsCooling reports temperatures hot enough to drive cooling demand.
func (w WeatherSnapshot) IsCooling() bool { return w.TemperatureF > ComfortHighF }

// TemperatureDeparture is the departure from the comfort band in °F,
// zero inside the band.
func (w WeatherSnapshot) TemperatureDeparture() float64 {
	switch {
	case w.TemperatureF < ComfortLowF:
		return ComfortLowF - w.TemperatureF
	case w.TemperatureF > ComfortHighF:
		return w.TemperatureF - ComfortHighF
	default:
		return 0
	}
}
