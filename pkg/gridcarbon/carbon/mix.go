package carbon

import (
	"errors"
	"math"
	"sort"
	"time"
)

// ErrNoFuelData is returned when the carbon intensity of an empty fuel mix
// is requested.
var ErrNoFuelData = errors.New("fuel mix has no fuel data")

// FuelGeneration is generation from a single fuel category at a point in
// time; one row from NYISO's rtfuelmix CSV.
type FuelGeneration struct {
	Fuel         FuelCategory
	GenerationMW float64
}

// IsClean reports whether the fuel has a zero emission factor.
func (g FuelGeneration) IsClean() bool { return g.Fuel.IsClean() }

// IsFossil is the complement of IsClean.
func (g FuelGeneration) IsFossil() bool { return !g.IsClean() }

// FuelShare is one entry of an ordered fuel breakdown.
type FuelShare struct {
	Fuel  FuelCategory `json:"fuel"`
	Value float64      `json:"value"`
}

// FuelMix is a complete fuel mix snapshot: generation for every reported
// fuel category at a single timestamp. One FuelMix corresponds to one
// 5-minute NYISO interval.
//
// All derived quantities (totals, clean share, intensity, breakdown order)
// are computed once at construction; a FuelMix is immutable afterwards and
// safe to move across pipeline channels.
type FuelMix struct {
	timestamp time.Time
	fuels     []FuelGeneration

	totalMW   float64
	cleanMW   float64
	intensity Intensity
	ordered   []int // fuel indices sorted by MW descending, stable
}

// NewFuelMix builds a snapshot and eagerly computes its derived values.
// The input slice is copied; the fuels keep their input order, which also
// breaks ties in the descending breakdown sort.
func NewFuelMix(timestamp time.Time, fuels []FuelGeneration) FuelMix {
	m := FuelMix{
		timestamp: timestamp,
		fuels:     append([]FuelGeneration(nil), fuels...),
	}
	for _, f := range m.fuels {
		m.totalMW += f.GenerationMW
		if f.IsClean() {
			m.cleanMW += f.GenerationMW
		}
	}
	if len(m.fuels) > 0 {
		m.intensity = m.calculateIntensity()
	}
	m.ordered = make([]int, len(m.fuels))
	for i := range m.ordered {
		m.ordered[i] = i
	}
	sort.SliceStable(m.ordered, func(a, b int) bool {
		return m.fuels[m.ordered[a]].GenerationMW > m.fuels[m.ordered[b]].GenerationMW
	})
	return m
}

// calculateIntensity is the average carbon intensity Σ(gen × factor) / Σ(gen).
// A zero-total mix has intensity 0 by definition.
func (m *FuelMix) calculateIntensity() Intensity {
	if m.totalMW <= 0 {
		return Intensity{GramsCO2PerKWh: 0, Timestamp: m.timestamp}
	}
	var weighted float64
	for _, f := range m.fuels {
		weighted += f.GenerationMW * Factor(f.Fuel)
	}
	return Intensity{GramsCO2PerKWh: weighted / m.totalMW, Timestamp: m.timestamp}
}

// Timestamp returns the snapshot instant.
func (m FuelMix) Timestamp() time.Time { return m.timestamp }

// Fuels returns the generation rows in input order. Callers must not mutate
// the returned slice.
func (m FuelMix) Fuels() []FuelGeneration { return m.fuels }

// TotalMW is the summed generation across all fuels.
func (m FuelMix) TotalMW() float64 { return m.totalMW }

// CleanMW is the summed generation across zero-factor fuels.
func (m FuelMix) CleanMW() float64 { return m.cleanMW }

// FossilMW is the summed generation across positive-factor fuels.
func (m FuelMix) FossilMW() float64 { return m.totalMW - m.cleanMW }

// CleanPercentage is the clean share of total generation in [0,100].
func (m FuelMix) CleanPercentage() float64 {
	if m.totalMW <= 0 {
		return 0
	}
	return m.cleanMW / m.totalMW * 100
}

// CarbonIntensity returns the generation-weighted intensity computed at
// construction. Fails with ErrNoFuelData on an empty mix.
func (m FuelMix) CarbonIntensity() (Intensity, error) {
	if len(m.fuels) == 0 {
		return Intensity{}, ErrNoFuelData
	}
	return m.intensity, nil
}

// FuelBreakdown returns fuel → MW sorted by generation descending; ties keep
// input order.
func (m FuelMix) FuelBreakdown() []FuelShare {
	out := make([]FuelShare, len(m.ordered))
	for i, idx := range m.ordered {
		out[i] = FuelShare{Fuel: m.fuels[idx].Fuel, Value: m.fuels[idx].GenerationMW}
	}
	return out
}

// FuelPercentages returns fuel → percent of total, descending, rounded to
// one decimal. Empty for a zero-total mix.
func (m FuelMix) FuelPercentages() []FuelShare {
	if m.totalMW <= 0 {
		return nil
	}
	out := make([]FuelShare, len(m.ordered))
	for i, idx := range m.ordered {
		pct := m.fuels[idx].GenerationMW / m.totalMW * 100
		out[i] = FuelShare{Fuel: m.fuels[idx].Fuel, Value: math.Round(pct*10) / 10}
	}
	return out
}

// BreakdownMap returns the breakdown as a plain map for JSON persistence.
func (m FuelMix) BreakdownMap() map[string]float64 {
	out := make(map[string]float64, len(m.fuels))
	for _, f := range m.fuels {
		out[string(f.Fuel)] = f.GenerationMW
	}
	return out
}
