// Package carbon holds the domain model for NYISO grid carbon accounting:
// fuel categories, emission factors, fuel-mix snapshots and the derived
// carbon-intensity values with their classification.
package carbon

import (
	"fmt"
	"strings"
)

// DefaultRegion names the grid operator these categories and emission
// factors describe.
const DefaultRegion = "NYISO"

// FuelCategory identifies one of the 7 fuel categories NYISO reports in its
// real-time fuel mix data. The value is the canonical NYISO label, which is
// also what gets persisted.
type FuelCategory string

const (
	DualFuel        FuelCategory = "Dual Fuel"
	NaturalGas      FuelCategory = "Natural Gas"
	Nuclear         FuelCategory = "Nuclear"
	OtherFossil     FuelCategory = "Other Fossil Fuels"
	OtherRenewables FuelCategory = "Other Renewables"
	Wind            FuelCategory = "Wind"
	Hydro           FuelCategory = "Hydro"
)

// AllFuelCategories lists every category in canonical order.
var AllFuelCategories = []FuelCategory{
	DualFuel,
	NaturalGas,
	Nuclear,
	OtherFossil,
	OtherRenewables,
	Wind,
	Hydro,
}

// fuelAliases maps normalized upstream labels to categories. NYISO datasets
// vary slightly in labeling ("Other Fossil" vs "Other Fossil Fuels").
var fuelAliases = map[string]FuelCategory{
	"dual fuel":          DualFuel,
	"natural gas":        NaturalGas,
	"nuclear":            Nuclear,
	"other fossil fuels": OtherFossil,
	"other fossil":       OtherFossil,
	"other renewables":   OtherRenewables,
	"wind":               Wind,
	"hydro":              Hydro,
}

// UnknownFuelCategoryError indicates NYISO returned a fuel category we have
// no emission factor for.
type UnknownFuelCategoryError struct {
	Label string
}

func (e *UnknownFuelCategoryError) Error() string {
	known := make([]string, len(AllFuelCategories))
	for i, c := range AllFuelCategories {
		known[i] = string(c)
	}
	return fmt.Sprintf("unknown NYISO fuel category %q (known categories: %s)",
		e.Label, strings.Join(known, ", "))
}

// ParseFuelCategory parses an upstream fuel label, tolerating case and
// surrounding whitespace variations.
func ParseFuelCategory(label string) (FuelCategory, error) {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if fuel, ok := fuelAliases[normalized]; ok {
		return fuel, nil
	}
	return "", &UnknownFuelCategoryError{Label: label}
}

// IsClean reports whether the category has a zero emission factor.
func (f FuelCategory) IsClean() bool {
	return Factor(f) == 0
}
