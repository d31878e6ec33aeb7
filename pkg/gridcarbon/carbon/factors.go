package carbon

// EmissionFactor maps one fuel category to its direct-combustion CO2 factor.
// Factors are direct combustion (not lifecycle), matching EPA eGRID
// methodology for Scope 2 accounting. They derive from EPA eGRID 2022
// NYCW/NYUP subregion data cross-referenced with EIA plant-level heat rates.
type EmissionFactor struct {
	Fuel           FuelCategory `json:"fuel"`
	GramsCO2PerKWh float64      `json:"grams_co2_per_kwh"`
	Source         string       `json:"source"`
}

// Methodology identifies the accounting basis for all factors in this table.
const Methodology = "direct_combustion"

var emissionFactors = map[FuelCategory]EmissionFactor{
	NaturalGas: {
		Fuel:           NaturalGas,
		GramsCO2PerKWh: 450,
		Source:         "EPA eGRID 2022 NYCW/NYUP weighted average for gas fleet",
	},
	DualFuel: {
		Fuel:           DualFuel,
		GramsCO2PerKWh: 480,
		Source:         "EPA eGRID 2022, NYC dual-fuel plants (predominantly gas operation)",
	},
	Nuclear: {
		Fuel:           Nuclear,
		GramsCO2PerKWh: 0,
		Source:         "Zero direct combustion emissions",
	},
	Hydro: {
		Fuel:           Hydro,
		GramsCO2PerKWh: 0,
		Source:         "Zero direct combustion emissions",
	},
	Wind: {
		Fuel:           Wind,
		GramsCO2PerKWh: 0,
		Source:         "Zero direct combustion emissions",
	},
	OtherRenewables: {
		Fuel:           OtherRenewables,
		GramsCO2PerKWh: 0,
		Source:         "Biomass/landfill gas treated as carbon-neutral by convention",
	},
	OtherFossil: {
		Fuel:           OtherFossil,
		GramsCO2PerKWh: 840,
		Source:         "EPA eGRID 2022 weighted average for oil/coal in NYISO",
	},
}

// Factor returns the emission factor in gCO2/kWh for a fuel category.
// Unknown categories return 0; parsing guarantees callers only hold known ones.
func Factor(fuel FuelCategory) float64 {
	return emissionFactors[fuel].GramsCO2PerKWh
}

// Factors returns all emission factors in canonical category order.
func Factors() []EmissionFactor {
	out := make([]EmissionFactor, 0, len(AllFuelCategories))
	for _, fuel := range AllFuelCategories {
		out = append(out, emissionFactors[fuel])
	}
	return out
}
