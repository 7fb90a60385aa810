// Package gas holds the combustion-relevant properties of the gas species
// the rig is plumbed for. Properties are table-driven and looked up by the
// species identifiers used in the setup configuration, so adding a fuel is
// a table entry, not a code change.
package gas

import (
	"errors"
	"fmt"
)

// ErrUnknownSpecies reports a species identifier with no table entry.
var ErrUnknownSpecies = errors.New("unknown gas species")

// Properties describes one gas species.
type Properties struct {
	// Name is the species identifier used in configuration files.
	Name string

	// StoichAirRatio is the volumetric air requirement for stoichiometric
	// combustion of one volume of this species. Zero for non-fuels.
	StoichAirRatio float64

	// O2Fraction is the volumetric O2 content of the species when used as
	// an oxidizer. Zero for everything else.
	O2Fraction float64

	// StdDensity is the density in kg/m³ at standard conditions
	// (273.15 K, 101325 Pa).
	StdDensity float64
}

// IsFuel reports whether the species has a combustion air requirement.
func (p Properties) IsFuel() bool { return p.StoichAirRatio > 0 }

// IsOxidizer reports whether the species carries oxygen.
func (p Properties) IsOxidizer() bool { return p.O2Fraction > 0 }

// Air is 21% O2 / 79% N2 by volume; stoichiometric air ratios follow from
// the O2 demand of the global reaction (H2 + ½O2, CH4 + 2O2).
var table = map[string]Properties{
	"h2":  {Name: "h2", StoichAirRatio: 0.5 / 0.21, StdDensity: 0.0899},
	"ch4": {Name: "ch4", StoichAirRatio: 2.0 / 0.21, StdDensity: 0.7168},
	"air": {Name: "air", O2Fraction: 0.21, StdDensity: 1.2922},
	"o2":  {Name: "o2", O2Fraction: 1.0, StdDensity: 1.4290},
	"n2":  {Name: "n2", StdDensity: 1.2504},
	"co2": {Name: "co2", StdDensity: 1.9770},
	"ar":  {Name: "ar", StdDensity: 1.7840},
}

// Lookup returns the properties of the named species.
func Lookup(name string) (Properties, error) {
	p, ok := table[name]
	if !ok {
		return Properties{}, fmt.Errorf("%w: %q", ErrUnknownSpecies, name)
	}
	return p, nil
}

// Known reports whether the species has a table entry.
func Known(name string) bool {
	_, ok := table[name]
	return ok
}
