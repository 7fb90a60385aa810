// Package flow converts burner-level physical intent (orifice geometry,
// flow speed, equivalence ratio, ambient conditions) into standard
// volumetric flow rates per gas stream. All functions are pure and safe to
// call from any goroutine.
package flow

import (
	"errors"
	"fmt"
	"math"

	"github.com/burnerlab/gomfc/pkg/gas"
)

// Standard reference conditions used to normalize volumetric flow (m³n).
const (
	StdTemperature = 273.15 // K
	StdPressure    = 101325 // Pa
)

var (
	// ErrInvalidGeometry reports a non-positive orifice diameter.
	ErrInvalidGeometry = errors.New("invalid burner geometry")

	// ErrInvalidEquivalenceRatio reports a non-positive equivalence ratio.
	ErrInvalidEquivalenceRatio = errors.New("invalid equivalence ratio")

	// ErrInvalidAmbient reports non-physical ambient conditions.
	ErrInvalidAmbient = errors.New("invalid ambient conditions")

	// ErrInvalidTarget reports a non-positive flow speed or component flow.
	ErrInvalidTarget = errors.New("invalid flow target")
)

// Geometry describes the burner and its surroundings. Diameters in mm,
// temperature in K, pressure in Pa.
type Geometry struct {
	JetDiameter   float64
	PilotDiameter float64
	Temperature   float64
	Pressure      float64
}

// Target specifies the desired operating point of one stream (jet or
// pilot): the fuel and oxidizer species, the bulk flow speed through the
// orifice in m/s at ambient conditions, and the equivalence ratio.
type Target struct {
	Fuel     string
	Oxidizer string
	Velocity float64
	Phi      float64
}

// Rates holds the solved flow rates for one stream.
type Rates struct {
	Fuel     float64 // m³n/h
	Oxidizer float64 // m³n/h
	Total    float64 // m³n/h, Fuel + Oxidizer
	Mass     float64 // g/s
}

// Area returns the orifice cross-section in m² for a diameter in mm.
func Area(diameterMM float64) (float64, error) {
	if diameterMM <= 0 {
		return 0, fmt.Errorf("%w: diameter %g mm", ErrInvalidGeometry, diameterMM)
	}
	d := diameterMM / 1000
	return math.Pi * d * d / 4, nil
}

// stoichRatio returns the volumetric oxidizer requirement of one volume of
// fuel at stoichiometry, for the given fuel/oxidizer pair.
func stoichRatio(fuel, oxidizer string) (float64, error) {
	f, err := gas.Lookup(fuel)
	if err != nil {
		return 0, err
	}
	if !f.IsFuel() {
		return 0, fmt.Errorf("%w: %q is not a fuel", ErrInvalidTarget, fuel)
	}
	ox, err := gas.Lookup(oxidizer)
	if err != nil {
		return 0, err
	}
	if !ox.IsOxidizer() {
		return 0, fmt.Errorf("%w: %q is not an oxidizer", ErrInvalidTarget, oxidizer)
	}
	// The table stores the air requirement; rescale by the O2 content of
	// the actual oxidizer.
	return f.StoichAirRatio * 0.21 / ox.O2Fraction, nil
}

// SolveStream computes fuel and oxidizer flows for one stream through an
// orifice of the given diameter, at the geometry's ambient conditions.
func SolveStream(diameterMM float64, g Geometry, t Target) (Rates, error) {
	area, err := Area(diameterMM)
	if err != nil {
		return Rates{}, err
	}
	if g.Temperature <= 0 || g.Pressure <= 0 {
		return Rates{}, fmt.Errorf("%w: T=%g K, P=%g Pa", ErrInvalidAmbient, g.Temperature, g.Pressure)
	}
	if t.Phi <= 0 {
		return Rates{}, fmt.Errorf("%w: phi=%g", ErrInvalidEquivalenceRatio, t.Phi)
	}
	if t.Velocity <= 0 {
		return Rates{}, fmt.Errorf("%w: velocity %g m/s", ErrInvalidTarget, t.Velocity)
	}

	ratio, err := stoichRatio(t.Fuel, t.Oxidizer)
	if err != nil {
		return Rates{}, err
	}

	// Total volumetric flow at ambient, normalized to standard conditions
	// by ideal-gas correction, in m³n/h.
	q := t.Velocity * area
	qStd := q * (g.Pressure / StdPressure) * (StdTemperature / g.Temperature) * 3600

	// Split by equivalence ratio: the mixture is phi volumes of fuel per
	// `ratio` volumes of oxidizer at stoichiometry.
	qFuel := qStd * t.Phi / (t.Phi + ratio)
	qOx := qStd * ratio / (t.Phi + ratio)

	fp, _ := gas.Lookup(t.Fuel)
	op, _ := gas.Lookup(t.Oxidizer)
	mass := (qFuel*fp.StdDensity + qOx*op.StdDensity) / 3600 * 1000

	return Rates{
		Fuel:     qFuel,
		Oxidizer: qOx,
		Total:    qStd,
		Mass:     mass,
	}, nil
}

// Solution holds solved rates for both burner streams.
type Solution struct {
	Jet   Rates
	Pilot Rates
}

// Solve computes jet and pilot stream flows from the burner geometry and
// the two stream targets.
func Solve(g Geometry, jet, pilot Target) (Solution, error) {
	j, err := SolveStream(g.JetDiameter, g, jet)
	if err != nil {
		return Solution{}, fmt.Errorf("jet: %w", err)
	}
	p, err := SolveStream(g.PilotDiameter, g, pilot)
	if err != nil {
		return Solution{}, fmt.Errorf("pilot: %w", err)
	}
	return Solution{Jet: j, Pilot: p}, nil
}

// EquivalenceRatio recovers phi from two known component flows. It is the
// inverse of the SolveStream split and is used for validation and display.
func EquivalenceRatio(fuel, oxidizer string, qFuel, qOx float64) (float64, error) {
	if qFuel <= 0 || qOx <= 0 {
		return 0, fmt.Errorf("%w: fuel %g, oxidizer %g m³n/h", ErrInvalidTarget, qFuel, qOx)
	}
	ratio, err := stoichRatio(fuel, oxidizer)
	if err != nil {
		return 0, err
	}
	return ratio * qFuel / qOx, nil
}

// Velocity recovers the bulk flow speed in m/s at ambient conditions from
// a total standard flow in m³n/h, the orifice diameter, and the ambient
// conditions. It is the inverse of the normalization in SolveStream.
func Velocity(diameterMM float64, g Geometry, totalStd float64) (float64, error) {
	area, err := Area(diameterMM)
	if err != nil {
		return 0, err
	}
	if g.Temperature <= 0 || g.Pressure <= 0 {
		return 0, fmt.Errorf("%w: T=%g K, P=%g Pa", ErrInvalidAmbient, g.Temperature, g.Pressure)
	}
	if totalStd <= 0 {
		return 0, fmt.Errorf("%w: total flow %g m³n/h", ErrInvalidTarget, totalStd)
	}
	q := totalStd / 3600 / ((g.Pressure / StdPressure) * (StdTemperature / g.Temperature))
	return q / area, nil
}
