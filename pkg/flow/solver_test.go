package flow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ambient = Geometry{
	JetDiameter:   2.0,
	PilotDiameter: 8.0,
	Temperature:   298.0,
	Pressure:      101325.0,
}

func h2AirTarget(velocity, phi float64) Target {
	return Target{Fuel: "h2", Oxidizer: "air", Velocity: velocity, Phi: phi}
}

func TestArea(t *testing.T) {
	a, err := Area(2.0)
	require.NoError(t, err)
	assert.InEpsilon(t, math.Pi*1e-6, a, 1e-12)

	_, err = Area(0)
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = Area(-1)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestSolveStream_ComponentsSumToTotal(t *testing.T) {
	for _, phi := range []float64{0.4, 0.7, 1.0, 1.3, 2.0} {
		r, err := SolveStream(ambient.JetDiameter, ambient, h2AirTarget(100, phi))
		require.NoError(t, err, "phi=%g", phi)
		assert.InEpsilon(t, r.Total, r.Fuel+r.Oxidizer, 1e-12, "phi=%g", phi)
	}
}

func TestSolveStream_StoichiometricH2Air(t *testing.T) {
	// At phi=1 the H2:air split is the stoichiometric volume ratio,
	// about 1:2.38.
	r, err := SolveStream(2.0, ambient, h2AirTarget(100, 1.0))
	require.NoError(t, err)
	assert.InEpsilon(t, 2.381, r.Oxidizer/r.Fuel, 0.01)
}

func TestSolveStream_StandardNormalization(t *testing.T) {
	// At standard conditions no correction applies: Q_std = v·A·3600.
	g := ambient
	g.Temperature = StdTemperature
	g.Pressure = StdPressure

	r, err := SolveStream(2.0, g, h2AirTarget(100, 1.0))
	require.NoError(t, err)

	area, err := Area(2.0)
	require.NoError(t, err)
	assert.InEpsilon(t, 100*area*3600, r.Total, 1e-12)

	// Warmer gas holds less mass: same velocity at 298 K gives less
	// standard flow.
	warm, err := SolveStream(2.0, ambient, h2AirTarget(100, 1.0))
	require.NoError(t, err)
	assert.Less(t, warm.Total, r.Total)
	assert.InEpsilon(t, StdTemperature/298.0, warm.Total/r.Total, 1e-9)
}

func TestSolveStream_MassFlowPositive(t *testing.T) {
	r, err := SolveStream(2.0, ambient, h2AirTarget(100, 0.4))
	require.NoError(t, err)
	assert.Greater(t, r.Mass, 0.0)

	// Air dominates the mixture mass at lean conditions.
	assert.Greater(t, r.Oxidizer, r.Fuel)
}

func TestSolveStream_Validation(t *testing.T) {
	tests := []struct {
		name     string
		diameter float64
		geom     Geometry
		target   Target
		wantErr  error
	}{
		{name: "zero diameter", diameter: 0, geom: ambient, target: h2AirTarget(100, 1), wantErr: ErrInvalidGeometry},
		{name: "zero phi", diameter: 2, geom: ambient, target: h2AirTarget(100, 0), wantErr: ErrInvalidEquivalenceRatio},
		{name: "negative phi", diameter: 2, geom: ambient, target: h2AirTarget(100, -0.5), wantErr: ErrInvalidEquivalenceRatio},
		{name: "zero velocity", diameter: 2, geom: ambient, target: h2AirTarget(0, 1), wantErr: ErrInvalidTarget},
		{
			name:     "zero temperature",
			diameter: 2,
			geom:     Geometry{JetDiameter: 2, Temperature: 0, Pressure: 101325},
			target:   h2AirTarget(100, 1),
			wantErr:  ErrInvalidAmbient,
		},
		{
			name:     "non-fuel species",
			diameter: 2,
			geom:     ambient,
			target:   Target{Fuel: "n2", Oxidizer: "air", Velocity: 100, Phi: 1},
			wantErr:  ErrInvalidTarget,
		},
		{
			name:     "non-oxidizer species",
			diameter: 2,
			geom:     ambient,
			target:   Target{Fuel: "h2", Oxidizer: "n2", Velocity: 100, Phi: 1},
			wantErr:  ErrInvalidTarget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SolveStream(tt.diameter, tt.geom, tt.target)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEquivalenceRatio_InvertsSplit(t *testing.T) {
	for _, phi := range []float64{0.4, 1.0, 1.6} {
		r, err := SolveStream(2.0, ambient, h2AirTarget(100, phi))
		require.NoError(t, err)

		got, err := EquivalenceRatio("h2", "air", r.Fuel, r.Oxidizer)
		require.NoError(t, err)
		assert.InEpsilon(t, phi, got, 1e-9, "phi=%g", phi)
	}
}

func TestVelocity_InvertsNormalization(t *testing.T) {
	r, err := SolveStream(2.0, ambient, h2AirTarget(85, 1.0))
	require.NoError(t, err)

	v, err := Velocity(2.0, ambient, r.Total)
	require.NoError(t, err)
	assert.InEpsilon(t, 85.0, v, 1e-9)
}

func TestSolve_BothStreams(t *testing.T) {
	sol, err := Solve(ambient, h2AirTarget(100, 0.4), h2AirTarget(2, 1.0))
	require.NoError(t, err)
	assert.Greater(t, sol.Jet.Total, sol.Pilot.Total)

	_, err = Solve(Geometry{JetDiameter: 2, PilotDiameter: 0, Temperature: 298, Pressure: 101325},
		h2AirTarget(100, 0.4), h2AirTarget(2, 1.0))
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestSolveStream_PureO2Oxidizer(t *testing.T) {
	// With pure O2 the oxidizer demand drops by the O2 fraction of air.
	air, err := SolveStream(2.0, ambient, h2AirTarget(100, 1.0))
	require.NoError(t, err)

	o2, err := SolveStream(2.0, ambient, Target{Fuel: "h2", Oxidizer: "o2", Velocity: 100, Phi: 1.0})
	require.NoError(t, err)

	assert.InEpsilon(t, 0.5, o2.Oxidizer/o2.Fuel, 1e-9)
	assert.Greater(t, air.Oxidizer/air.Fuel, o2.Oxidizer/o2.Fuel)
}
