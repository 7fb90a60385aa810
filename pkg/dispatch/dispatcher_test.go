package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burnerlab/gomfc/pkg/bundle"
	"github.com/burnerlab/gomfc/pkg/calib"
	"github.com/burnerlab/gomfc/pkg/config"
	"github.com/burnerlab/gomfc/pkg/registry"
)

var identity = []float64{0, 1, 0, 0}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	cfg := config.Default()
	cfg.Bundles = []string{"jet_h2", "jet_air", "pilot_h2"}
	cfg.Devices = map[string]config.DeviceConfig{
		"M23208425A": {
			Serial: "M23208425A", Bundle: "jet_h2", UserFluid: "h2", FactoryFluid: "n2",
			ConvPoly: identity, CalibPoly: identity,
			FactoryUnit: "ln/min", FactoryCapacity: 20, Capacity: 0.5,
		},
		"M23208425B": {
			Serial: "M23208425B", Bundle: "jet_h2", UserFluid: "h2", FactoryFluid: "n2",
			ConvPoly: identity, CalibPoly: identity,
			FactoryUnit: "ln/min", FactoryCapacity: 30, Capacity: 0.75,
		},
		"M23208426A": {
			Serial: "M23208426A", Bundle: "jet_air", UserFluid: "air", FactoryFluid: "air",
			ConvPoly: identity, CalibPoly: identity,
			FactoryUnit: "m3n/h", FactoryCapacity: 5, Capacity: 5,
		},
		"M23208427A": {
			Serial: "M23208427A", Bundle: "pilot_h2", UserFluid: "h2", FactoryFluid: "n2",
			ConvPoly: identity, CalibPoly: identity,
			FactoryUnit: "ln/min", FactoryCapacity: 5, Capacity: 1.0,
		},
	}

	reg, err := registry.New(cfg, nil)
	require.NoError(t, err)
	return reg
}

func testDispatcher(t *testing.T) (*Dispatcher, *MockChannel) {
	t.Helper()
	reg := testRegistry(t)
	d := New(reg, bundle.New(reg), Options{})
	ch := NewMockChannel()
	d.Bind("rs232", ch)
	t.Cleanup(func() { _ = d.Close() })
	return d, ch
}

func TestApply_SingleDevice(t *testing.T) {
	d, ch := testDispatcher(t)

	res, err := d.Apply(context.Background(), "pilot_h2", 0.8)
	require.NoError(t, err)
	assert.True(t, res.Ok())
	require.Len(t, res.Devices, 1)

	// Identity polynomials: signal is percent of capacity.
	assert.InDelta(t, 80.0, res.Devices[0].Signal, 1e-6)

	writes := ch.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "M23208427A", writes[0].Serial)
	assert.InDelta(t, 80.0, writes[0].Signal, 1e-6)
}

func TestApply_CapacityExceeded_NoWrites(t *testing.T) {
	d, ch := testDispatcher(t)

	_, err := d.Apply(context.Background(), "pilot_h2", 1.5)
	require.Error(t, err)
	assert.ErrorIs(t, err, bundle.ErrCapacityExceeded)
	assert.Empty(t, ch.Writes(), "no device may receive a partial setpoint")
}

func TestApply_ProportionalSplit(t *testing.T) {
	d, ch := testDispatcher(t)

	res, err := d.Apply(context.Background(), "jet_h2", 1.0)
	require.NoError(t, err)
	assert.True(t, res.Ok())
	require.Len(t, res.Devices, 2)

	// 0.4 of 0.5 and 0.6 of 0.75 are both 80% of full scale.
	byDevice := map[string]float64{}
	for _, w := range ch.Writes() {
		byDevice[w.Serial] = w.Signal
	}
	assert.InDelta(t, 80.0, byDevice["M23208425A"], 1e-6)
	assert.InDelta(t, 80.0, byDevice["M23208425B"], 1e-6)
}

func TestApply_PartialFailureDoesNotAbortSiblings(t *testing.T) {
	d, ch := testDispatcher(t)
	ch.FailWrites("M23208425A", errors.New("crc mismatch"))

	res, err := d.Apply(context.Background(), "jet_h2", 1.0)
	require.NoError(t, err)
	assert.False(t, res.Ok())

	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "M23208425A", failed[0].Serial)

	var commErr *CommError
	require.ErrorAs(t, failed[0].Err, &commErr)
	assert.Equal(t, "M23208425A", commErr.Serial)

	// The sibling write still happened.
	writes := ch.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "M23208425B", writes[0].Serial)
}

func TestApply_CalibrationOutOfRange_NoWrite(t *testing.T) {
	// A conversion polynomial topping out at 90% cannot express a 96%
	// share; that device must not be written.
	reg := testRegistry(t)
	cfg := config.Default()
	cfg.Bundles = []string{"pilot_h2"}
	cfg.Devices = map[string]config.DeviceConfig{
		"M23208427A": {
			Serial: "M23208427A", Bundle: "pilot_h2", UserFluid: "h2", FactoryFluid: "n2",
			ConvPoly: []float64{0, 0.9, 0, 0}, CalibPoly: identity,
			FactoryUnit: "ln/min", FactoryCapacity: 5, Capacity: 1.0,
		},
	}
	require.NoError(t, reg.Reload(cfg))

	d := New(reg, bundle.New(reg), Options{})
	ch := NewMockChannel()
	d.Bind("rs232", ch)
	t.Cleanup(func() { _ = d.Close() })

	res, err := d.Apply(context.Background(), "pilot_h2", 0.96)
	require.NoError(t, err)
	assert.False(t, res.Ok())
	assert.ErrorIs(t, res.Devices[0].Err, calib.ErrOutOfRange)
	assert.Empty(t, ch.Writes())
}

func TestPoll_Aggregates(t *testing.T) {
	d, ch := testDispatcher(t)
	ch.SetSignal("M23208425A", 40) // 0.2 m³n/h
	ch.SetSignal("M23208425B", 40) // 0.3 m³n/h

	res, err := d.Poll(context.Background(), "jet_h2")
	require.NoError(t, err)
	assert.True(t, res.Ok())
	assert.InDelta(t, 0.5, res.Flow, 1e-9)
}

func TestPoll_PartialFailureKeepsSiblingReadings(t *testing.T) {
	d, ch := testDispatcher(t)
	ch.SetSignal("M23208425A", 40)
	ch.SetSignal("M23208425B", 40)
	ch.FailReads("M23208425B", errors.New("no reply"))

	res, err := d.Poll(context.Background(), "jet_h2")
	require.NoError(t, err)
	assert.False(t, res.Ok())

	// The healthy device's reading survives.
	assert.InDelta(t, 0.2, res.Flow, 1e-9)

	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "M23208425B", failed[0].Serial)

	var commErr *CommError
	assert.ErrorAs(t, failed[0].Err, &commErr)
}

func TestPoll_UnknownBundle(t *testing.T) {
	d, _ := testDispatcher(t)

	_, err := d.Poll(context.Background(), "coflow_n2")
	assert.ErrorIs(t, err, registry.ErrUnknownBundle)
}

func TestApply_UnboundDevice(t *testing.T) {
	reg := testRegistry(t)
	d := New(reg, bundle.New(reg), Options{})
	t.Cleanup(func() { _ = d.Close() })

	res, err := d.Apply(context.Background(), "pilot_h2", 0.5)
	require.NoError(t, err)
	require.Len(t, res.Failed(), 1)
	assert.ErrorIs(t, res.Failed()[0].Err, ErrNoChannel)
}

func TestAbortAll(t *testing.T) {
	d, ch := testDispatcher(t)

	_, err := d.Apply(context.Background(), "jet_h2", 1.0)
	require.NoError(t, err)

	results := d.AbortAll(context.Background())
	require.Len(t, results, 4)
	for _, r := range results {
		assert.NoError(t, r.Err, "serial %s", r.Serial)
	}

	for _, serial := range []string{"M23208425A", "M23208425B", "M23208426A", "M23208427A"} {
		sig, err := ch.ReadSignal(context.Background(), serial)
		require.NoError(t, err)
		assert.Equal(t, 0.0, sig, "serial %s", serial)
	}
}

func TestSoftAbort_OnlyFuelDevices(t *testing.T) {
	d, ch := testDispatcher(t)

	// Run the air stream and a fuel stream.
	_, err := d.Apply(context.Background(), "jet_air", 2.5)
	require.NoError(t, err)
	_, err = d.Apply(context.Background(), "jet_h2", 1.0)
	require.NoError(t, err)

	results := d.SoftAbort(context.Background(), []string{"h2"})
	require.Len(t, results, 3) // the three h2 devices

	// Fuel devices zeroed, air untouched.
	sig, err := ch.ReadSignal(context.Background(), "M23208425A")
	require.NoError(t, err)
	assert.Equal(t, 0.0, sig)

	sig, err = ch.ReadSignal(context.Background(), "M23208426A")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, sig, 1e-6)
}
