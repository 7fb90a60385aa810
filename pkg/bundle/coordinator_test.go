package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burnerlab/gomfc/pkg/config"
	"github.com/burnerlab/gomfc/pkg/registry"
)

// jet_h2 carries two devices (0.5 and 0.75 m³n/h), pilot_h2 one device
// (1.0 m³n/h): the load-sharing and the single-device paths.
func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	identity := []float64{0, 1, 0, 0}
	cfg := config.Default()
	cfg.Bundles = []string{"jet_h2", "pilot_h2"}
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

func TestDistribute_SingleDevice(t *testing.T) {
	c := New(testRegistry(t))

	shares, err := c.Distribute("pilot_h2", 0.8)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, "M23208427A", shares[0].Device.Serial)
	assert.Equal(t, 0.8, shares[0].Flow)
}

func TestDistribute_SingleDeviceOverCapacity(t *testing.T) {
	c := New(testRegistry(t))

	_, err := c.Distribute("pilot_h2", 1.5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "pilot_h2", capErr.Bundle)
	assert.Equal(t, 1.5, capErr.Target)
	assert.Equal(t, 1.0, capErr.Capacity)
}

func TestDistribute_ProportionalSplit(t *testing.T) {
	c := New(testRegistry(t))

	shares, err := c.Distribute("jet_h2", 1.0)
	require.NoError(t, err)
	require.Len(t, shares, 2)

	// Proportional to 0.5 : 0.75 capacity.
	assert.InDelta(t, 0.4, shares[0].Flow, 1e-12)
	assert.InDelta(t, 0.6, shares[1].Flow, 1e-12)

	var sum float64
	for _, s := range shares {
		assert.LessOrEqual(t, s.Flow, s.Device.Capacity)
		sum += s.Flow
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestDistribute_AggregateShortfall(t *testing.T) {
	c := New(testRegistry(t))

	_, err := c.Distribute("jet_h2", 1.3)
	require.Error(t, err)

	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "jet_h2", capErr.Bundle)
	assert.InDelta(t, 1.25, capErr.Capacity, 1e-12)
}

func TestDistribute_SharesNeverExceedCapacity(t *testing.T) {
	c := New(testRegistry(t))

	for _, target := range []float64{0.01, 0.3, 0.62, 1.0, 1.249} {
		shares, err := c.Distribute("jet_h2", target)
		require.NoError(t, err, "target %g", target)

		var sum float64
		for _, s := range shares {
			assert.LessOrEqual(t, s.Flow, s.Device.Capacity, "target %g", target)
			sum += s.Flow
		}
		assert.InDelta(t, target, sum, 1e-12, "target %g", target)
	}
}

func TestDistribute_Validation(t *testing.T) {
	c := New(testRegistry(t))

	_, err := c.Distribute("coflow_n2", 0.5)
	assert.ErrorIs(t, err, registry.ErrUnknownBundle)

	_, err = c.Distribute("jet_h2", -0.1)
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	c := New(testRegistry(t))

	// 0.4 fits both windows; the smaller device wins.
	dev, err := c.Select("jet_h2", 0.4, 0)
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "M23208425A", dev.Serial)

	// 0.6 only fits the 0.75 device.
	dev, err = c.Select("jet_h2", 0.6, 0)
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "M23208425B", dev.Serial)

	// Below every cutoff window.
	dev, err = c.Select("jet_h2", 0.01, 0)
	require.NoError(t, err)
	assert.Nil(t, dev)

	// Above every capacity.
	dev, err = c.Select("jet_h2", 0.9, 0)
	require.NoError(t, err)
	assert.Nil(t, dev)
}

func TestAggregate(t *testing.T) {
	c := New(testRegistry(t))

	sum, err := c.Aggregate("jet_h2", map[string]float64{
		"M23208425A": 0.41,
		"M23208425B": 0.58,
		"M23208427A": 0.2, // different bundle, ignored
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.99, sum, 1e-12)

	_, err = c.Aggregate("coflow_n2", nil)
	assert.ErrorIs(t, err, registry.ErrUnknownBundle)
}
