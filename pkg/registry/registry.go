// Package registry holds the immutable device table built from the rig
// configuration: one calibration model per MFC, grouped into named
// bundles. The table is built once at startup; Reload swaps it atomically
// under an exclusive lock.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/burnerlab/gomfc/pkg/calib"
	"github.com/burnerlab/gomfc/pkg/config"
	"github.com/burnerlab/gomfc/pkg/gas"
)

var (
	// ErrDuplicateSerial reports two device records sharing a serial number.
	ErrDuplicateSerial = errors.New("duplicate device serial")

	// ErrMalformedPolynomial reports a coefficient list that is not cubic.
	ErrMalformedPolynomial = errors.New("malformed calibration polynomial")

	// ErrUnknownBundle reports a bundle name that is not declared in the
	// configuration.
	ErrUnknownBundle = errors.New("unknown bundle")

	// ErrUnknownDevice reports a serial with no device record.
	ErrUnknownDevice = errors.New("unknown device")
)

// Device is one physical MFC: its identity, fluid assignment, and
// calibration model. Immutable after registry construction.
type Device struct {
	Serial          string
	Bundle          string
	UserFluid       string
	FactoryFluid    string
	FactoryUnit     string
	FactoryCapacity float64
	Capacity        float64 // m³n/h
	LastCalibration string

	Model *calib.Model
}

// Registry indexes devices by serial and by bundle. Read-mostly: lookups
// take a read lock, Reload takes the write lock and therefore waits for
// in-flight readers to drain.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	bundles map[string][]*Device
	log     *slog.Logger
}

// New builds a Registry from the configuration. Any malformed or
// duplicate record fails construction; these are startup-fatal.
func New(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{log: logger}
	devices, bundles, err := build(cfg, logger)
	if err != nil {
		return nil, err
	}
	r.devices = devices
	r.bundles = bundles
	return r, nil
}

// Reload replaces the device table from a new configuration. It blocks
// until current readers finish; dispatch operations started after Reload
// returns see the new table.
func (r *Registry) Reload(cfg *config.Config) error {
	devices, bundles, err := build(cfg, r.log)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = devices
	r.bundles = bundles
	return nil
}

func build(cfg *config.Config, logger *slog.Logger) (map[string]*Device, map[string][]*Device, error) {
	declared := make(map[string]bool, len(cfg.Bundles))
	for _, name := range cfg.Bundles {
		declared[name] = true
	}
	validFluids := make(map[string]bool)
	for _, f := range cfg.Setup.Fluids() {
		validFluids[f] = true
	}

	devices := make(map[string]*Device, len(cfg.Devices))
	bundles := make(map[string][]*Device, len(cfg.Bundles))
	for name := range declared {
		bundles[name] = nil
	}

	// Iterate serials in sorted order so bundle membership order is
	// deterministic across loads.
	serials := make([]string, 0, len(cfg.Devices))
	for serial := range cfg.Devices {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	for _, serial := range serials {
		dc := cfg.Devices[serial]
		if _, exists := devices[dc.Serial]; exists {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateSerial, dc.Serial)
		}
		if !declared[dc.Bundle] {
			return nil, nil, fmt.Errorf("device %s: %w: %q", dc.Serial, ErrUnknownBundle, dc.Bundle)
		}
		if len(dc.CalibPoly) != calib.Degree+1 {
			return nil, nil, fmt.Errorf("device %s: %w: calib_poly has %d coefficients", dc.Serial, ErrMalformedPolynomial, len(dc.CalibPoly))
		}
		if len(dc.ConvPoly) != calib.Degree+1 {
			return nil, nil, fmt.Errorf("device %s: %w: conv_poly has %d coefficients", dc.Serial, ErrMalformedPolynomial, len(dc.ConvPoly))
		}

		model, err := calib.New(dc.CalibPoly, dc.ConvPoly, dc.FactoryCapacity, dc.Capacity)
		if err != nil {
			return nil, nil, fmt.Errorf("device %s: %w", dc.Serial, err)
		}

		if !validFluids[dc.UserFluid] {
			logger.Warn("device fluid not declared in setup",
				"serial", dc.Serial, "fluid", dc.UserFluid)
		}
		if !gas.Known(dc.UserFluid) {
			logger.Warn("device fluid has no gas property entry",
				"serial", dc.Serial, "fluid", dc.UserFluid)
		}

		dev := &Device{
			Serial:          dc.Serial,
			Bundle:          dc.Bundle,
			UserFluid:       dc.UserFluid,
			FactoryFluid:    dc.FactoryFluid,
			FactoryUnit:     dc.FactoryUnit,
			FactoryCapacity: dc.FactoryCapacity,
			Capacity:        dc.Capacity,
			LastCalibration: dc.LastCalibration,
			Model:           model,
		}
		devices[dev.Serial] = dev
		bundles[dev.Bundle] = append(bundles[dev.Bundle], dev)
	}

	return devices, bundles, nil
}

// Device returns the device with the given serial.
func (r *Registry) Device(serial string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[serial]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	return dev, nil
}

// Bundle returns the ordered devices assigned to the named bundle.
func (r *Registry) Bundle(name string) ([]*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devs, ok := r.bundles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBundle, name)
	}
	out := make([]*Device, len(devs))
	copy(out, devs)
	return out, nil
}

// BundleNames returns all declared bundle names, sorted.
func (r *Registry) BundleNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bundles))
	for name := range r.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serials returns all device serials, sorted.
func (r *Registry) Serials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	serials := make([]string, 0, len(r.devices))
	for s := range r.devices {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	return serials
}
