// Package bundle fans a single logical flow stream out across the physical
// devices assigned to its bundle, and fans per-device telemetry back into
// one bundle-level reading.
package bundle

import (
	"errors"
	"fmt"

	"github.com/burnerlab/gomfc/pkg/registry"
)

// DefaultCutoff is the fraction of device capacity below which an MFC
// meters poorly; Select skips devices whose accurate window does not
// contain the requested flow.
const DefaultCutoff = 0.10

// ErrCapacityExceeded reports a target flow the bundle cannot carry.
var ErrCapacityExceeded = errors.New("bundle capacity exceeded")

// CapacityError names the bundle and quantifies the shortfall.
type CapacityError struct {
	Bundle   string
	Target   float64 // requested flow, m³n/h
	Capacity float64 // aggregate bundle capacity, m³n/h
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("bundle %s: target %g m³n/h exceeds capacity %g m³n/h (short %g)",
		e.Bundle, e.Target, e.Capacity, e.Target-e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// Share is one device's slice of a distributed bundle flow.
type Share struct {
	Device *registry.Device
	Flow   float64 // m³n/h
}

// Coordinator distributes bundle-level flows across devices. Stateless
// apart from the registry reference; safe for concurrent use.
type Coordinator struct {
	reg *registry.Registry
}

// New creates a Coordinator over the given registry.
func New(reg *registry.Registry) *Coordinator {
	return &Coordinator{reg: reg}
}

// Distribute splits targetFlow across the bundle's devices proportionally
// to capacity. A single-device bundle receives the full flow. The shares
// sum to targetFlow and no share exceeds its device's capacity; if the
// aggregate capacity is insufficient the whole call fails with a
// CapacityError and nothing is assigned.
func (c *Coordinator) Distribute(name string, targetFlow float64) ([]Share, error) {
	if targetFlow < 0 {
		return nil, fmt.Errorf("bundle %s: negative target flow %g", name, targetFlow)
	}
	devs, err := c.reg.Bundle(name)
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("bundle %s has no devices", name)
	}

	var total float64
	for _, d := range devs {
		total += d.Capacity
	}
	if targetFlow > total {
		return nil, &CapacityError{Bundle: name, Target: targetFlow, Capacity: total}
	}

	shares := make([]Share, len(devs))
	for i, d := range devs {
		shares[i] = Share{Device: d, Flow: targetFlow * d.Capacity / total}
	}
	return shares, nil
}

// Select picks the single device in the bundle best suited to carry
// targetFlow alone: the smallest device whose accurate metering window
// [cutoff·capacity, capacity] contains the target. cutoff <= 0 uses
// DefaultCutoff. Returns nil if no device window fits.
func (c *Coordinator) Select(name string, targetFlow, cutoff float64) (*registry.Device, error) {
	if cutoff <= 0 {
		cutoff = DefaultCutoff
	}
	devs, err := c.reg.Bundle(name)
	if err != nil {
		return nil, err
	}

	var best *registry.Device
	for _, d := range devs {
		if targetFlow < cutoff*d.Capacity || targetFlow > d.Capacity {
			continue
		}
		if best == nil || d.Capacity < best.Capacity {
			best = d
		}
	}
	return best, nil
}

// Aggregate sums per-device actual flows back into one bundle-level
// reading. Readings for serials outside the bundle are ignored.
func (c *Coordinator) Aggregate(name string, readings map[string]float64) (float64, error) {
	devs, err := c.reg.Bundle(name)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, d := range devs {
		if f, ok := readings[d.Serial]; ok {
			sum += f
		}
	}
	return sum, nil
}
