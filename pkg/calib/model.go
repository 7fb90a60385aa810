// Package calib models the per-device calibration of a mass-flow
// controller: a factory-fitted calibration polynomial mapping the raw
// instrument signal to factory-fluid flow, and a conversion polynomial
// correcting that flow for the user fluid. Both directions are supported;
// the inverse direction uses bounded bisection because the cubics have no
// closed-form inverse.
package calib

import (
	"errors"
	"fmt"
	"math"
)

const (
	// FullScale is the signal domain upper bound. Signals are percent of
	// factory full scale, 0–100.
	FullScale = 100.0

	// invertTolerance is the relative tolerance on the polynomial value at
	// which the root search is considered converged.
	invertTolerance = 1e-9

	// invertMaxIter bounds the bisection loop.
	invertMaxIter = 200
)

var (
	// ErrOutOfRange reports a flow or signal outside the calibrated range
	// of the device.
	ErrOutOfRange = errors.New("calibration target out of range")

	// ErrNoConvergence reports that the numerical inversion did not
	// converge within the iteration bound.
	ErrNoConvergence = errors.New("calibration inversion did not converge")
)

// RangeError describes an out-of-range calibration target.
type RangeError struct {
	Target float64 // requested value
	Lo, Hi float64 // attainable range
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("target %g outside calibrated range [%g, %g]", e.Target, e.Lo, e.Hi)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// Model converts between raw instrument signal, factory-calibrated flow,
// and user-fluid flow for a single device. Immutable after construction.
type Model struct {
	calib Poly // raw signal % -> calibrated %
	conv  Poly // calibrated % -> user-fluid %

	factoryCapacity float64 // full-scale flow in factory units
	capacity        float64 // full-scale flow in m³n/h for the user fluid
}

// New builds a Model from the cubic coefficient lists in the device
// configuration. Both capacities must be positive.
func New(calibPoly, convPoly []float64, factoryCapacity, capacity float64) (*Model, error) {
	cp, err := NewPoly(calibPoly)
	if err != nil {
		return nil, fmt.Errorf("calibration polynomial: %w", err)
	}
	vp, err := NewPoly(convPoly)
	if err != nil {
		return nil, fmt.Errorf("conversion polynomial: %w", err)
	}
	if factoryCapacity <= 0 {
		return nil, fmt.Errorf("factory capacity must be positive, got %g", factoryCapacity)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %g", capacity)
	}
	return &Model{
		calib:           cp,
		conv:            vp,
		factoryCapacity: factoryCapacity,
		capacity:        capacity,
	}, nil
}

// Capacity returns the device full-scale flow in m³n/h.
func (m *Model) Capacity() float64 { return m.capacity }

// FactoryCapacity returns the device full-scale flow in factory units.
func (m *Model) FactoryCapacity() float64 { return m.factoryCapacity }

// FactoryFlow applies the calibration polynomial to a raw signal (percent
// of full scale) and returns flow in factory units.
func (m *Model) FactoryFlow(signal float64) float64 {
	return m.calib.Eval(signal) / FullScale * m.factoryCapacity
}

// UserFlow applies the conversion polynomial to a factory-calibrated flow
// and rescales it to the user-fluid m³n/h basis.
func (m *Model) UserFlow(factoryFlow float64) float64 {
	pct := factoryFlow / m.factoryCapacity * FullScale
	return m.conv.Eval(pct) / FullScale * m.capacity
}

// Flow converts a raw signal all the way to user-fluid flow in m³n/h.
// The endpoints are exact: signal 0 is zero flow, signal 100 is full scale,
// regardless of polynomial residuals at the ends.
func (m *Model) Flow(signal float64) float64 {
	switch signal {
	case 0:
		return 0
	case FullScale:
		return m.capacity
	}
	return m.UserFlow(m.FactoryFlow(signal))
}

// SignalFromFactory inverts the calibration polynomial: the raw signal that
// produces the given factory-unit flow.
func (m *Model) SignalFromFactory(factoryFlow float64) (float64, error) {
	return invert(m.calib, factoryFlow/m.factoryCapacity*FullScale)
}

// FactoryFromUser inverts the conversion polynomial: the factory-unit flow
// equivalent to the given user-fluid flow in m³n/h.
func (m *Model) FactoryFromUser(userFlow float64) (float64, error) {
	if userFlow < 0 || userFlow > m.capacity {
		return 0, &RangeError{Target: userFlow, Lo: 0, Hi: m.capacity}
	}
	pct, err := invert(m.conv, userFlow/m.capacity*FullScale)
	if err != nil {
		return 0, err
	}
	return pct / FullScale * m.factoryCapacity, nil
}

// Signal converts a user-fluid flow in m³n/h to the raw signal to write to
// the device. The endpoints are exact, mirroring Flow.
func (m *Model) Signal(userFlow float64) (float64, error) {
	if userFlow < 0 || userFlow > m.capacity {
		return 0, &RangeError{Target: userFlow, Lo: 0, Hi: m.capacity}
	}
	switch userFlow {
	case 0:
		return 0, nil
	case m.capacity:
		return FullScale, nil
	}
	factory, err := m.FactoryFromUser(userFlow)
	if err != nil {
		return 0, err
	}
	return m.SignalFromFactory(factory)
}

// invert finds x in [0, FullScale] with p(x) == target by bisection.
// Calibration polynomials are monotonic over the instrument range, so a
// sign change over the bracket locates the root.
func invert(p Poly, target float64) (float64, error) {
	lo, hi := 0.0, FullScale
	flo := p.Eval(lo) - target
	fhi := p.Eval(hi) - target

	if flo == 0 {
		return lo, nil
	}
	if fhi == 0 {
		return hi, nil
	}
	if (flo > 0) == (fhi > 0) {
		return 0, &RangeError{Target: target, Lo: p.Eval(lo), Hi: p.Eval(hi)}
	}

	tol := invertTolerance * math.Max(1, math.Abs(target))
	for i := 0; i < invertMaxIter; i++ {
		mid := (lo + hi) / 2
		fmid := p.Eval(mid) - target
		if math.Abs(fmid) <= tol {
			return mid, nil
		}
		if (fmid > 0) == (fhi > 0) {
			hi, fhi = mid, fmid
		} else {
			lo, flo = mid, fmid
		}
	}
	return 0, ErrNoConvergence
}
