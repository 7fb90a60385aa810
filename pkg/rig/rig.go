// Package rig wires the solver, registry, coordinator, and dispatcher
// into the surface the UI consumes: solve burner targets into per-bundle
// flows, dispatch them, and poll them back.
package rig

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/burnerlab/gomfc/pkg/bundle"
	"github.com/burnerlab/gomfc/pkg/config"
	"github.com/burnerlab/gomfc/pkg/dispatch"
	"github.com/burnerlab/gomfc/pkg/flow"
	"github.com/burnerlab/gomfc/pkg/registry"
)

// Rig owns the computational core of the burner control stack.
type Rig struct {
	cfg   *config.Config
	reg   *registry.Registry
	coord *bundle.Coordinator
	disp  *dispatch.Dispatcher
	log   *slog.Logger
}

// Options configures a Rig.
type Options struct {
	Logger  *slog.Logger
	Metrics *dispatch.Metrics
}

// New builds the registry from the configuration and assembles the stack.
// Configuration errors are fatal here, before any device I/O is possible.
func New(cfg *config.Config, opts Options) (*Rig, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := registry.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building device registry: %w", err)
	}
	coord := bundle.New(reg)
	disp := dispatch.New(reg, coord, dispatch.Options{
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	return &Rig{
		cfg:   cfg,
		reg:   reg,
		coord: coord,
		disp:  disp,
		log:   logger,
	}, nil
}

// Bind attaches a device channel; see dispatch.Dispatcher.Bind.
func (r *Rig) Bind(name string, ch dispatch.Channel, serials ...string) {
	r.disp.Bind(name, ch, serials...)
}

// Registry exposes the device table for display wiring.
func (r *Rig) Registry() *registry.Registry { return r.reg }

// Close shuts down all device channels.
func (r *Rig) Close() error { return r.disp.Close() }

// Solve computes per-bundle target flows from burner geometry and stream
// targets. Bundle names follow the stream_fluid convention of the
// configuration ("jet_h2", "pilot_air"); a solved stream whose bundle is
// not declared is an error, so flow never silently vanishes.
func (r *Rig) Solve(g flow.Geometry, jet, pilot flow.Target) (map[string]float64, flow.Solution, error) {
	sol, err := flow.Solve(g, jet, pilot)
	if err != nil {
		return nil, flow.Solution{}, err
	}

	flows := map[string]float64{
		"jet_" + jet.Fuel:         sol.Jet.Fuel,
		"jet_" + jet.Oxidizer:     sol.Jet.Oxidizer,
		"pilot_" + pilot.Fuel:     sol.Pilot.Fuel,
		"pilot_" + pilot.Oxidizer: sol.Pilot.Oxidizer,
	}
	for name := range flows {
		if _, err := r.reg.Bundle(name); err != nil {
			return nil, flow.Solution{}, fmt.Errorf("solved stream has no devices: %w", err)
		}
	}
	return flows, sol, nil
}

// Dispatch applies one bundle-level target flow.
func (r *Rig) Dispatch(ctx context.Context, bundleName string, targetFlow float64) (dispatch.Result, error) {
	return r.disp.Apply(ctx, bundleName, targetFlow)
}

// DispatchAll applies a full set of solved per-bundle flows. Validation
// runs for every bundle before any device write, so an oversized stream
// rejects the whole operating point instead of lighting half the burner.
func (r *Rig) DispatchAll(ctx context.Context, flows map[string]float64) (map[string]dispatch.Result, error) {
	for name, f := range flows {
		if _, err := r.coord.Distribute(name, f); err != nil {
			return nil, err
		}
	}
	results := make(map[string]dispatch.Result, len(flows))
	for name, f := range flows {
		res, err := r.disp.Apply(ctx, name, f)
		if err != nil {
			return results, err
		}
		results[name] = res
	}
	return results, nil
}

// Poll reads one bundle's aggregate actual flow.
func (r *Rig) Poll(ctx context.Context, bundleName string) (dispatch.Result, error) {
	return r.disp.Poll(ctx, bundleName)
}

// AbortAll zeroes every MFC on the rig.
func (r *Rig) AbortAll(ctx context.Context) []dispatch.DeviceResult {
	r.log.Warn("abort: zeroing all devices")
	return r.disp.AbortAll(ctx)
}

// SoftAbort zeroes the fuel streams only, leaving air and inert gas
// flowing to purge the burner.
func (r *Rig) SoftAbort(ctx context.Context) []dispatch.DeviceResult {
	r.log.Warn("soft abort: zeroing fuel devices", "fuels", r.cfg.Setup.Fuels)
	return r.disp.SoftAbort(ctx, r.cfg.Setup.Fuels)
}

// Reload swaps the device table for a new configuration. In-flight
// dispatch operations finish against the old table first.
func (r *Rig) Reload(cfg *config.Config) error {
	if err := r.reg.Reload(cfg); err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}
