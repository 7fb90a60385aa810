// Package dispatch translates bundle-level target flows into per-device
// raw setpoints and issues them over the device channels, and reads
// telemetry back the reverse way. Per-device failures are reported
// individually and never abort sibling devices in the same call.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/burnerlab/gomfc/pkg/bundle"
	"github.com/burnerlab/gomfc/pkg/registry"
)

// DeviceResult is the per-device outcome of an Apply or Poll call.
type DeviceResult struct {
	Serial string
	Flow   float64 // m³n/h: target share for Apply, measured flow for Poll
	Signal float64 // percent of full scale
	Err    error
}

// Result is the outcome of one logical bundle operation. Flow is the
// requested flow for Apply and the aggregated measured flow (successful
// devices only) for Poll.
type Result struct {
	Bundle  string
	Flow    float64
	Devices []DeviceResult
}

// Failed returns the per-device results that carry an error.
func (r Result) Failed() []DeviceResult {
	var out []DeviceResult
	for _, d := range r.Devices {
		if d.Err != nil {
			out = append(out, d)
		}
	}
	return out
}

// Ok reports whether every device in the call succeeded.
func (r Result) Ok() bool { return len(r.Failed()) == 0 }

// Dispatcher coordinates setpoint writes and telemetry polls across the
// registry's devices and their channels.
type Dispatcher struct {
	reg   *registry.Registry
	coord *bundle.Coordinator
	log   *slog.Logger
	m     *Metrics

	timeout time.Duration

	mu     sync.RWMutex
	queues map[string]*queue // channel name -> serialized queue
	route  map[string]*queue // device serial -> queue
}

// Options configures a Dispatcher. Zero values select defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Timeout time.Duration // per-exchange timeout, DefaultTimeout if zero
}

// New creates a Dispatcher. Channels are attached with Bind before use.
func New(reg *registry.Registry, coord *bundle.Coordinator, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		reg:     reg,
		coord:   coord,
		log:     logger,
		m:       opts.Metrics,
		timeout: opts.Timeout,
		queues:  make(map[string]*queue),
		route:   make(map[string]*queue),
	}
}

// Bind attaches a channel under the given name and routes the listed
// device serials through it. Binding with no serials routes every
// registry device that is not yet routed (the single-port case).
func (d *Dispatcher) Bind(name string, ch Channel, serials ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := newQueue(name, ch, d.timeout, d.log, d.m)
	d.queues[name] = q

	if len(serials) == 0 {
		for _, s := range d.reg.Serials() {
			if _, routed := d.route[s]; !routed {
				d.route[s] = q
			}
		}
		return
	}
	for _, s := range serials {
		d.route[s] = q
	}
}

// Reset clears the unresponsive latch on the named channel.
func (d *Dispatcher) Reset(name string) {
	d.mu.RLock()
	q := d.queues[name]
	d.mu.RUnlock()
	if q != nil {
		q.Reset()
	}
}

// Close shuts down every channel.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, q := range d.queues {
		if err := q.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) queueFor(serial string) (*queue, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q, ok := d.route[serial]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, serial)
	}
	return q, nil
}

// Apply distributes targetFlow across the bundle and writes the resulting
// setpoints. Validation happens before any I/O: a capacity shortfall
// rejects the whole call, and a device whose calibration cannot express
// its share produces a per-device error without touching the wire. Device
// writes run concurrently across channels and per-device failures do not
// stop sibling devices.
func (d *Dispatcher) Apply(ctx context.Context, bundleName string, targetFlow float64) (Result, error) {
	shares, err := d.coord.Distribute(bundleName, targetFlow)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Bundle:  bundleName,
		Flow:    targetFlow,
		Devices: make([]DeviceResult, len(shares)),
	}

	// Resolve all signals first so calibration failures never reach the
	// wire for that device.
	for i, sh := range shares {
		res.Devices[i] = DeviceResult{Serial: sh.Device.Serial, Flow: sh.Flow}
		signal, err := sh.Device.Model.Signal(sh.Flow)
		if err != nil {
			res.Devices[i].Err = fmt.Errorf("device %s: %w", sh.Device.Serial, err)
			continue
		}
		res.Devices[i].Signal = signal
	}

	var wg sync.WaitGroup
	for i := range res.Devices {
		if res.Devices[i].Err != nil {
			continue
		}
		wg.Add(1)
		go func(dr *DeviceResult) {
			defer wg.Done()
			dr.Err = d.write(ctx, dr.Serial, dr.Signal)
			if dr.Err != nil {
				d.m.writeErrorInc(dr.Serial)
			} else {
				d.m.writeInc(bundleName)
			}
		}(&res.Devices[i])
	}
	wg.Wait()

	for _, dr := range res.Failed() {
		d.log.Warn("setpoint not applied", "bundle", bundleName, "serial", dr.Serial, "err", dr.Err)
	}
	return res, nil
}

// Poll reads the measured signal of every device in the bundle, converts
// it to a flow through the device's calibration model, and aggregates the
// successful readings into a bundle-level flow. Per-device errors are
// reported in the result and never suppress sibling readings.
func (d *Dispatcher) Poll(ctx context.Context, bundleName string) (Result, error) {
	devs, err := d.reg.Bundle(bundleName)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Bundle:  bundleName,
		Devices: make([]DeviceResult, len(devs)),
	}

	var wg sync.WaitGroup
	for i, dev := range devs {
		res.Devices[i] = DeviceResult{Serial: dev.Serial}
		wg.Add(1)
		go func(dr *DeviceResult, dev *registry.Device) {
			defer wg.Done()
			signal, err := d.read(ctx, dev.Serial)
			if err != nil {
				dr.Err = err
				d.m.readErrorInc(dev.Serial)
				return
			}
			dr.Signal = signal
			dr.Flow = dev.Model.Flow(signal)
			d.m.readInc(bundleName)
		}(&res.Devices[i], dev)
	}
	wg.Wait()

	readings := make(map[string]float64, len(res.Devices))
	for _, dr := range res.Devices {
		if dr.Err == nil {
			readings[dr.Serial] = dr.Flow
		}
	}
	total, err := d.coord.Aggregate(bundleName, readings)
	if err != nil {
		return res, err
	}
	res.Flow = total
	d.m.setBundleFlow(bundleName, total)
	return res, nil
}

// AbortAll writes a zero setpoint to every device in the registry.
// Best-effort: failures are collected per device, not short-circuited.
func (d *Dispatcher) AbortAll(ctx context.Context) []DeviceResult {
	return d.zero(ctx, d.reg.Serials())
}

// SoftAbort zeroes only the devices carrying one of the given fuel
// species, leaving oxidizer and inert streams running.
func (d *Dispatcher) SoftAbort(ctx context.Context, fuels []string) []DeviceResult {
	isFuel := make(map[string]bool, len(fuels))
	for _, f := range fuels {
		isFuel[f] = true
	}
	var serials []string
	for _, s := range d.reg.Serials() {
		dev, err := d.reg.Device(s)
		if err != nil {
			continue
		}
		if isFuel[dev.UserFluid] {
			serials = append(serials, s)
		}
	}
	return d.zero(ctx, serials)
}

func (d *Dispatcher) zero(ctx context.Context, serials []string) []DeviceResult {
	results := make([]DeviceResult, len(serials))
	var wg sync.WaitGroup
	for i, s := range serials {
		results[i] = DeviceResult{Serial: s}
		wg.Add(1)
		go func(dr *DeviceResult) {
			defer wg.Done()
			dr.Err = d.write(ctx, dr.Serial, 0)
			if dr.Err != nil {
				d.m.writeErrorInc(dr.Serial)
			}
		}(&results[i])
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) write(ctx context.Context, serial string, signal float64) error {
	q, err := d.queueFor(serial)
	if err != nil {
		return &CommError{Serial: serial, Cause: err}
	}
	err = q.do(ctx, func(ctx context.Context) error {
		return q.ch.WriteSetpoint(ctx, serial, signal)
	})
	if err != nil {
		return &CommError{Serial: serial, Cause: err}
	}
	return nil
}

func (d *Dispatcher) read(ctx context.Context, serial string) (float64, error) {
	q, err := d.queueFor(serial)
	if err != nil {
		return 0, &CommError{Serial: serial, Cause: err}
	}
	var signal float64
	err = q.do(ctx, func(ctx context.Context) error {
		var err error
		signal, err = q.ch.ReadSignal(ctx, serial)
		return err
	})
	if err != nil {
		return 0, &CommError{Serial: serial, Cause: err}
	}
	return signal, nil
}
