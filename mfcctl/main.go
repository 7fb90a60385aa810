// Command mfcctl drives the burner rig from the command line: solve an
// operating point from geometry and equivalence ratio, send the resulting
// per-bundle flows to the MFCs, and poll them back.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/burnerlab/gomfc/pkg/config"
	"github.com/burnerlab/gomfc/pkg/dispatch"
	"github.com/burnerlab/gomfc/pkg/flow"
	"github.com/burnerlab/gomfc/pkg/rig"
	"github.com/burnerlab/gomfc/pkg/transport"
)

func main() {
	var (
		configFlag  = flag.String("config", "config_mfc.yaml", "Configuration file path")
		portFlag    = flag.String("p", "", "Serial port override (e.g., /dev/ttyUSB0)")
		mockFlag    = flag.Bool("mock", false, "Use a mocked device channel instead of a serial port")
		listFlag    = flag.Bool("list", false, "List configured devices and bundles, then exit")
		sendFlag    = flag.Bool("send", false, "Send the solved flows to the MFCs")
		pollFlag    = flag.Bool("poll", false, "Poll actual flows after sending")
		abortFlag   = flag.Bool("abort", false, "Zero all MFCs and exit")
		metricsFlag = flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g., :9090)")

		jetSpeed   = flag.Float64("jet-speed", 100.0, "Jet flow speed [m/s]")
		jetPhi     = flag.Float64("jet-phi", 0.40, "Jet equivalence ratio")
		jetDia     = flag.Float64("jet-diameter", 2.0, "Jet orifice diameter [mm]")
		pilotSpeed = flag.Float64("pilot-speed", 2.0, "Pilot flow speed [m/s]")
		pilotPhi   = flag.Float64("pilot-phi", 1.0, "Pilot equivalence ratio")
		pilotDia   = flag.Float64("pilot-diameter", 8.0, "Pilot orifice diameter [mm]")
		tempC      = flag.Float64("temperature", 25.0, "Ambient temperature [°C]")
		pressBar   = flag.Float64("pressure", 1.01325, "Ambient pressure [bar]")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Connection.Port = *portFlag
	}

	var metrics *dispatch.Metrics
	if *metricsFlag != "" {
		reg := prometheus.NewRegistry()
		metrics = dispatch.NewMetrics(reg)
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsFlag, nil); err != nil {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	r, err := rig.New(cfg, rig.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		log.Fatalf("Failed to build rig: %v", err)
	}
	defer r.Close()

	if *listFlag {
		listDevices(r)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	needsChannel := *sendFlag || *pollFlag || *abortFlag
	if needsChannel {
		if *mockFlag {
			r.Bind("mock", dispatch.NewMockChannel())
		} else {
			ch := transport.New(cfg.Connection.Port, cfg.Connection.Baudrate, logger)
			if err := ch.Connect(ctx); err != nil {
				log.Fatalf("Failed to connect to %s: %v", cfg.Connection.Port, err)
			}
			r.Bind(cfg.Connection.Port, ch)
		}
	}

	if *abortFlag {
		for _, dr := range r.AbortAll(ctx) {
			if dr.Err != nil {
				logger.Error("abort failed", "serial", dr.Serial, "err", dr.Err)
			}
		}
		return
	}

	geom := flow.Geometry{
		JetDiameter:   *jetDia,
		PilotDiameter: *pilotDia,
		Temperature:   *tempC + 273.15,
		Pressure:      *pressBar * 1e5,
	}
	jet := flow.Target{Fuel: cfg.Setup.Fuels[0], Oxidizer: cfg.Setup.Oxidizers[0], Velocity: *jetSpeed, Phi: *jetPhi}
	pilot := flow.Target{Fuel: cfg.Setup.Fuels[0], Oxidizer: cfg.Setup.Oxidizers[0], Velocity: *pilotSpeed, Phi: *pilotPhi}

	flows, sol, err := r.Solve(geom, jet, pilot)
	if err != nil {
		log.Fatalf("Solve failed: %v", err)
	}

	fmt.Printf("Jet:   fuel %.5f m³n/h, oxidizer %.5f m³n/h, mass %.5f g/s\n",
		sol.Jet.Fuel, sol.Jet.Oxidizer, sol.Jet.Mass)
	fmt.Printf("Pilot: fuel %.5f m³n/h, oxidizer %.5f m³n/h, mass %.5f g/s\n",
		sol.Pilot.Fuel, sol.Pilot.Oxidizer, sol.Pilot.Mass)

	if !*sendFlag {
		return
	}

	results, err := r.DispatchAll(ctx, flows)
	if err != nil {
		log.Fatalf("Dispatch failed: %v", err)
	}
	for name, res := range results {
		for _, dr := range res.Failed() {
			logger.Error("setpoint failed", "bundle", name, "serial", dr.Serial, "err", dr.Err)
		}
	}

	if !*pollFlag {
		return
	}
	for name := range flows {
		res, err := r.Poll(ctx, name)
		if err != nil {
			logger.Error("poll failed", "bundle", name, "err", err)
			continue
		}
		fmt.Printf("%-12s actual %.5f m³n/h\n", name, res.Flow)
	}
}

func listDevices(r *rig.Rig) {
	reg := r.Registry()
	for _, name := range reg.BundleNames() {
		devs, err := reg.Bundle(name)
		if err != nil {
			continue
		}
		fmt.Printf("%s:\n", name)
		for _, d := range devs {
			fmt.Printf("  %-12s %-4s %8.3f m³n/h  (factory %g %s, calibrated %s)\n",
				d.Serial, d.UserFluid, d.Capacity, d.FactoryCapacity, d.FactoryUnit, d.LastCalibration)
		}
	}
}
