package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the rig configuration: connection settings, gas setup,
// bundle declarations, and one calibration record per MFC.
type Config struct {
	Info       Info                    `yaml:"configuration_info"`
	Connection ConnectionConfig        `yaml:"connection"`
	Setup      SetupConfig             `yaml:"setup"`
	Bundles    []string                `yaml:"mfc_bundles"`
	Devices    map[string]DeviceConfig `yaml:"devices"`
}

// Info describes who owns the configuration and when it was last touched.
type Info struct {
	Owner       string `yaml:"owner"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Date        string `yaml:"date"`
}

// ConnectionConfig contains serial port configuration. It is passed through
// to the transport layer unmodified.
type ConnectionConfig struct {
	Port     string `yaml:"port"`
	Baudrate int    `yaml:"baudrate"`
}

// SetupConfig lists the gas species plumbed to the rig, by role.
type SetupConfig struct {
	Fuels      []string `yaml:"fuel"`
	Oxidizers  []string `yaml:"oxidizer"`
	InertGases []string `yaml:"inert_gases"`
	Misc       []string `yaml:"misc"`
}

// Fluids returns every species named in the setup, in declaration order.
func (s SetupConfig) Fluids() []string {
	out := make([]string, 0, len(s.Fuels)+len(s.Oxidizers)+len(s.InertGases)+len(s.Misc))
	out = append(out, s.Fuels...)
	out = append(out, s.Oxidizers...)
	out = append(out, s.InertGases...)
	out = append(out, s.Misc...)
	return out
}

// DeviceConfig is the per-MFC calibration record. Polynomials are cubic:
// coefficients [a, b, c, d] for a + b·x + c·x² + d·x³.
type DeviceConfig struct {
	Serial          string    `yaml:"serial"`
	Bundle          string    `yaml:"bundle"`
	UserFluid       string    `yaml:"user_fluid"`
	FactoryFluid    string    `yaml:"factory_fluid"`
	ConvPoly        []float64 `yaml:"conv_poly"`
	CalibPoly       []float64 `yaml:"calib_poly"`
	FactoryUnit     string    `yaml:"factory_unit"`
	FactoryCapacity float64   `yaml:"factory_capacity"`
	Capacity        float64   `yaml:"m3n_h_capacity"`
	LastCalibration string    `yaml:"last_calibration"`
}

// Default returns a configuration with connection defaults and no devices.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Port:     "/dev/ttyUSB0",
			Baudrate: 38400,
		},
		Setup: SetupConfig{
			Fuels:      []string{"h2"},
			Oxidizers:  []string{"air"},
			InertGases: []string{"n2"},
		},
		Devices: map[string]DeviceConfig{},
	}
}

// Load loads configuration from a YAML file.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks structural invariants of the configuration. Registry
// construction performs the cross-record checks (duplicate serials, bundle
// membership); Validate only rejects records that are self-evidently broken.
func (c *Config) Validate() error {
	if len(c.Bundles) == 0 {
		return fmt.Errorf("config: no mfc_bundles declared")
	}
	for key, dev := range c.Devices {
		if dev.Serial == "" {
			return fmt.Errorf("config: device %q has no serial", key)
		}
		if dev.Serial != key {
			return fmt.Errorf("config: device key %q does not match serial %q", key, dev.Serial)
		}
		if dev.Bundle == "" {
			return fmt.Errorf("config: device %s has no bundle", dev.Serial)
		}
	}
	return nil
}

// ensureDefaults fills in connection defaults if the file omitted them.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Connection.Port == "" {
		c.Connection.Port = def.Connection.Port
	}
	if c.Connection.Baudrate == 0 {
		c.Connection.Baudrate = def.Connection.Baudrate
	}
	if c.Devices == nil {
		c.Devices = map[string]DeviceConfig{}
	}
}
