// Package config loads YAML-based defaults for a Handle: a typed struct
// with yaml tags, unmarshaled and validated in one call.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HandleDefaults bundles the options a caller would otherwise have to set
// one-by-one on every new Handle: connection policy, TLS material,
// throttling, logging, and the optional health-ping schedule.
type HandleDefaults struct {
	TLS        TLSDefaults        `yaml:"tls"`
	Throttle   ThrottleDefaults   `yaml:"throttle"`
	Logging    LoggingDefaults    `yaml:"logging"`
	HealthPing HealthPingDefaults `yaml:"health_ping"`
	Timeouts   TimeoutDefaults    `yaml:"timeouts"`
}

// TLSDefaults mirrors transport.TLSConfig's loadable fields.
type TLSDefaults struct {
	Mode       string `yaml:"mode"` // "disable", "allow", "require"
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	ServerName string `yaml:"server_name"`
	Insecure   bool   `yaml:"insecure"`
}

// ThrottleDefaults configures transport.Throttled.
type ThrottleDefaults struct {
	MaxBytesPerSecond int64 `yaml:"max_bytes_per_second"` // 0 = unlimited
}

// LoggingDefaults configures nbdlog.New.
type LoggingDefaults struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// HealthPingDefaults configures healthsched.Pinger. Schedule is empty by
// default, meaning no health-ping job is started.
type HealthPingDefaults struct {
	Schedule string `yaml:"schedule"`
}

// TimeoutDefaults holds timeout settings. ConnectOptions.FromDefaults applies
// Connect as the dial timeout; Command is loaded but not applied to any call.
type TimeoutDefaults struct {
	Connect time.Duration `yaml:"connect"`
	Command time.Duration `yaml:"command"`
}

// Load reads and validates a HandleDefaults document from path.
func Load(path string) (*HandleDefaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	var cfg HandleDefaults
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validating %q: %w", path, err)
	}
	return &cfg, nil
}

func (c *HandleDefaults) applyDefaults() {
	if c.TLS.Mode == "" {
		c.TLS.Mode = "allow"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Timeouts.Connect <= 0 {
		c.Timeouts.Connect = 30 * time.Second
	}
	if c.Timeouts.Command <= 0 {
		c.Timeouts.Command = 60 * time.Second
	}
}

func (c *HandleDefaults) validate() error {
	switch c.TLS.Mode {
	case "disable", "allow", "require":
	default:
		return fmt.Errorf("tls.mode must be one of disable|allow|require, got %q", c.TLS.Mode)
	}
	if c.TLS.Mode == "require" && c.TLS.CACert == "" && !c.TLS.Insecure {
		return fmt.Errorf("tls.mode is require but no tls.ca_cert was given")
	}
	if c.Throttle.MaxBytesPerSecond < 0 {
		return fmt.Errorf("throttle.max_bytes_per_second must not be negative")
	}
	return nil
}

// Default returns a HandleDefaults with every field at its zero-config
// sensible value, for callers that don't want to load a file at all.
func Default() *HandleDefaults {
	c := &HandleDefaults{}
	c.applyDefaults()
	return c
}
