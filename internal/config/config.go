package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/labsweep/internal/serialmux"
)

// DefaultConfigPath is where labsweep looks for its configuration.
const DefaultConfigPath = "config/labsweep.json"

const (
	DefaultRepeatInterval = 200 * time.Millisecond
	DefaultLiveInterval   = 500 * time.Millisecond
	DefaultDBPath         = "labsweep.db"
	DefaultListen         = "localhost:8089"
)

// Driver names accepted in InstrumentConfig.Driver.
const (
	DriverDummy = "dummy"
	DriverSCPI  = "scpi"
)

// Config is the root configuration. Omitted fields take the defaults returned
// by the Get* methods.
type Config struct {
	PoolSize       *int    `json:"pool_size,omitempty"`
	RepeatInterval *string `json:"repeat_interval,omitempty"` // duration string like "200ms"
	LiveInterval   *string `json:"live_interval,omitempty"`
	DBPath         *string `json:"db_path,omitempty"`
	Listen         *string `json:"listen,omitempty"`

	// StopLiveAfterSweep stops every live monitor when a sweep finishes.
	StopLiveAfterSweep *bool `json:"stop_live_after_sweep,omitempty"`

	Instruments []InstrumentConfig `json:"instruments,omitempty"`

	// Dividers maps a parameter full name to its division value.
	Dividers map[string]float64 `json:"dividers,omitempty"`
}

// InstrumentConfig describes one instrument to create at startup.
type InstrumentConfig struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`

	// SCPI only
	Port        string                 `json:"port,omitempty"`
	PortOptions *serialmux.PortOptions `json:"port_options,omitempty"`

	// Dummy only: gate names, default dac1..dac3
	Gates []string `json:"gates,omitempty"`

	Parameters []ParameterConfig `json:"parameters,omitempty"`
}

// ParameterConfig describes an extra instrument parameter.
type ParameterConfig struct {
	Name    string  `json:"name"`
	Header  string  `json:"header,omitempty"` // SCPI command header
	Access  string  `json:"access,omitempty"` // "rw", "r" or "w"
	Min     float64 `json:"min,omitempty"`
	Max     float64 `json:"max,omitempty"`
	Initial float64 `json:"initial,omitempty"` // dummy only
}

func ptrString(v string) *string { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Default returns a Config with the defaults filled in and one dummy
// instrument called "dummy".
func Default() *Config {
	return &Config{
		RepeatInterval: ptrString(DefaultRepeatInterval.String()),
		LiveInterval:   ptrString(DefaultLiveInterval.String()),
		DBPath:         ptrString(DefaultDBPath),
		Listen:         ptrString(DefaultListen),
		Instruments:    []InstrumentConfig{{Name: "dummy", Driver: DriverDummy}},
	}
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be at most 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.PoolSize != nil && *c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", *c.PoolSize)
	}
	for key, v := range map[string]*string{"repeat_interval": c.RepeatInterval, "live_interval": c.LiveInterval} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", key, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", key, d)
		}
	}

	seen := make(map[string]bool)
	for i, inst := range c.Instruments {
		if inst.Name == "" {
			return fmt.Errorf("instruments[%d]: missing name", i)
		}
		if seen[inst.Name] {
			return fmt.Errorf("instruments[%d]: duplicate name %q", i, inst.Name)
		}
		seen[inst.Name] = true

		switch inst.Driver {
		case DriverDummy:
		case DriverSCPI:
			if inst.Port == "" {
				return fmt.Errorf("instrument %q: scpi driver requires a port", inst.Name)
			}
			if inst.PortOptions != nil {
				if _, err := inst.PortOptions.Normalise(); err != nil {
					return fmt.Errorf("instrument %q: %w", inst.Name, err)
				}
			}
			for _, p := range inst.Parameters {
				if p.Header == "" {
					return fmt.Errorf("instrument %q parameter %q: missing header", inst.Name, p.Name)
				}
			}
		default:
			return fmt.Errorf("instrument %q: unsupported driver %q", inst.Name, inst.Driver)
		}

		if inst.Driver != DriverDummy && len(inst.Gates) > 0 {
			return fmt.Errorf("instrument %q: gates apply to the dummy driver only", inst.Name)
		}
		params := make(map[string]bool)
		for _, g := range inst.Gates {
			if g == "" {
				return fmt.Errorf("instrument %q: empty gate name", inst.Name)
			}
			if params[g] {
				return fmt.Errorf("instrument %q: duplicate gate %q", inst.Name, g)
			}
			params[g] = true
		}
		for _, p := range inst.Parameters {
			if p.Name == "" {
				return fmt.Errorf("instrument %q: parameter without a name", inst.Name)
			}
			if params[p.Name] {
				return fmt.Errorf("instrument %q: duplicate parameter %q", inst.Name, p.Name)
			}
			params[p.Name] = true
			switch p.Access {
			case "", "rw", "r", "w":
			default:
				return fmt.Errorf("instrument %q parameter %q: unsupported access %q", inst.Name, p.Name, p.Access)
			}
		}
	}

	for name, v := range c.Dividers {
		if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("divider %s: division must be finite and non-zero, got %g", name, v)
		}
	}
	return nil
}

// GetPoolSize returns pool_size, or 0 when the scheduler should pick.
func (c *Config) GetPoolSize() int {
	if c.PoolSize == nil {
		return 0
	}
	return *c.PoolSize
}

// GetRepeatInterval returns the delay between iterations of a repeating worker.
func (c *Config) GetRepeatInterval() time.Duration {
	return durationOr(c.RepeatInterval, DefaultRepeatInterval)
}

// GetLiveInterval returns the poll interval of live monitors.
func (c *Config) GetLiveInterval() time.Duration {
	return durationOr(c.LiveInterval, DefaultLiveInterval)
}

// GetDBPath returns db_path or the default.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return DefaultDBPath
	}
	return *c.DBPath
}

// GetListen returns the HTTP listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// GetStopLiveAfterSweep returns stop_live_after_sweep, true when unset.
func (c *Config) GetStopLiveAfterSweep() bool {
	if c.StopLiveAfterSweep == nil {
		return true
	}
	return *c.StopLiveAfterSweep
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
