package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Config — runtime configuration for CNS tooling.
//
// The configuration is resolved through a hierarchy where each layer
// overrides values set by the layer beneath it:
//
//	Priority (highest → lowest):
//	  1. Programmatic overrides (e.g. CLI flags applied after loading)
//	  2. YAML configuration file
//	  3. Environment variables (CNSTRA_* prefix)
//	  4. Built-in defaults
//
// Duration fields accept standard Go duration strings when supplied through
// the YAML file or environment variables (e.g. "50ms", "2s").
// ---------------------------------------------------------------------------

// StimulationConfig groups default stimulate options.
type StimulationConfig struct {
	// Concurrency is the default per-stimulation cap on in-flight dispatches.
	// 1 dispatches sequentially (deterministic); 0 means unlimited.
	Concurrency int `yaml:"concurrency"`

	// MaxNeuronHops bounds the longest chain length from any seed.
	// Negative means unbounded.
	MaxNeuronHops int `yaml:"maxNeuronHops"`

	// DefaultMaxDuration bounds a single dendrite invocation when the neuron
	// itself sets none. 0 means unbounded.
	DefaultMaxDuration time.Duration `yaml:"defaultMaxDuration"`
}

// TraceConfig groups response-trace recording settings.
type TraceConfig struct {
	// Enabled turns on response recording for CLI runs.
	Enabled bool `yaml:"enabled"`

	// Path is the trace file responses are appended to.
	Path string `yaml:"path"`

	// Compress enables gzip compression of record bodies.
	Compress bool `yaml:"compress"`
}

// Config is the full tooling configuration.
type Config struct {
	Stimulation StimulationConfig `yaml:"stimulation"`
	Trace       TraceConfig       `yaml:"trace"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Stimulation: StimulationConfig{
			Concurrency:   1,
			MaxNeuronHops: -1,
		},
		Trace: TraceConfig{
			Enabled:  false,
			Path:     "./cnstra-trace.bin",
			Compress: true,
		},
	}
}

// LoadConfig resolves configuration from defaults, CNSTRA_* environment
// variables, and an optional YAML file, in that override order. An empty
// path skips the file layer.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CNSTRA_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CNSTRA_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Stimulation.Concurrency = n
		}
	}
	if v := os.Getenv("CNSTRA_MAX_NEURON_HOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Stimulation.MaxNeuronHops = n
		}
	}
	if v := os.Getenv("CNSTRA_DEFAULT_MAX_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Stimulation.DefaultMaxDuration = d
		}
	}
	if v := os.Getenv("CNSTRA_TRACE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Trace.Enabled = b
		}
	}
	if v := os.Getenv("CNSTRA_TRACE_PATH"); v != "" {
		c.Trace.Path = v
	}
	if v := os.Getenv("CNSTRA_TRACE_COMPRESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Trace.Compress = b
		}
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Stimulation.Concurrency < 0 {
		return fmt.Errorf("stimulation.concurrency must be >= 0, got %d", c.Stimulation.Concurrency)
	}
	if c.Stimulation.DefaultMaxDuration < 0 {
		return fmt.Errorf("stimulation.defaultMaxDuration must be >= 0, got %s", c.Stimulation.DefaultMaxDuration)
	}
	if c.Trace.Enabled && c.Trace.Path == "" {
		return fmt.Errorf("trace.path required when trace.enabled is true")
	}
	return nil
}
