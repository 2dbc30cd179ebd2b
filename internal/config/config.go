package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for spendwatch.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Detector DetectorConfig `yaml:"detector"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json|text
}

// DetectorConfig holds the anomaly detection parameters. Degree and Window
// are overridden by the batch header and by CLI flags.
type DetectorConfig struct {
	Degree     int     `yaml:"degree"`
	Window     int     `yaml:"window"`
	Sigma      float64 `yaml:"sigma"`
	MinSamples int     `yaml:"min_samples"`
	Strategy   string  `yaml:"strategy"` // scan|merge
	Precision  int32   `yaml:"precision"`
	BufferSize int     `yaml:"buffer_size"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OutputPath string `yaml:"output_path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "spendwatch-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Detector.Degree == 0 {
		cfg.Detector.Degree = 2
	}
	if cfg.Detector.Window == 0 {
		cfg.Detector.Window = 50
	}
	if cfg.Detector.Sigma == 0 {
		cfg.Detector.Sigma = 3
	}
	if cfg.Detector.MinSamples == 0 {
		cfg.Detector.MinSamples = 3
	}
	if cfg.Detector.Strategy == "" {
		cfg.Detector.Strategy = "scan"
	}
	if cfg.Detector.Precision == 0 {
		cfg.Detector.Precision = 2
	}
	if cfg.Detector.BufferSize == 0 {
		cfg.Detector.BufferSize = 1000
	}
	if cfg.Metrics.OutputPath == "" {
		cfg.Metrics.OutputPath = "spendwatch.prom"
	}
}

// Validate rejects values no run could use. A degree or window below the
// useful range is allowed: the detector reports those as degenerate.
func (c *Config) Validate() error {
	var errs []error
	if c.Detector.Sigma <= 0 {
		errs = append(errs, fmt.Errorf("detector.sigma must be positive, got %v", c.Detector.Sigma))
	}
	if c.Detector.MinSamples < 3 {
		errs = append(errs, fmt.Errorf("detector.min_samples must be at least 3, got %d", c.Detector.MinSamples))
	}
	switch c.Detector.Strategy {
	case "scan", "merge":
	default:
		errs = append(errs, fmt.Errorf("detector.strategy must be scan or merge, got %q", c.Detector.Strategy))
	}
	if c.Detector.Precision < 0 {
		errs = append(errs, fmt.Errorf("detector.precision must not be negative, got %d", c.Detector.Precision))
	}
	if c.Detector.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("detector.buffer_size must not be negative, got %d", c.Detector.BufferSize))
	}
	switch c.General.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("general.log_format must be json or text, got %q", c.General.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
