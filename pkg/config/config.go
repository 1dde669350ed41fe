// Package config loads the application configuration: logging, output
// format, timeouts, and named service profiles for scan filtering.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/scchn/smurfble/central"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "10s" or "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application configuration.
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"` // table, json

	// ScanTimeout bounds scan commands; zero scans until interrupted.
	ScanTimeout Duration `yaml:"scan_timeout"`
	// ConnectTimeout bounds connection establishment; zero waits forever.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// Profiles are named service-UUID sets selectable as scan filters.
	Profiles []central.Profile `yaml:"profiles"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	// Durations carry no default tag: go-defaults cannot parse "10s".
	cfg.ScanTimeout = Duration{10 * time.Second}
	cfg.ConnectTimeout = Duration{30 * time.Second}
	return cfg
}

// Load reads a YAML config file over the defaults. Missing fields keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format must be \"table\" or \"json\", got %q", c.OutputFormat)
	}

	if c.ScanTimeout.Duration < 0 {
		return fmt.Errorf("scan_timeout must not be negative, got %s", c.ScanTimeout)
	}
	if c.ConnectTimeout.Duration < 0 {
		return fmt.Errorf("connect_timeout must not be negative, got %s", c.ConnectTimeout)
	}

	for i, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profiles[%d]: name must not be empty", i)
		}
		if len(p.ServiceUUIDs) == 0 {
			return fmt.Errorf("profile %q: services must not be empty", p.Name)
		}
	}
	return nil
}

// Profile returns the named profile, if configured.
func (c *Config) Profile(name string) (central.Profile, bool) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return central.Profile{}, false
}

// Level returns the parsed log level.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
