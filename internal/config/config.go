// Package config loads and validates the rtwatch configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the rtwatch configuration file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Watch  WatchConfig  `yaml:"watch"`
}

// ServerConfig locates the dashboard API.
type ServerConfig struct {
	BaseURL    string `yaml:"base_url"`
	HealthPath string `yaml:"health_path"` // default /health
	FeedPath   string `yaml:"feed_path"`   // default /sse
	Token      string `yaml:"token"`
	Insecure   bool   `yaml:"insecure_skip_verify"`
}

// WatchConfig selects the scope to watch and the poll cadence.
type WatchConfig struct {
	TenantID     string   `yaml:"tenant_id"`
	EnvID        string   `yaml:"env_id"`
	JobID        string   `yaml:"job_id"`
	PollInterval Duration `yaml:"poll_interval"` // default 60s
}

// Duration is a time.Duration that unmarshals from a string like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// HealthURL returns the fully qualified health endpoint.
func (c Config) HealthURL() string { return c.Server.BaseURL + c.Server.HealthPath }

// FeedURL returns the fully qualified push channel endpoint.
func (c Config) FeedURL() string { return c.Server.BaseURL + c.Server.FeedPath }

// Load reads, normalizes, and validates a config file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	Normalize(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Normalize fills defaults. It runs before Validate.
func Normalize(cfg *Config) {
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = "/health"
	}
	if cfg.Server.FeedPath == "" {
		cfg.Server.FeedPath = "/sse"
	}
	if cfg.Watch.PollInterval <= 0 {
		cfg.Watch.PollInterval = Duration(60 * time.Second)
	}
}

// Validate checks configuration correctness. It performs declarative
// validation only and never mutates the config.
func Validate(cfg Config) error {
	if cfg.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url required")
	}
	if cfg.Watch.PollInterval < Duration(time.Second) {
		return fmt.Errorf("watch.poll_interval must be at least 1s")
	}
	return nil
}
