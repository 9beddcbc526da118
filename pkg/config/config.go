// Package config loads sandboxd settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nstogner/sandbox/pkg/domain"
)

// Config is the full server configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	DefaultInstructions string `yaml:"default_instructions"`
	DefaultModel        string `yaml:"default_model"`

	StepTimeout   time.Duration `yaml:"step_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SendBuffer    int           `yaml:"send_buffer"`
	StrictContext bool          `yaml:"strict_context"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	GeminiAPIKey string `yaml:"gemini_api_key"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Addr:                ":8080",
		DBPath:              "data/sandbox.db",
		LogLevel:            "info",
		DefaultInstructions: domain.DefaultInstructions,
		DefaultModel:        domain.DefaultModel,
		StepTimeout:         2 * time.Minute,
		IdleTimeout:         10 * time.Minute,
		SendBuffer:          64,
	}
}

// Load reads the file at path over the defaults and then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from environment variables that are set.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("GEMINI_API_KEY"); v != "" {
		c.GeminiAPIKey = v
	}
	if v := getenv("SANDBOX_ADDR"); v != "" {
		c.Addr = v
	}
	if v := getenv("SANDBOX_DB"); v != "" {
		c.DBPath = v
	}
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.StepTimeout < 0 {
		errs = append(errs, errors.New("step_timeout must not be negative"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle_timeout must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level returns the slog level named by LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return l, nil
}

// SessionDefaults returns the options that seed new sessions.
func (c Config) SessionDefaults() domain.Options {
	return domain.Options{
		Instructions: c.DefaultInstructions,
		Model:        c.DefaultModel,
	}
}
