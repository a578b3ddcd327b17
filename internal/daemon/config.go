// Package daemon manages the service lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/surgilog/bloodloss/internal/app/runner"
	"github.com/surgilog/bloodloss/internal/infra/notifier"
)

// Config holds all daemon configuration.
type Config struct {
	API         APIConfig         `toml:"api"`
	MainService MainServiceConfig `toml:"main_service"`
	Runner      RunnerConfig      `toml:"runner"`
	Storage     StorageConfig     `toml:"storage"`
	Logging     LoggingConfig     `toml:"logging"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	Metrics         bool   `toml:"metrics"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// MainServiceConfig locates the service that receives results.
type MainServiceConfig struct {
	URL        string `toml:"url"`
	APIKey     string `toml:"api_key"`
	Timeout    string `toml:"timeout"`
	MaxRetries int    `toml:"max_retries"`
	BaseDelay  string `toml:"base_delay"`
}

// RunnerConfig controls task execution.
type RunnerConfig struct {
	MinDelay      string `toml:"min_delay"`
	MaxDelay      string `toml:"max_delay"`
	MaxConcurrent int    `toml:"max_concurrent"`
}

// StorageConfig controls where the task database lives.
type StorageConfig struct {
	Dir string `toml:"dir"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: "30s",
		},
		MainService: MainServiceConfig{
			URL:        "http://main-service:8080",
			APIKey:     "secret_key_12345",
			Timeout:    "10s",
			MaxRetries: 3,
			BaseDelay:  "1s",
		},
		Runner: RunnerConfig{
			MinDelay: "5s",
			MaxDelay: "10s",
		},
		Storage: StorageConfig{
			Dir: bloodlossHome(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads config from $BLOODLOSS_HOME/config.toml, falling back to
// defaults, then applies environment overrides.
func LoadConfig() (Config, error) {
	return LoadConfigFrom(filepath.Join(bloodlossHome(), "config.toml"))
}

// LoadConfigFrom reads the config file at path. A missing file is not an error.
func LoadConfigFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("MAIN_SERVICE_URL"); v != "" {
		c.MainService.URL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.MainService.APIKey = v
	}
	if v := os.Getenv("BLOODLOSS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BLOODLOSS_PORT: %w", err)
		}
		c.API.Port = port
	}
	if v := os.Getenv("BLOODLOSS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// SaveConfig writes cfg as TOML to path.
func SaveConfig(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if u, err := url.Parse(c.MainService.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("main_service.url %q is not an http(s) URL", c.MainService.URL))
	}
	if c.MainService.APIKey == "" {
		errs = append(errs, errors.New("main_service.api_key is empty"))
	}
	if c.MainService.MaxRetries < 0 {
		errs = append(errs, errors.New("main_service.max_retries must not be negative"))
	}
	if c.Runner.MaxConcurrent < 0 {
		errs = append(errs, errors.New("runner.max_concurrent must not be negative"))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be console or json", c.Logging.Format))
	}

	for name, s := range map[string]string{
		"api.shutdown_timeout":    c.API.ShutdownTimeout,
		"main_service.timeout":    c.MainService.Timeout,
		"main_service.base_delay": c.MainService.BaseDelay,
		"runner.min_delay":        c.Runner.MinDelay,
		"runner.max_delay":        c.Runner.MaxDelay,
	} {
		if s == "" {
			continue
		}
		if d, err := time.ParseDuration(s); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, s))
		}
	}

	rc := c.RunnerConfig()
	if rc.MaxDelay < rc.MinDelay {
		errs = append(errs, fmt.Errorf("runner.max_delay %s is below runner.min_delay %s", rc.MaxDelay, rc.MinDelay))
	}

	return errors.Join(errs...)
}

// NotifierConfig converts the [main_service] section.
func (c Config) NotifierConfig() notifier.Config {
	def := notifier.DefaultConfig()
	return notifier.Config{
		BaseURL:    c.MainService.URL,
		APIKey:     c.MainService.APIKey,
		Timeout:    parseDuration(c.MainService.Timeout, def.Timeout),
		MaxRetries: c.MainService.MaxRetries,
		BaseDelay:  parseDuration(c.MainService.BaseDelay, def.BaseDelay),
	}
}

// RunnerConfig converts the [runner] section.
func (c Config) RunnerConfig() runner.Config {
	def := runner.DefaultConfig()
	return runner.Config{
		MinDelay:      parseDuration(c.Runner.MinDelay, def.MinDelay),
		MaxDelay:      parseDuration(c.Runner.MaxDelay, def.MaxDelay),
		MaxConcurrent: c.Runner.MaxConcurrent,
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// bloodlossHome returns the service data directory.
func bloodlossHome() string {
	if env := os.Getenv("BLOODLOSS_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".bloodloss")
}

// Home is exported for use by other packages.
func Home() string {
	return bloodlossHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
