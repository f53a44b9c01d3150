package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvBackendURL = "LABWALL_BACKEND_URL"
	EnvToken      = "LABWALL_TOKEN"
	EnvStoreDSN   = "LABWALL_STORE_DSN"
	EnvListen     = "LABWALL_LISTEN"
	EnvLogLevel   = "LABWALL_LOG_LEVEL"
)

// LoadConfig loads configuration from a YAML file. A .env file next to it
// (or in the working directory when path is empty) is loaded first, then
// environment overrides and defaults are applied.
func LoadConfig(path string) (*Config, error) {
	dir := "."
	if path != "" {
		dir = filepath.Dir(path)
	}
	if err := loadDotEnv(filepath.Join(dir, ".env")); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, fmt.Errorf("loading %s: %w", filepath.Base(path), err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	// Validate configuration
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadYAML loads a YAML file into a struct
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvBackendURL); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Backend.Token = v
	}
	if cfg.Backend.Token == "" && cfg.Backend.TokenEnv != "" {
		cfg.Backend.Token = os.Getenv(cfg.Backend.TokenEnv)
	}
	if v := os.Getenv(EnvStoreDSN); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Backend.Namespace == "" {
		cfg.Backend.Namespace = "jupyterlab_wall"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 10 * time.Second
	}
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = 5000 * time.Millisecond
	}
	if cfg.Poll.Jitter == 0 {
		cfg.Poll.Jitter = 1000 * time.Millisecond
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "memory://"
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "labwall"
	}
	if cfg.Notifier.RatePerSec == 0 {
		cfg.Notifier.RatePerSec = 2
	}
	if cfg.Notifier.Burst == 0 {
		cfg.Notifier.Burst = 5
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8765"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.BufferSize == 0 {
		cfg.Logging.BufferSize = 1000
	}
	if cfg.Logging.File.Enabled {
		if cfg.Logging.File.MaxSizeMB == 0 {
			cfg.Logging.File.MaxSizeMB = 20
		}
		if cfg.Logging.File.MaxBackups == 0 {
			cfg.Logging.File.MaxBackups = 3
		}
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	u, err := url.Parse(cfg.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.url must be http or https, got %q", cfg.Backend.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.url must include a host")
	}

	if cfg.Poll.Interval < 100*time.Millisecond {
		return fmt.Errorf("poll.interval must be at least 100ms")
	}
	if cfg.Poll.Jitter < 0 {
		return fmt.Errorf("poll.jitter must not be negative")
	}

	for i, id := range cfg.Triggers {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("triggers[%d]: action id is empty", i)
		}
	}

	if cfg.Notifier.RatePerSec < 0 || cfg.Notifier.Burst < 0 {
		return fmt.Errorf("notifier rate_per_sec and burst must not be negative")
	}
	if cfg.Notifier.AppriseURL != "" {
		if _, err := url.ParseRequestURI(cfg.Notifier.AppriseURL); err != nil {
			return fmt.Errorf("notifier.apprise_url: %w", err)
		}
	}

	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}
	if cfg.Logging.File.Enabled && cfg.Logging.File.Path == "" {
		return fmt.Errorf("logging.file.path is required when file logging is enabled")
	}

	return nil
}
