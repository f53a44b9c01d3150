package config

import "time"

// Config represents the complete labwall configuration
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Poll     PollConfig     `yaml:"poll"`
	Store    StoreConfig    `yaml:"store"`
	Triggers []string       `yaml:"triggers,omitempty"` // empty keeps the built-in list
	Notifier NotifierConfig `yaml:"notifier"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BackendConfig points at the notebook server extension
type BackendConfig struct {
	URL       string        `yaml:"url"`
	Namespace string        `yaml:"namespace,omitempty"`
	Token     string        `yaml:"token,omitempty"`
	TokenEnv  string        `yaml:"token_env,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// PollConfig controls the reconciliation interval
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Jitter   time.Duration `yaml:"jitter"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	DSN       string `yaml:"dsn"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// NotifierConfig controls toast and Apprise delivery
type NotifierConfig struct {
	Enabled     *bool   `yaml:"enabled,omitempty"`
	RatePerSec  float64 `yaml:"rate_per_sec,omitempty"`
	Burst       int     `yaml:"burst,omitempty"`
	AppriseURL  string  `yaml:"apprise_url,omitempty"`
	AppriseURLs string  `yaml:"apprise_urls,omitempty"`
}

// IsEnabled reports whether notifications are on. Unset means on.
func (n NotifierConfig) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// APIConfig controls the status and tab server
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level      string        `yaml:"level"`
	Format     string        `yaml:"format"` // "json" or "console"
	BufferSize int           `yaml:"buffer_size,omitempty"`
	File       FileLogConfig `yaml:"file,omitempty"`
}

// FileLogConfig enables a rotating log file
type FileLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}
