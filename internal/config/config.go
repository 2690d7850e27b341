// Package config provides YAML configuration loading and validation for the
// SentinelIQ endpoint agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// userIDPattern is the accepted shape for directory user ids.
var userIDPattern = regexp.MustCompile(`^U\d+$`)

// Config is the top-level configuration structure for the agent.
type Config struct {
	// UserID is the directory id of the monitored user (e.g. "U001").
	// Required; must match U<digits>.
	UserID string `yaml:"user_id"`

	// ServerURL is the base URL of the central ingest service
	// (e.g. "http://10.0.0.5:8000"). Required.
	ServerURL string `yaml:"server_url"`

	// PollInterval is how often observers are drained into the send queue.
	// Defaults to 5s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// UploadInterval is how often the send queue is flushed to the server.
	// Defaults to 20s.
	UploadInterval time.Duration `yaml:"upload_interval"`

	// MaxRetries is the per-request retry budget. Defaults to 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the first backoff step. Defaults to 2s.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// BatchSize caps how many events one upload round sends. Defaults to 50.
	BatchSize int `yaml:"batch_size"`

	// ConnectTimeout is the per-request HTTP deadline. Defaults to 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Observers toggles the four event sources. All default to enabled.
	Observers ObserverConfig `yaml:"observers"`

	// MonitoredPaths are the directories the file observer walks. When
	// empty, platform defaults (Documents, Downloads, Desktop, plus
	// OS-specific additions) are used, filtered to paths that exist.
	MonitoredPaths []string `yaml:"monitored_paths"`

	// SensitivePatterns mark file paths as sensitive when matched
	// case-insensitively. Defaults cover the usual confidential markers.
	SensitivePatterns []string `yaml:"sensitive_patterns"`

	// QueuePath is the SQLite offline queue location. Defaults to a
	// per-user cache directory.
	QueuePath string `yaml:"queue_path"`

	// HealthAddr is the listen address for the local /healthz + /metrics
	// server. Defaults to "127.0.0.1:9400".
	HealthAddr string `yaml:"health_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// ObserverConfig enables or disables individual event sources.
type ObserverConfig struct {
	File    *bool `yaml:"file"`
	Process *bool `yaml:"process"`
	Network *bool `yaml:"network"`
	Login   *bool `yaml:"login"`
}

// FileEnabled reports whether the file observer should run.
func (o ObserverConfig) FileEnabled() bool { return o.File == nil || *o.File }

// ProcessEnabled reports whether the process observer should run.
func (o ObserverConfig) ProcessEnabled() bool { return o.Process == nil || *o.Process }

// NetworkEnabled reports whether the network observer should run.
func (o ObserverConfig) NetworkEnabled() bool { return o.Network == nil || *o.Network }

// LoginEnabled reports whether the login observer should run.
func (o ObserverConfig) LoginEnabled() bool { return o.Login == nil || *o.Login }

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// defaultSensitivePatterns flag paths that usually carry restricted data.
var defaultSensitivePatterns = []string{
	"confidential", "secret", "salary", "payroll", "password",
	"credential", "financial", "contract", "customer", "ssn",
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. Pass an empty path to start
// from a zero config (flags fill in the rest).
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8000"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.UploadInterval <= 0 {
		cfg.UploadInterval = 20 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if len(cfg.MonitoredPaths) == 0 {
		cfg.MonitoredPaths = defaultMonitoredPaths()
	}
	if len(cfg.SensitivePatterns) == 0 {
		cfg.SensitivePatterns = append([]string(nil), defaultSensitivePatterns...)
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = defaultQueuePath()
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9400"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	} else if !userIDPattern.MatchString(cfg.UserID) {
		errs = append(errs, fmt.Errorf("user_id %q must match U<digits>", cfg.UserID))
	}
	if cfg.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

// defaultMonitoredPaths returns the user directories worth watching on this
// platform, filtered to those that exist.
func defaultMonitoredPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	candidates := []string{
		filepath.Join(home, "Documents"),
		filepath.Join(home, "Downloads"),
		filepath.Join(home, "Desktop"),
	}
	switch runtime.GOOS {
	case "windows":
		candidates = append(candidates, filepath.Join(home, "OneDrive"))
	case "darwin":
		candidates = append(candidates, filepath.Join(home, "Public"))
	default:
		candidates = append(candidates, "/tmp", filepath.Join(home, "shared"))
	}
	var existing []string
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			existing = append(existing, p)
		}
	}
	return existing
}

// defaultQueuePath places the offline queue under the per-user cache dir,
// falling back to the working directory when no cache dir is resolvable.
func defaultQueuePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "sentinel-queue.db"
	}
	return filepath.Join(dir, "sentinel", "queue.db")
}
