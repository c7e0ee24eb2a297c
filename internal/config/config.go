// Package config handles configuration loading and validation for reliefsync.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/hay-kot/criterio"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	HTTP      HTTPConfig     `yaml:"http"`
	Queue     QueueConfig    `yaml:"queue"`
	Sync      SyncConfig     `yaml:"sync"`
	Priority  PriorityConfig `yaml:"priority"`
	Conflicts ConflictConfig `yaml:"conflicts"`
	Notify    NotifyConfig   `yaml:"notify"`
	Log       LogConfig      `yaml:"log"`
	DataDir   string         `yaml:"-"` // set by caller, not from config file
}

// ServerConfig points at the relief server uploads go to.
type ServerConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPConfig configures the local inspection API.
type HTTPConfig struct {
	Addr             string   `yaml:"addr"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	TriggerPerMinute int      `yaml:"trigger_per_minute"` // manual sync triggers; 0 is unlimited
}

// QueueConfig bounds the local queue.
type QueueConfig struct {
	MaxSize int `yaml:"max_size"` // 0 is unbounded
}

// SyncConfig controls the executor and scheduler.
type SyncConfig struct {
	DeviceID         string        `yaml:"device_id"`
	Workers          int           `yaml:"workers"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`
	MaxAutoRetries   int           `yaml:"max_auto_retries"`
	KeepSynced       bool          `yaml:"keep_synced"`
	Interval         time.Duration `yaml:"interval"`
	ConflictInterval time.Duration `yaml:"conflict_interval"`
	PassTimeout      time.Duration `yaml:"pass_timeout"`
}

// PriorityConfig sets the bucket base scores.
type PriorityConfig struct {
	HighBase   float64 `yaml:"high_base"`
	NormalBase float64 `yaml:"normal_base"`
	LowBase    float64 `yaml:"low_base"`
}

// ConflictConfig overrides the sensitive fields per entity type.
type ConflictConfig struct {
	SensitiveFields map[string][]string `yaml:"sensitive_fields"`
}

// NotifyConfig controls the notification bridge.
type NotifyConfig struct {
	MaxPerMinute      int           `yaml:"max_per_minute"`
	BatchWindow       time.Duration `yaml:"batch_window"`
	DefaultDuration   time.Duration `yaml:"default_duration"`
	EmergencyDuration time.Duration `yaml:"emergency_duration"`
	RetrySuccess      bool          `yaml:"retry_success"`
}

// LogConfig selects the log level and optional file.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Timeout: 30 * time.Second},
		HTTP:   HTTPConfig{Addr: "127.0.0.1:8090", TriggerPerMinute: 12},
		Sync: SyncConfig{
			Workers:          2,
			UploadTimeout:    15 * time.Second,
			Interval:         30 * time.Second,
			ConflictInterval: 30 * time.Second,
			PassTimeout:      5 * time.Minute,
		},
		Priority: PriorityConfig{HighBase: 100, NormalBase: 50, LowBase: 10},
		Notify: NotifyConfig{
			MaxPerMinute:      10,
			BatchWindow:       2 * time.Second,
			DefaultDuration:   4 * time.Second,
			EmergencyDuration: 7 * time.Second,
			RetrySuccess:      true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from configPath over the defaults. A missing file
// is not an error.
func Load(configPath, dataDir string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}
	cfg.DataDir = dataDir

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for zeroed options that must not be zero.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Sync.Workers == 0 {
		c.Sync.Workers = defaults.Sync.Workers
	}
	if c.Sync.UploadTimeout == 0 {
		c.Sync.UploadTimeout = defaults.Sync.UploadTimeout
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = defaults.Sync.Interval
	}
	if c.Sync.ConflictInterval == 0 {
		c.Sync.ConflictInterval = defaults.Sync.ConflictInterval
	}
	if c.Sync.PassTimeout == 0 {
		c.Sync.PassTimeout = defaults.Sync.PassTimeout
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = defaults.Server.Timeout
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = defaults.HTTP.Addr
	}
	if c.Sync.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Sync.DeviceID = host
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	return criterio.ValidateStruct(
		criterio.Run("data_dir", c.DataDir, isDirectoryOrNotExist),
		criterio.Run("server.url", c.Server.URL, optionalURL),
		criterio.Run("sync.workers", c.Sync.Workers, atLeast(1)),
		criterio.Run("sync.max_auto_retries", c.Sync.MaxAutoRetries, atLeast(0)),
		criterio.Run("queue.max_size", c.Queue.MaxSize, atLeast(0)),
		criterio.Run("notify.max_per_minute", c.Notify.MaxPerMinute, atLeast(0)),
		criterio.Run("http.trigger_per_minute", c.HTTP.TriggerPerMinute, atLeast(0)),
		criterio.Run("sync.upload_timeout", c.Sync.UploadTimeout, positive),
		criterio.Run("sync.interval", c.Sync.Interval, positive),
		criterio.Run("priority", c.Priority, orderedBases),
	)
}

// DBPath returns the sqlite file location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "reliefsync.db")
}

func atLeast(n int) func(int) error {
	return func(v int) error {
		if v < n {
			return fmt.Errorf("must be at least %d", n)
		}
		return nil
	}
}

func positive(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func optionalURL(raw string) error {
	if raw == "" {
		return nil // offline only
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an http(s) url")
	}
	return nil
}

func orderedBases(p PriorityConfig) error {
	if !(p.HighBase > p.NormalBase && p.NormalBase > p.LowBase) {
		return fmt.Errorf("bases must satisfy high > normal > low")
	}
	return nil
}

// isDirectoryOrNotExist validates that a path is a directory or doesn't exist.
func isDirectoryOrNotExist(path string) error {
	if path == "" {
		return fmt.Errorf("cannot be empty")
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil // will be created
	}
	if err != nil {
		return fmt.Errorf("cannot access: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("exists but is not a directory")
	}
	return nil
}
