package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Streak   StreakConfig   `yaml:"streak"`
	Network  NetworkConfig  `yaml:"network"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings for the reference log service.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains remote sync target settings.
type RemoteConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"-"` // env-only, never in YAML
	UserID string `yaml:"user_id"`
}

// SyncConfig contains sync loop and retry settings.
type SyncConfig struct {
	Interval       Duration `yaml:"interval"`
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Parallelism    int      `yaml:"parallelism"`
}

// ScheduleConfig contains gating settings.
type ScheduleConfig struct {
	EveningCutoffHour int `yaml:"evening_cutoff_hour"`
}

// StreakConfig contains streak computation settings.
type StreakConfig struct {
	LookbackDays int   `yaml:"lookback_days"`
	Milestones   []int `yaml:"milestones"`
}

// NetworkConfig contains connectivity probe settings.
type NetworkConfig struct {
	ProbeInterval  Duration `yaml:"probe_interval"`
	ProbeTimeout   Duration `yaml:"probe_timeout"`
	RecoveryWindow Duration `yaml:"recovery_window"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
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

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("RITUAL_CONFIG_PATH", "config/ritual.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/ritual.db",
		},
		Remote: RemoteConfig{
			UserID: "local",
		},
		Sync: SyncConfig{
			Interval:       Duration(30 * time.Second),
			MaxAttempts:    5,
			InitialBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(30 * time.Second),
			Parallelism:    4,
		},
		Schedule: ScheduleConfig{
			EveningCutoffHour: 17,
		},
		Streak: StreakConfig{
			LookbackDays: 365,
			Milestones:   []int{7, 14, 30, 60, 100, 365},
		},
		Network: NetworkConfig{
			ProbeInterval:  Duration(15 * time.Second),
			ProbeTimeout:   Duration(5 * time.Second),
			RecoveryWindow: Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("RITUAL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RITUAL_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("RITUAL_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("RITUAL_REMOTE_URL"); v != "" {
		cfg.Remote.URL = v
	}
	if v := os.Getenv("RITUAL_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("RITUAL_USER_ID"); v != "" {
		cfg.Remote.UserID = v
	}

	// Sync
	if v := os.Getenv("RITUAL_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("RITUAL_SYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxAttempts = n
		}
	}
	if v := os.Getenv("RITUAL_SYNC_INITIAL_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.InitialBackoff = Duration(d)
		}
	}
	if v := os.Getenv("RITUAL_SYNC_MAX_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.MaxBackoff = Duration(d)
		}
	}

	// Schedule
	if v := os.Getenv("RITUAL_EVENING_CUTOFF_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Schedule.EveningCutoffHour = n
		}
	}

	// Streak
	if v := os.Getenv("RITUAL_STREAK_LOOKBACK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Streak.LookbackDays = n
		}
	}

	// Network
	if v := os.Getenv("RITUAL_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Network.ProbeInterval = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("RITUAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RITUAL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set. The engine runs
// fully offline without a remote, so the remote URL and API key are only
// required together: a URL without credentials is a misconfiguration.
func (c *Config) validate() error {
	if c.Remote.URL != "" && c.Remote.APIKey == "" {
		return errors.New("RITUAL_API_KEY is required when a remote URL is configured")
	}
	if c.Schedule.EveningCutoffHour < 0 || c.Schedule.EveningCutoffHour > 23 {
		return fmt.Errorf("evening_cutoff_hour %d out of range [0,23]", c.Schedule.EveningCutoffHour)
	}
	if c.Sync.MaxAttempts < 1 {
		return errors.New("sync.max_attempts must be at least 1")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
