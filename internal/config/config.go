package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Runtime       RuntimeConfig       `toml:"runtime"`
	Debug         DebugConfig         `toml:"debug"`
	Store         StoreConfig         `toml:"store"`
	Log           LogConfig           `toml:"log"`
	Web           WebConfig           `toml:"web"`
	Notifications NotificationsConfig `toml:"notifications"`
	Schedules     []ScheduleConfig    `toml:"schedule"`
}

// RuntimeConfig describes how the script runtime subprocess is spawned and probed
type RuntimeConfig struct {
	Command              []string          `toml:"command"`
	WorkDir              string            `toml:"work_dir"`
	Host                 string            `toml:"host"`
	Port                 int               `toml:"port"` // 0 picks a free port
	HealthPath           string            `toml:"health_path"`
	ChannelPath          string            `toml:"channel_path"`
	HealthAttempts       int               `toml:"health_attempts"`
	HealthInitialBackoff int               `toml:"health_initial_backoff_ms"`
	HealthMaxBackoff     int               `toml:"health_max_backoff_ms"`
	StopTimeoutSecs      int               `toml:"stop_timeout_secs"`
	Env                  map[string]string `toml:"env"`
	EnvFile              string            `toml:"env_file"`
	APIKeyEnv            string            `toml:"api_key_env"`
}

// DebugConfig holds remote-debugging bridge settings
type DebugConfig struct {
	BaseURL          string `toml:"base_url"`
	HandshakeTimeout int    `toml:"handshake_timeout_secs"`
}

// StoreConfig holds run history settings
type StoreConfig struct {
	DatabasePath string `toml:"database_path"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"` // json or console
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`

	// NoStderr keeps log lines off the terminal, set by the TUI
	NoStderr bool `toml:"-"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// ScheduleConfig triggers a run-all on a cron expression
type ScheduleConfig struct {
	Name string `toml:"name"`
	Cron string `toml:"cron"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Runtime: RuntimeConfig{
			Command:              []string{"python", "-m", "nova_act.cell_runtime"},
			Host:                 "127.0.0.1",
			Port:                 0,
			HealthPath:           "/health",
			ChannelPath:          "/ws",
			HealthAttempts:       8,
			HealthInitialBackoff: 250,
			HealthMaxBackoff:     4000,
			StopTimeoutSecs:      5,
			APIKeyEnv:            "NOVA_ACT_API_KEY",
		},
		Debug: DebugConfig{
			BaseURL:          "http://127.0.0.1:9222",
			HandshakeTimeout: 10,
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(home, ".cellrun", "runs.db"),
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "console",
			MaxSizeMB: 20,
			MaxFiles:  3,
		},
		Web: WebConfig{
			Port: 8765,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.Runtime.WorkDir = ExpandPath(cfg.Runtime.WorkDir)
	cfg.Runtime.EnvFile = ExpandPath(cfg.Runtime.EnvFile)
	cfg.Store.DatabasePath = ExpandPath(cfg.Store.DatabasePath)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config is usable
func (c *Config) Validate() error {
	if len(c.Runtime.Command) == 0 {
		return fmt.Errorf("runtime.command is required")
	}
	if c.Runtime.Port < 0 || c.Runtime.Port > 65535 {
		return fmt.Errorf("runtime.port %d out of range", c.Runtime.Port)
	}
	if c.Runtime.HealthAttempts <= 0 {
		return fmt.Errorf("runtime.health_attempts must be positive")
	}
	for i, s := range c.Schedules {
		if s.Name == "" || s.Cron == "" {
			return fmt.Errorf("schedule %d: name and cron are required", i)
		}
	}
	return nil
}

// StopTimeout returns the grace period before a forced kill
func (r RuntimeConfig) StopTimeout() time.Duration {
	if r.StopTimeoutSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.StopTimeoutSecs) * time.Second
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cellrun", "config.toml")
}
