package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string                `toml:"environment"` // "development" or "production"
	Server      ServerConfig          `toml:"server"`
	Worker      WorkerConfig          `toml:"worker"`
	FileManager FileManagerConfig     `toml:"file_manager"`
	Storage     StorageConfig         `toml:"storage"`
	Logging     LoggingConfig         `toml:"logging"`
	Retention   RetentionConfig       `toml:"retention"`
	WebSocket   WebSocketConfig       `toml:"websocket"`
	Tools       map[string]ToolConfig `toml:"tools"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// WorkerConfig describes the remote scraping worker endpoints.
type WorkerConfig struct {
	URL            string `toml:"url"`             // WebSocket endpoint, e.g. "ws://localhost:5001/socket"
	APIURL         string `toml:"api_url"`         // HTTP base for stop/open-session calls
	ConnectTimeout string `toml:"connect_timeout"` // e.g. "5s" - ready watchdog
	PollInterval   string `toml:"poll_interval"`   // e.g. "2s" - file list reconciliation cadence
}

// FileManagerConfig describes the file manager service.
type FileManagerConfig struct {
	URL         string `toml:"url"`          // HTTP base, e.g. "http://localhost:5002"
	DownloadDir string `toml:"download_dir"` // Where merged artifacts are written
	Timeout     string `toml:"timeout"`      // HTTP client timeout (default "30s")
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// RetentionConfig controls the terminal-job sweep.
type RetentionConfig struct {
	Schedule string `toml:"schedule"` // Cron schedule, e.g. "@every 10m"
	MaxAge   string `toml:"max_age"`  // Terminal records older than this are pruned, e.g. "24h"
}

type WebSocketConfig struct {
	LogThrottleInterval string `toml:"log_throttle_interval"` // Min interval between log-refresh broadcasts
}

// ToolConfig describes one scraping tool profile. RequiredFields are the
// start parameters that must be non-blank; TwoPhase marks tools that need an
// interactive session opened before the main job can start.
type ToolConfig struct {
	RequiredFields []string `toml:"required_fields"`
	TwoPhase       bool     `toml:"two_phase"`
}

// DefaultConfig returns the baseline configuration applied before any file
// or environment overrides.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8190,
		},
		Worker: WorkerConfig{
			URL:            "ws://localhost:5001/socket",
			APIURL:         "http://localhost:5001",
			ConnectTimeout: "5s",
			PollInterval:   "2s",
		},
		FileManager: FileManagerConfig{
			URL:         "http://localhost:5002",
			DownloadDir: "./downloads",
			Timeout:     "30s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{Path: "./data/harvester"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Retention: RetentionConfig{
			Schedule: "@every 10m",
			MaxAge:   "24h",
		},
		WebSocket: WebSocketConfig{
			LogThrottleInterval: "500ms",
		},
		Tools: map[string]ToolConfig{
			"eproc": {
				RequiredFields: []string{"username", "password", "start_date", "end_date"},
			},
			"ireps": {
				RequiredFields: []string{"start_date", "end_date"},
				TwoPhase:       true,
			},
		},
	}
}

// LoadFromFiles loads configuration from defaults, then each file in order
// (later files override earlier ones), then environment variables.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies HARVESTER_* environment variables on top of the
// loaded configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HARVESTER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("HARVESTER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("HARVESTER_WORKER_URL"); v != "" {
		c.Worker.URL = v
	}
	if v := os.Getenv("HARVESTER_WORKER_API_URL"); v != "" {
		c.Worker.APIURL = v
	}
	if v := os.Getenv("HARVESTER_FILE_MANAGER_URL"); v != "" {
		c.FileManager.URL = v
	}
	if v := os.Getenv("HARVESTER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HARVESTER_BADGER_PATH"); v != "" {
		c.Storage.Badger.Path = v
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Worker.URL == "" {
		return fmt.Errorf("worker url is required")
	}
	if c.FileManager.URL == "" {
		return fmt.Errorf("file_manager url is required")
	}
	if _, err := c.ConnectTimeout(); err != nil {
		return fmt.Errorf("invalid worker connect_timeout: %w", err)
	}
	if _, err := c.PollInterval(); err != nil {
		return fmt.Errorf("invalid worker poll_interval: %w", err)
	}
	return nil
}

// ConnectTimeout returns the parsed ready-watchdog duration.
func (c *Config) ConnectTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Worker.ConnectTimeout)
}

// PollInterval returns the parsed file-list polling cadence.
func (c *Config) PollInterval() (time.Duration, error) {
	return time.ParseDuration(c.Worker.PollInterval)
}

// FileManagerTimeout returns the parsed file manager client timeout.
func (c *Config) FileManagerTimeout() time.Duration {
	d, err := time.ParseDuration(c.FileManager.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// RetentionMaxAge returns the parsed terminal-record retention age.
func (c *Config) RetentionMaxAge() time.Duration {
	d, err := time.ParseDuration(c.Retention.MaxAge)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// Tool returns the profile for a tool name, or false if unknown.
func (c *Config) Tool(name string) (ToolConfig, bool) {
	t, ok := c.Tools[name]
	return t, ok
}
