package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all agent configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sync      SyncConfig      `yaml:"sync"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Host      HostConfig      `yaml:"host"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" yaml:"port"`
	Host string `envconfig:"HOST" yaml:"host"`
}

// SyncConfig holds orchestrator configuration.
type SyncConfig struct {
	// Strategy selects the default delivery strategy: "direct" or "background".
	Strategy string `envconfig:"SYNC_STRATEGY" yaml:"strategy"`
	// BackgroundTimeout bounds how long the background-tab path waits for a
	// navigation trigger before forcing the injection and closing the tab.
	BackgroundTimeout time.Duration `envconfig:"SYNC_BACKGROUND_TIMEOUT" yaml:"background_timeout"`
	// WriteTimeout bounds a single direct injection.
	WriteTimeout time.Duration `envconfig:"SYNC_WRITE_TIMEOUT" yaml:"write_timeout"`
}

// WatcherConfig holds change-detection configuration.
type WatcherConfig struct {
	PollInterval time.Duration `envconfig:"WATCH_POLL_INTERVAL" yaml:"poll_interval"`
}

// HostConfig selects and configures the tab host backing the agent.
type HostConfig struct {
	// Kind is "page" for the embedded goja host or "remote" for the HTTP
	// bridge adapter.
	Kind    string `envconfig:"HOST_KIND" yaml:"kind"`
	Address string `envconfig:"HOST_ADDR" yaml:"address"`
	Token   string `envconfig:"HOST_TOKEN" yaml:"token"`
}

// StoreConfig holds persistent store configuration.
type StoreConfig struct {
	// Path is the store file location. Empty keeps the store in memory.
	Path string `envconfig:"STORE_PATH" yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled"`
}

// Load builds configuration in three layers: compiled-in defaults, then an
// optional YAML file, then environment variables. Later layers win.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load("")
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if c.Sync.Strategy != "direct" && c.Sync.Strategy != "background" {
		return fmt.Errorf("invalid sync strategy %q", c.Sync.Strategy)
	}
	if c.Host.Kind != "page" && c.Host.Kind != "remote" {
		return fmt.Errorf("invalid host kind %q", c.Host.Kind)
	}
	if c.Watcher.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8090",
			Host: "0.0.0.0",
		},
		Sync: SyncConfig{
			Strategy:          "direct",
			BackgroundTimeout: 10 * time.Second,
			WriteTimeout:      5 * time.Second,
		},
		Watcher: WatcherConfig{
			PollInterval: 500 * time.Millisecond,
		},
		Host: HostConfig{
			Kind:    "page",
			Address: "http://127.0.0.1:9222",
		},
		Store: StoreConfig{},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
