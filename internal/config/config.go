package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	BaseDir   string `envconfig:"BASE_DIR" default:"./data" yaml:"baseDir"`
	Manager   ManagerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Static    StaticConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000" yaml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
}

// ManagerConfig holds app-manager health-check configuration.
type ManagerConfig struct {
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s" yaml:"healthCheckInterval"`
	AutoRestart         bool          `envconfig:"AUTO_RESTART" default:"false" yaml:"autoRestart"`
	MaxRestartAttempts  int           `envconfig:"MAX_RESTART_ATTEMPTS" default:"3" yaml:"maxRestartAttempts"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requestsPerSecond"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// StaticConfig holds static file server configuration.
type StaticConfig struct {
	Root     string `envconfig:"STATIC_ROOT" default:"./public" yaml:"root"`
	Prefix   string `envconfig:"STATIC_PREFIX" default:"/" yaml:"prefix"`
	MaxAge   int    `envconfig:"STATIC_MAX_AGE" default:"3600" yaml:"maxAge"`
	DotFiles string `envconfig:"STATIC_DOTFILES" default:"ignore" yaml:"dotFiles"`
	Gzip     bool   `envconfig:"STATIC_GZIP" default:"true" yaml:"gzip"`
}

// Load loads configuration from an optional YAML file followed by
// environment variables, which take precedence over any value the file
// sets. A missing file is not an error; envconfig's defaults apply.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", yamlPath, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from the given YAML path plus
// environment, falling back to Default() on any error.
func LoadOrDefault(yamlPath string) *Config {
	cfg, err := Load(yamlPath)
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		BaseDir: "./data",
		Manager: ManagerConfig{
			HealthCheckInterval: 30 * time.Second,
			AutoRestart:         false,
			MaxRestartAttempts:  3,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Static: StaticConfig{
			Root:     "./public",
			Prefix:   "/",
			MaxAge:   3600,
			DotFiles: "ignore",
			Gzip:     true,
		},
	}
}
