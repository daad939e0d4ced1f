// Package config loads the engine configuration from a YAML file with
// environment variable overrides. Secrets live in the environment (or a
// local .env file); the YAML carries structure and tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
}

// ServerConfig holds HTTP server configuration. MetricsPort is the
// worker's Prometheus listener; the API server serves /metrics on its
// main port.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsAddr returns the worker metrics listen address.
func (c ServerConfig) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the Redis connection settings. An empty URL disables
// Redis; the rate limiter is then off and locks fall back to PostgreSQL
// advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// TrackingConfig holds the public tracking surface settings.
type TrackingConfig struct {
	// BaseURL is the public origin tracking links are minted under.
	BaseURL string `yaml:"base_url"`
	// SigningKey authenticates tracking tokens. Rotating it invalidates
	// all outstanding links.
	SigningKey string `yaml:"signing_key"`
}

// RateLimitConfig holds the tracking-hit limits; per-API-key send limits
// live on the api_keys rows.
type RateLimitConfig struct {
	IPPerMinute int `yaml:"ip_per_minute"`
	IPPerDay    int `yaml:"ip_per_day"`
	IPBurst     int `yaml:"ip_burst"`
}

// DispatchConfig holds scheduler and send worker pool tunables.
type DispatchConfig struct {
	NumWorkers          int     `yaml:"num_workers"`
	BatchSize           int     `yaml:"batch_size"`
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
	MaxAttempts         int     `yaml:"max_attempts"`
	MaxDeferrals        int     `yaml:"max_deferrals"`
	MessagesPerSec      float64 `yaml:"messages_per_sec"`
}

// PollInterval returns the send worker poll interval as a duration.
func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// WebhookConfig holds the delivery loop tunables.
type WebhookConfig struct {
	NumWorkers      int `yaml:"num_workers"`
	BatchSize       int `yaml:"batch_size"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
	MaxAttempts     int `yaml:"max_attempts"`
	BaseDelaySecs   int `yaml:"base_delay_seconds"`
	MaxDelaySecs    int `yaml:"max_delay_seconds"`
}

// Timeout returns the per-destination request timeout.
func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BaseDelay returns the retry schedule base delay.
func (c WebhookConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySecs) * time.Second
}

// MaxDelay returns the retry schedule cap.
func (c WebhookConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySecs) * time.Second
}

// Load reads and parses the configuration file, filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9091
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = fmt.Sprintf("http://%s", cfg.Server.Addr())
	}
	if cfg.RateLimit.IPPerMinute == 0 {
		cfg.RateLimit.IPPerMinute = 120
	}
	if cfg.RateLimit.IPPerDay == 0 {
		cfg.RateLimit.IPPerDay = 20000
	}
	if cfg.RateLimit.IPBurst == 0 {
		cfg.RateLimit.IPBurst = 30
	}
	if cfg.Dispatch.NumWorkers == 0 {
		cfg.Dispatch.NumWorkers = 10
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 50
	}
	if cfg.Dispatch.PollIntervalSeconds == 0 {
		cfg.Dispatch.PollIntervalSeconds = 5
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 5
	}
	if cfg.Dispatch.MaxDeferrals == 0 {
		cfg.Dispatch.MaxDeferrals = 10
	}
	if cfg.Dispatch.MessagesPerSec == 0 {
		cfg.Dispatch.MessagesPerSec = 50
	}
	if cfg.Webhooks.NumWorkers == 0 {
		cfg.Webhooks.NumWorkers = 4
	}
	if cfg.Webhooks.BatchSize == 0 {
		cfg.Webhooks.BatchSize = 25
	}
	if cfg.Webhooks.TimeoutSeconds == 0 {
		cfg.Webhooks.TimeoutSeconds = 10
	}
	if cfg.Webhooks.MaxAttempts == 0 {
		cfg.Webhooks.MaxAttempts = 5
	}
	if cfg.Webhooks.BaseDelaySecs == 0 {
		cfg.Webhooks.BaseDelaySecs = 30
	}
	if cfg.Webhooks.MaxDelaySecs == 0 {
		cfg.Webhooks.MaxDelaySecs = 300
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first if present, so secrets can live there
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_SIGNING_KEY"); v != "" {
		cfg.Tracking.SigningKey = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = port
		}
	}

	if cfg.Tracking.SigningKey == "" {
		return nil, fmt.Errorf("tracking signing key is required (TRACKING_SIGNING_KEY or tracking.signing_key)")
	}
	return cfg, nil
}
