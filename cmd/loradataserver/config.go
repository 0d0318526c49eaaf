package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Profile  ProfileConfig  `mapstructure:"profile"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds Postgres configuration.
type DatabaseConfig struct {
	// DSN is a postgres:// URL of the administrative role.
	DSN string `mapstructure:"dsn"`

	MaxOpenConns       int `mapstructure:"max_open_conns"`
	TenantMaxOpenConns int `mapstructure:"tenant_max_open_conns"`

	// RoleSecret derives per-tenant role passwords. Set via
	// LORADS_DATABASE_ROLE_SECRET.
	RoleSecret string `mapstructure:"role_secret"`
}

// MQTTConfig holds message bus configuration.
type MQTTConfig struct {
	URL      string `mapstructure:"url"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos"`
}

// ProfileConfig holds the application API client configuration.
type ProfileConfig struct {
	URL                string        `mapstructure:"url"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	CacheSize          int           `mapstructure:"cache_size"`
}

// SandboxConfig holds receive-function limits.
type SandboxConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// IngestConfig holds the rx worker pool configuration.
type IngestConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// StatsConfig holds stats flush configuration.
type StatsConfig struct {
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Profile.URL == "" {
		errs = append(errs, errors.New("profile.url is required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "postgres://loraserver@localhost:5432/lora_data?sslmode=disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.tenant_max_open_conns", 2)
	v.SetDefault("database.role_secret", "")
	v.SetDefault("mqtt.url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "loradataserver")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "application/+/node/+/+")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("profile.url", "https://localhost:8080/api")
	v.SetDefault("profile.insecure_skip_verify", true)
	v.SetDefault("profile.timeout", "10s")
	v.SetDefault("profile.cache_ttl", "30s")
	v.SetDefault("profile.cache_size", 1024)
	v.SetDefault("sandbox.timeout", "1s")
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.queue_size", 1024)
	v.SetDefault("stats.flush_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("LORADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
