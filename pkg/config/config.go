// Package config loads application configuration from environment variables,
// optionally overlaid on a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Avatars  AvatarConfig   `yaml:"avatars"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Metrics server (separate port for scrapes and probes)
	MetricsPort string `yaml:"metrics_port"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// RedisConfig holds the optional identity-cache Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the L2 cache
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds token lifecycle configuration
type AuthConfig struct {
	AccessSecret  string        `yaml:"access_secret"`
	RefreshSecret string        `yaml:"refresh_secret"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	CookieSecure  bool          `yaml:"cookie_secure"`
}

// AvatarConfig selects and configures the avatar object store
type AvatarConfig struct {
	Type string `yaml:"type"` // "filesystem" or "s3"

	// Filesystem
	Root string `yaml:"root"`

	// S3 (also MinIO-compatible endpoints)
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`
}

// JanitorConfig holds scheduled-maintenance configuration
type JanitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron spec
}

// Load builds configuration from an optional YAML file path and the
// environment. Environment variables win over file values.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MetricsPort:     "9090",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnLifetime: 30 * time.Minute,
		},
		Auth: AuthConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Avatars: AvatarConfig{
			Type: "filesystem",
			Root: "./data/avatars",
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: "@hourly",
		},
		LogLevel: "info",
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("TASKFORGE_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("TASKFORGE_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("TASKFORGE_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("TASKFORGE_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("TASKFORGE_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("TASKFORGE_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.MetricsPort = getEnv("TASKFORGE_METRICS_PORT", cfg.Server.MetricsPort)

	cfg.Database.URL = getEnv("TASKFORGE_POSTGRES_URL", cfg.Database.URL)
	cfg.Database.MaxOpenConns = getEnvInt("TASKFORGE_POSTGRES_MAX_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvInt("TASKFORGE_POSTGRES_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnLifetime = getEnvDuration("TASKFORGE_POSTGRES_CONN_LIFETIME", cfg.Database.ConnLifetime)

	cfg.Redis.Addr = getEnv("TASKFORGE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("TASKFORGE_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("TASKFORGE_REDIS_DB", cfg.Redis.DB)

	cfg.Auth.AccessSecret = getEnv("TASKFORGE_ACCESS_TOKEN_SECRET", cfg.Auth.AccessSecret)
	cfg.Auth.RefreshSecret = getEnv("TASKFORGE_REFRESH_TOKEN_SECRET", cfg.Auth.RefreshSecret)
	cfg.Auth.AccessTTL = getEnvDuration("TASKFORGE_ACCESS_TOKEN_TTL", cfg.Auth.AccessTTL)
	cfg.Auth.RefreshTTL = getEnvDuration("TASKFORGE_REFRESH_TOKEN_TTL", cfg.Auth.RefreshTTL)
	cfg.Auth.CookieSecure = getEnvBool("TASKFORGE_COOKIE_SECURE", cfg.Auth.CookieSecure)

	cfg.Avatars.Type = getEnv("TASKFORGE_AVATAR_STORE", cfg.Avatars.Type)
	cfg.Avatars.Root = getEnv("TASKFORGE_AVATAR_ROOT", cfg.Avatars.Root)
	cfg.Avatars.S3Endpoint = getEnv("TASKFORGE_S3_ENDPOINT", cfg.Avatars.S3Endpoint)
	cfg.Avatars.S3Region = getEnv("TASKFORGE_S3_REGION", cfg.Avatars.S3Region)
	cfg.Avatars.S3Bucket = getEnv("TASKFORGE_S3_BUCKET", cfg.Avatars.S3Bucket)
	cfg.Avatars.S3AccessKey = getEnv("TASKFORGE_S3_ACCESS_KEY", cfg.Avatars.S3AccessKey)
	cfg.Avatars.S3SecretKey = getEnv("TASKFORGE_S3_SECRET_KEY", cfg.Avatars.S3SecretKey)
	cfg.Avatars.S3UsePathStyle = getEnvBool("TASKFORGE_S3_USE_PATH_STYLE", cfg.Avatars.S3UsePathStyle)

	cfg.Janitor.Enabled = getEnvBool("TASKFORGE_JANITOR_ENABLED", cfg.Janitor.Enabled)
	cfg.Janitor.Schedule = getEnv("TASKFORGE_JANITOR_SCHEDULE", cfg.Janitor.Schedule)

	cfg.LogLevel = getEnv("TASKFORGE_LOG_LEVEL", cfg.LogLevel)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MetricsPort == "" {
		return fmt.Errorf("metrics port is required")
	}
	if c.Server.Port == c.Server.MetricsPort {
		return fmt.Errorf("server port and metrics port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Auth.AccessSecret == "" {
		return fmt.Errorf("access token secret is required")
	}
	if c.Auth.RefreshSecret == "" {
		return fmt.Errorf("refresh token secret is required")
	}
	if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		return fmt.Errorf("access and refresh token secrets must differ")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		return fmt.Errorf("refresh token lifetime must exceed access token lifetime")
	}

	switch c.Avatars.Type {
	case "filesystem":
		if c.Avatars.Root == "" {
			return fmt.Errorf("avatar root is required for filesystem storage")
		}
	case "s3":
		if c.Avatars.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 avatar storage")
		}
	default:
		return fmt.Errorf("invalid avatar store type: %s (must be filesystem or s3)", c.Avatars.Type)
	}

	return nil
}

// ParsedLogLevel converts the configured level string
func (c *Config) ParsedLogLevel() observability.LogLevel {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
