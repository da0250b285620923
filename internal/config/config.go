// Package config loads the studio server configuration: defaults, then an
// optional YAML file named by STUDIO_CONFIG, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bizmatters/contract-studio/internal/models"
)

// FileEnv names the environment variable holding the YAML config path
const FileEnv = "STUDIO_CONFIG"

var validate = validator.New()

// Config holds all configuration for the server
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `yaml:"port" validate:"min=1,max=65535"`
	Host            string `yaml:"host"`
	ReadTimeout     int    `yaml:"read_timeout" validate:"min=0"`  // seconds
	WriteTimeout    int    `yaml:"write_timeout" validate:"min=0"` // seconds, 0 streams without limit
	IdleTimeout     int    `yaml:"idle_timeout" validate:"min=0"`  // seconds
	ShutdownTimeout int    `yaml:"shutdown_timeout" validate:"min=1"`
}

// AgentConfig points at the agent backend
type AgentConfig struct {
	URL string `yaml:"url" validate:"required,url"`
}

// StorageConfig selects where conversations are persisted
type StorageConfig struct {
	Type     string         `yaml:"type" validate:"oneof=remote memory sqlite postgres s3"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	S3       S3Config       `yaml:"s3"`
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// S3Config holds object storage settings. Endpoint is set for S3-compatible
// providers.
type S3Config struct {
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

// SessionConfig tunes studio sessions
type SessionConfig struct {
	SaveDelayMS          int `yaml:"save_delay_ms" validate:"min=0"`
	IdleTimeoutMinutes   int `yaml:"idle_timeout_minutes" validate:"min=1"`
	EvictIntervalSeconds int `yaml:"evict_interval_seconds" validate:"min=1"`
}

// AuthConfig holds operator authentication settings
type AuthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	JWTSecret       string        `yaml:"jwt_secret"`
	TokenTTLMinutes int           `yaml:"token_ttl_minutes" validate:"min=1"`
	Users           []models.User `yaml:"users" validate:"dive"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" validate:"min=1"`
	BurstSize      int  `yaml:"burst_size" validate:"min=1"`
	CleanupMinutes int  `yaml:"cleanup_minutes" validate:"min=1"`
}

// CORSConfig lists browser origins allowed to call the API
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     15,
			WriteTimeout:    0,
			IdleTimeout:     60,
			ShutdownTimeout: 30,
		},
		Agent: AgentConfig{URL: "http://localhost:8000"},
		Storage: StorageConfig{
			Type:   "remote",
			SQLite: SQLiteConfig{Path: "./data/studio.db"},
			S3:     S3Config{Region: "us-east-1"},
		},
		Session: SessionConfig{
			SaveDelayMS:          1000,
			IdleTimeoutMinutes:   30,
			EvictIntervalSeconds: 60,
		},
		Auth: AuthConfig{TokenTTLMinutes: 24 * 60},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 300,
			BurstSize:      50,
			CleanupMinutes: 10,
		},
		CORS: CORSConfig{AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"}},
	}
}

// Load builds the configuration and validates it
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Server.Host = getEnv("HOST", c.Server.Host)
	c.Server.ReadTimeout = getEnvInt("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvInt("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvInt("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvInt("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Agent.URL = getEnv("AGENT_URL", c.Agent.URL)

	c.Storage.Type = getEnv("STORAGE_TYPE", c.Storage.Type)
	c.Storage.Postgres.URL = getEnv("DATABASE_URL", c.Storage.Postgres.URL)
	c.Storage.SQLite.Path = getEnv("SQLITE_PATH", c.Storage.SQLite.Path)
	c.Storage.S3.Region = getEnv("S3_REGION", c.Storage.S3.Region)
	c.Storage.S3.Bucket = getEnv("S3_BUCKET", c.Storage.S3.Bucket)
	c.Storage.S3.Endpoint = getEnv("S3_ENDPOINT", c.Storage.S3.Endpoint)

	c.Session.SaveDelayMS = getEnvInt("SESSION_SAVE_DELAY_MS", c.Session.SaveDelayMS)
	c.Session.IdleTimeoutMinutes = getEnvInt("SESSION_IDLE_TIMEOUT_MINUTES", c.Session.IdleTimeoutMinutes)
	c.Session.EvictIntervalSeconds = getEnvInt("SESSION_EVICT_INTERVAL_SECONDS", c.Session.EvictIntervalSeconds)

	c.Auth.Enabled = getEnvBool("AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenTTLMinutes = getEnvInt("JWT_TTL_MINUTES", c.Auth.TokenTTLMinutes)

	c.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Logging.Format))

	c.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.RequestsPerMin = getEnvInt("RATE_LIMIT_RPM", c.RateLimit.RequestsPerMin)
	c.RateLimit.BurstSize = getEnvInt("RATE_LIMIT_BURST", c.RateLimit.BurstSize)
	c.RateLimit.CleanupMinutes = getEnvInt("RATE_LIMIT_CLEANUP_MINUTES", c.RateLimit.CleanupMinutes)

	c.CORS.AllowedOrigins = getEnvStringSlice("CORS_ALLOWED_ORIGINS", c.CORS.AllowedOrigins)
}

// Validate checks field constraints and the settings each storage type and
// auth mode requires
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var errs []error
	switch c.Storage.Type {
	case "postgres":
		if c.Storage.Postgres.URL == "" {
			errs = append(errs, errors.New("postgres storage requires DATABASE_URL"))
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite storage requires SQLITE_PATH"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 storage requires S3_BUCKET"))
		}
	}
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth requires JWT_SECRET"))
		}
		if len(c.Auth.Users) == 0 {
			errs = append(errs, errors.New("auth requires at least one configured user"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SaveDelay returns the session save debounce delay
func (s SessionConfig) SaveDelay() time.Duration {
	return time.Duration(s.SaveDelayMS) * time.Millisecond
}

// IdleTimeout returns how long an unused session is kept
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// EvictInterval returns how often idle sessions are swept
func (s SessionConfig) EvictInterval() time.Duration {
	return time.Duration(s.EvictIntervalSeconds) * time.Second
}

// TokenTTL returns the lifetime of issued tokens
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

// NewLogger builds the process logger from the logging settings
func NewLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
