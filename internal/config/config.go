// Package config handles application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatguard/chatguard/internal/ratelimit"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Snapshot backends.
const (
	SnapshotNone     = "none"
	SnapshotRedis    = "redis"
	SnapshotPostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Rate      RateLimitConfig
	Validator ValidatorConfig
	Snapshot  SnapshotConfig
	Admin     AdminConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Env      string
	LogLevel string
}

// IsDevelopment returns true if the app is running in development mode.
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development" || a.Env == "dev"
}

// IsProduction returns true if the app is running in production mode.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Address returns the server address in host:port format.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Address returns the Redis address in host:port format.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled         bool
	Profiles        []string
	MessagesMax     int
	CleanupInterval time.Duration
	Whitelist       []string
	Blacklist       []string
	TrustProxy      bool
	TrustedProxies  []string
	UserIDHeader    string
	IdentifierField string

	// Profile applied to each route group. Empty disables limiting there.
	MessagesProfile string
	StreamProfile   string
	AdminProfile    string
}

// ValidatorConfig holds message validator defaults.
type ValidatorConfig struct {
	MaxLength      int
	MinLength      int
	AllowHTML      bool
	AllowLinks     bool
	RateLimitCheck bool
}

// SnapshotConfig controls manual snapshot and restore of limiter state.
type SnapshotConfig struct {
	Backend        string
	KeyPrefix      string
	Timeout        time.Duration
	RestoreOnStart bool
	SaveOnShutdown bool
}

// Enabled reports whether a snapshot backend is configured.
func (s SnapshotConfig) Enabled() bool {
	return s.Backend != "" && s.Backend != SnapshotNone
}

// AdminConfig holds admin API configuration.
type AdminConfig struct {
	Token string
}

// Enabled reports whether the admin API is mounted.
func (a AdminConfig) Enabled() bool {
	return a.Token != ""
}

// Load reads configuration from environment variables. Values from the file
// named by ENV_FILE (default ".env") fill in variables that are not already
// set; a missing file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(getEnvOrDefault("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	cfg := &Config{}
	var err error

	// App config
	cfg.App.Env = getEnvOrDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Server config
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")
	if cfg.Server.Port, err = getEnvAsInt("SERVER_PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	if cfg.Server.ReadTimeout, err = getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SERVER_READ_TIMEOUT: %w", err)
	}
	if cfg.Server.WriteTimeout, err = getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT: %w", err)
	}
	if cfg.Server.ShutdownTimeout, err = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT: %w", err)
	}

	// Database config
	cfg.Database.Host = getEnvOrDefault("DB_HOST", "localhost")
	if cfg.Database.Port, err = getEnvAsInt("DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.User = getEnvOrDefault("DB_USER", "chatguard")
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", "")
	cfg.Database.DBName = getEnvOrDefault("DB_NAME", "chatguard")
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")
	if cfg.Database.MaxOpenConns, err = getEnvAsInt("DB_MAX_OPEN_CONNS", 10); err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	if cfg.Database.MaxIdleConns, err = getEnvAsInt("DB_MAX_IDLE_CONNS", 2); err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	if cfg.Database.ConnMaxLifetime, err = getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}

	// Redis config
	cfg.Redis.Host = getEnvOrDefault("REDIS_HOST", "localhost")
	if cfg.Redis.Port, err = getEnvAsInt("REDIS_PORT", 6379); err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	if cfg.Redis.DB, err = getEnvAsInt("REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.Redis.PoolSize, err = getEnvAsInt("REDIS_POOL_SIZE", 10); err != nil {
		return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
	}

	// Rate limit config
	if cfg.Rate.Enabled, err = getEnvAsBool("RATE_LIMIT_ENABLED", true); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_ENABLED: %w", err)
	}
	cfg.Rate.Profiles = getEnvAsList("RATE_LIMIT_PROFILES", ratelimit.ProfileNames())
	if cfg.Rate.MessagesMax, err = getEnvAsInt("RATE_LIMIT_MESSAGES_MAX", 30); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_MESSAGES_MAX: %w", err)
	}
	if cfg.Rate.CleanupInterval, err = getEnvAsDuration("RATE_LIMIT_CLEANUP_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_CLEANUP_INTERVAL: %w", err)
	}
	cfg.Rate.Whitelist = getEnvAsList("RATE_LIMIT_WHITELIST", nil)
	cfg.Rate.Blacklist = getEnvAsList("RATE_LIMIT_BLACKLIST", nil)
	if cfg.Rate.TrustProxy, err = getEnvAsBool("RATE_LIMIT_TRUST_PROXY", false); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_TRUST_PROXY: %w", err)
	}
	cfg.Rate.TrustedProxies = getEnvAsList("RATE_LIMIT_TRUSTED_PROXIES", nil)
	cfg.Rate.UserIDHeader = getEnvOrDefault("RATE_LIMIT_USER_HEADER", "X-User-ID")
	cfg.Rate.IdentifierField = getEnvOrDefault("RATE_LIMIT_IDENTIFIER_FIELD", "email")
	cfg.Rate.MessagesProfile = getEnvOrDefault("RATE_LIMIT_MESSAGES_PROFILE", ratelimit.ProfileAPI)
	cfg.Rate.StreamProfile = getEnvOrDefault("RATE_LIMIT_STREAM_PROFILE", ratelimit.ProfileAPI)
	cfg.Rate.AdminProfile = getEnvOrDefault("RATE_LIMIT_ADMIN_PROFILE", ratelimit.ProfileSensitive)

	// Validator config
	if cfg.Validator.MaxLength, err = getEnvAsInt("MESSAGE_MAX_LENGTH", 5000); err != nil {
		return nil, fmt.Errorf("invalid MESSAGE_MAX_LENGTH: %w", err)
	}
	if cfg.Validator.MinLength, err = getEnvAsInt("MESSAGE_MIN_LENGTH", 1); err != nil {
		return nil, fmt.Errorf("invalid MESSAGE_MIN_LENGTH: %w", err)
	}
	if cfg.Validator.AllowHTML, err = getEnvAsBool("MESSAGE_ALLOW_HTML", false); err != nil {
		return nil, fmt.Errorf("invalid MESSAGE_ALLOW_HTML: %w", err)
	}
	if cfg.Validator.AllowLinks, err = getEnvAsBool("MESSAGE_ALLOW_LINKS", true); err != nil {
		return nil, fmt.Errorf("invalid MESSAGE_ALLOW_LINKS: %w", err)
	}
	if cfg.Validator.RateLimitCheck, err = getEnvAsBool("MESSAGE_RATE_LIMIT_CHECK", true); err != nil {
		return nil, fmt.Errorf("invalid MESSAGE_RATE_LIMIT_CHECK: %w", err)
	}

	// Snapshot config
	cfg.Snapshot.Backend = strings.ToLower(getEnvOrDefault("SNAPSHOT_BACKEND", SnapshotNone))
	cfg.Snapshot.KeyPrefix = getEnvOrDefault("SNAPSHOT_KEY_PREFIX", "chatguard:ratelimit")
	if cfg.Snapshot.Timeout, err = getEnvAsDuration("SNAPSHOT_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SNAPSHOT_TIMEOUT: %w", err)
	}
	if cfg.Snapshot.RestoreOnStart, err = getEnvAsBool("SNAPSHOT_RESTORE_ON_START", false); err != nil {
		return nil, fmt.Errorf("invalid SNAPSHOT_RESTORE_ON_START: %w", err)
	}
	if cfg.Snapshot.SaveOnShutdown, err = getEnvAsBool("SNAPSHOT_SAVE_ON_SHUTDOWN", false); err != nil {
		return nil, fmt.Errorf("invalid SNAPSHOT_SAVE_ON_SHUTDOWN: %w", err)
	}

	// Admin config
	cfg.Admin.Token = os.Getenv("ADMIN_TOKEN")

	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: SERVER_PORT %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Rate.MessagesMax <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_MESSAGES_MAX must be positive", ErrInvalidConfig)
	}
	if c.Rate.CleanupInterval <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_CLEANUP_INTERVAL must be positive", ErrInvalidConfig)
	}

	known := ratelimit.ProfileNames()
	for _, name := range c.Rate.Profiles {
		if !slices.Contains(known, name) {
			return fmt.Errorf("%w: unknown rate limit profile %q", ErrInvalidConfig, name)
		}
	}
	for _, route := range []struct{ env, profile string }{
		{"RATE_LIMIT_MESSAGES_PROFILE", c.Rate.MessagesProfile},
		{"RATE_LIMIT_STREAM_PROFILE", c.Rate.StreamProfile},
		{"RATE_LIMIT_ADMIN_PROFILE", c.Rate.AdminProfile},
	} {
		if route.profile != "" && !slices.Contains(c.Rate.Profiles, route.profile) {
			return fmt.Errorf("%w: %s %q is not an enabled profile", ErrInvalidConfig, route.env, route.profile)
		}
	}

	if c.Validator.MaxLength <= 0 {
		return fmt.Errorf("%w: MESSAGE_MAX_LENGTH must be positive", ErrInvalidConfig)
	}
	if c.Validator.MinLength < 0 || c.Validator.MinLength > c.Validator.MaxLength {
		return fmt.Errorf("%w: MESSAGE_MIN_LENGTH must be between 0 and MESSAGE_MAX_LENGTH", ErrInvalidConfig)
	}

	switch c.Snapshot.Backend {
	case SnapshotNone, SnapshotRedis:
	case SnapshotPostgres:
		if !c.DatabaseEnabled() {
			return fmt.Errorf("%w: postgres snapshots need DB_HOST and DB_PASSWORD", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown SNAPSHOT_BACKEND %q", ErrInvalidConfig, c.Snapshot.Backend)
	}
	if (c.Snapshot.RestoreOnStart || c.Snapshot.SaveOnShutdown) && !c.Snapshot.Enabled() {
		return fmt.Errorf("%w: snapshot restore or save requested without SNAPSHOT_BACKEND", ErrInvalidConfig)
	}

	return nil
}

// DatabaseEnabled returns true if database configuration is provided.
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Host != "" && c.Database.Password != ""
}

// RedisEnabled returns true if Redis configuration is provided.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the environment variable as an integer.
func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// getEnvAsDuration returns the environment variable as a duration.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// getEnvAsBool returns the environment variable as a boolean.
func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(valueStr)
}

// getEnvAsList splits a comma separated variable, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
