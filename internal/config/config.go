// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis. Optional; when set the chain head store is backed by Redis
	// instead of PostgreSQL.
	RedisAddr string `koanf:"redis_addr"`

	// JWT Authentication. The previous secret stays accepted during
	// rotation windows.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTSecretPrevious string `koanf:"jwt_secret_previous"`

	// Archive (S3-compatible object storage for chain exports)
	ArchiveBucketName      string `koanf:"archive_bucket_name"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`

	// Background verification sweep
	VerifyIntervalMinutes int `koanf:"verify_interval_minutes"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL          = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret            = errors.New("JWT_SECRET is required")
	ErrMissingArchiveBucketName    = errors.New("ARCHIVE_BUCKET_NAME is required")
	ErrMissingArchiveAccessKeyID   = errors.New("ARCHIVE_ACCESS_KEY_ID is required")
	ErrMissingArchiveSecretKey     = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required")
	ErrMissingArchiveEndpoint      = errors.New("ARCHIVE_ENDPOINT is required")
	ErrInvalidPort                 = errors.New("PORT must be a valid integer")
	ErrInvalidVerifyInterval       = errors.New("VERIFY_INTERVAL_MINUTES must be a valid integer")
	ErrNonPositiveVerifyInterval   = errors.New("VERIFY_INTERVAL_MINUTES must be positive")
	ErrPreviousSecretWithoutActive = errors.New("JWT_SECRET_PREVIOUS requires JWT_SECRET")
)

// Default values for non-secret configuration.
const (
	DefaultPort                  = 8080
	DefaultEnv                   = "development"
	DefaultVerifyIntervalMinutes = 15
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Try QUORUM_PORT first, then PORT for platform compatibility
	port, portErr := getEnvIntOrDefaultMulti([]string{"QUORUM_PORT", "PORT"}, k.Int("port"), DefaultPort, ErrInvalidPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	verifyInterval, intervalErr := getEnvIntOrDefaultMulti([]string{"VERIFY_INTERVAL_MINUTES"},
		k.Int("verify_interval_minutes"), DefaultVerifyIntervalMinutes, ErrInvalidVerifyInterval)
	if intervalErr != nil {
		loadErrs = append(loadErrs, intervalErr)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                   port,
		Env:                    getEnvOrDefaultMulti([]string{"QUORUM_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisAddr:              getEnvOrKoanf("REDIS_ADDR", k, "redis_addr"),
		JWTSecret:              getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTSecretPrevious:      getEnvOrKoanf("JWT_SECRET_PREVIOUS", k, "jwt_secret_previous"),
		ArchiveBucketName:      getEnvOrKoanf("ARCHIVE_BUCKET_NAME", k, "archive_bucket_name"),
		ArchiveAccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),
		ArchiveEndpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		VerifyIntervalMinutes:  verifyInterval,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
// Note: a zero value in a YAML file falls back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int, parseErr error) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, parseErr)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.JWTSecretPrevious != "" && c.JWTSecret == "" {
		errs = append(errs, ErrPreviousSecretWithoutActive)
	}
	if c.VerifyIntervalMinutes <= 0 {
		errs = append(errs, ErrNonPositiveVerifyInterval)
	}

	// Archive configuration is optional. Only validate fields if any archive
	// value is set.
	if c.ArchiveBucketName != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "" || c.ArchiveEndpoint != "" {
		if c.ArchiveBucketName == "" {
			errs = append(errs, ErrMissingArchiveBucketName)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretKey)
		}
		if c.ArchiveEndpoint == "" {
			errs = append(errs, ErrMissingArchiveEndpoint)
		}
	}

	return errs
}

// ArchiveEnabled reports whether the optional export archive is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucketName != ""
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      fmt.Sprintf("%d", c.Port),
		"env":                       c.Env,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"redis_addr":                c.RedisAddr,
		"jwt_secret":                maskSecret(c.JWTSecret),
		"jwt_secret_previous":       maskSecret(c.JWTSecretPrevious),
		"archive_bucket_name":       c.ArchiveBucketName,
		"archive_access_key_id":     maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key": maskSecret(c.ArchiveSecretAccessKey),
		"archive_endpoint":          c.ArchiveEndpoint,
		"verify_interval_minutes":   fmt.Sprintf("%d", c.VerifyIntervalMinutes),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a database URL.
// Supports both postgres:// and postgresql:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	// Simple approach: find :// and then mask between : and @
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
