package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/Elmontag/calsync/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// DefaultIMAPTimeoutSeconds is used when IMAP_CLIENT_TIMEOUT is unset or unparsable.
const DefaultIMAPTimeoutSeconds = 180

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	IMAP         IMAPConfig
	OIDC         OIDCConfig
	RateLimiting RateLimitConfig
	AutoSync     AutoSyncConfig
	Alerts       AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int
	BaseURL        string
	Environment    Environment
	AllowedOrigins []string
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	SecretKey     string
	SessionSecret string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// IMAPConfig holds mailbox client configuration.
type IMAPConfig struct {
	ClientTimeoutSeconds int
}

// OIDCConfig holds the optional OIDC authentication configuration.
// Authentication is enabled only when an issuer is configured.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// AutoSyncConfig holds the startup defaults for the periodic sync cycle.
type AutoSyncConfig struct {
	Enabled         bool
	IntervalMinutes int
	AutoResponse    string
}

// AlertConfig holds the optional failure alerting configuration.
type AlertConfig struct {
	WebhookEnabled  bool
	WebhookURL      string
	EmailEnabled    bool
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SMTPTo          []string
	SMTPTLS         bool
	CooldownMinutes int
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := &Config{}

	// Server configuration
	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.BaseURL = getEnv("BASE_URL", fmt.Sprintf("http://localhost:%d", port))
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))
	cfg.Server.AllowedOrigins = splitList(getEnv("ALLOWED_ORIGINS", "*"))

	// Security configuration
	cfg.Security.SecretKey = getEnvRequired("CALSYNC_SECRET_KEY")
	cfg.Security.SessionSecret = os.Getenv("SESSION_SECRET")

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calsync.db")

	// Mailbox client configuration. Invalid values fall back to the default
	// with a warning instead of failing startup.
	cfg.IMAP.ClientTimeoutSeconds = DefaultIMAPTimeoutSeconds
	if raw := os.Getenv("IMAP_CLIENT_TIMEOUT"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			log.Printf("Invalid IMAP_CLIENT_TIMEOUT %q, falling back to %d seconds", raw, DefaultIMAPTimeoutSeconds)
		} else {
			cfg.IMAP.ClientTimeoutSeconds = parsed
		}
	}

	// OIDC configuration (optional; enabled when an issuer is set)
	cfg.OIDC.Issuer = os.Getenv("OIDC_ISSUER")
	cfg.OIDC.ClientID = os.Getenv("OIDC_CLIENT_ID")
	cfg.OIDC.ClientSecret = os.Getenv("OIDC_CLIENT_SECRET")
	cfg.OIDC.RedirectURL = os.Getenv("OIDC_REDIRECT_URL")
	if cfg.AuthEnabled() {
		if cfg.Security.SessionSecret == "" {
			return nil, fmt.Errorf("%w: SESSION_SECRET (required when OIDC is enabled)", ErrMissingConfig)
		}
		if len(cfg.Security.SessionSecret) < 32 {
			return nil, ErrSessionSecretSize
		}
	}

	// Rate limiting configuration
	rps, err := getEnvFloat("RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.RPS = rps

	burst, err := getEnvInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.Burst = burst

	// Auto-sync defaults
	cfg.AutoSync.Enabled = getEnvBool("AUTO_SYNC_ENABLED", false)
	interval, err := getEnvInt("AUTO_SYNC_INTERVAL_MINUTES", 5)
	if err != nil {
		return nil, fmt.Errorf("%w: AUTO_SYNC_INTERVAL_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.AutoSync.IntervalMinutes = interval
	cfg.AutoSync.AutoResponse = strings.ToLower(getEnv("AUTO_SYNC_RESPONSE", "none"))

	// Alerting (optional)
	cfg.Alerts.WebhookEnabled = getEnvBool("ALERT_WEBHOOK_ENABLED", false)
	cfg.Alerts.WebhookURL = os.Getenv("ALERT_WEBHOOK_URL")
	cfg.Alerts.EmailEnabled = getEnvBool("ALERT_EMAIL_ENABLED", false)
	cfg.Alerts.SMTPHost = os.Getenv("ALERT_SMTP_HOST")
	smtpPort, err := getEnvInt("ALERT_SMTP_PORT", 587)
	if err != nil {
		return nil, fmt.Errorf("%w: ALERT_SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.SMTPPort = smtpPort
	cfg.Alerts.SMTPUsername = os.Getenv("ALERT_SMTP_USERNAME")
	cfg.Alerts.SMTPPassword = os.Getenv("ALERT_SMTP_PASSWORD")
	cfg.Alerts.SMTPFrom = os.Getenv("ALERT_SMTP_FROM")
	cfg.Alerts.SMTPTo = splitList(os.Getenv("ALERT_SMTP_TO"))
	cfg.Alerts.SMTPTLS = getEnvBool("ALERT_SMTP_TLS", true)
	cooldown, err := getEnvInt("ALERT_COOLDOWN_MINUTES", 30)
	if err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.CooldownMinutes = cooldown

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Security.SecretKey == "" {
		missing = append(missing, "CALSYNC_SECRET_KEY")
	}
	if c.AuthEnabled() {
		if c.OIDC.ClientID == "" {
			missing = append(missing, "OIDC_CLIENT_ID")
		}
		if c.OIDC.ClientSecret == "" {
			missing = append(missing, "OIDC_CLIENT_SECRET")
		}
		if c.OIDC.RedirectURL == "" {
			missing = append(missing, "OIDC_REDIRECT_URL")
		}
	}

	return missing
}

// Validate validates configured URLs.
func (c *Config) Validate(ctx context.Context) error {
	v := validator.New()

	if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}

	if c.AuthEnabled() {
		if err := v.ValidateOIDCIssuer(ctx, c.OIDC.Issuer); err != nil {
			return fmt.Errorf("%w: OIDC_ISSUER: %w", ErrValidationFailed, err)
		}
		if err := v.ValidateURL(c.OIDC.RedirectURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: OIDC_REDIRECT_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// AuthEnabled reports whether the optional OIDC login is configured.
func (c *Config) AuthEnabled() bool {
	return c.OIDC.Issuer != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// splitList splits a comma-separated environment value into trimmed entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
