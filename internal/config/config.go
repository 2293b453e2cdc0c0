package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/macjediwizard/upnext/internal/scheduler"
	"github.com/macjediwizard/upnext/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	OAuth        OAuthConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Cache        CacheConfig
	CalDAV       CalDAVConfig
	RateLimiting RateLimitConfig
	Refresh      RefreshConfig
	Notify       NotifyConfig
	SettingsPath string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// OAuthClient is the registered OAuth app of one provider.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OAuthConfig holds the Google and Microsoft OAuth apps.
type OAuthConfig struct {
	Google          OAuthClient
	Microsoft       OAuthClient
	MicrosoftTenant string
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKey []byte
	SessionSecret string
	APIKey        string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// CacheConfig holds the event cache location.
type CacheConfig struct {
	Dir string
}

// CalDAVConfig holds the local calendar server. An empty URL disables the
// local provider.
type CalDAVConfig struct {
	URL          string
	Username     string
	Password     string
	AllowPrivate bool
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// RefreshConfig holds the refresh schedule.
type RefreshConfig struct {
	Schedule     string
	FetchTimeout time.Duration
}

// NotifyConfig holds re-auth alert configuration.
type NotifyConfig struct {
	WebhookEnabled bool
	WebhookURL     string
	EmailEnabled   bool
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	SMTPTo         []string
	SMTPTLS        bool
	Cooldown       time.Duration
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.BaseURL = strings.TrimSuffix(getEnv("BASE_URL", fmt.Sprintf("http://localhost:%d", port)), "/")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	cfg.OAuth.Google = OAuthClient{
		ClientID:     getEnvRequired("GOOGLE_CLIENT_ID"),
		ClientSecret: getEnvRequired("GOOGLE_CLIENT_SECRET"),
		RedirectURL:  getEnv("GOOGLE_REDIRECT_URL", cfg.Server.BaseURL+"/auth/google/callback"),
	}
	cfg.OAuth.Microsoft = OAuthClient{
		ClientID:     getEnvRequired("MICROSOFT_CLIENT_ID"),
		ClientSecret: getEnvRequired("MICROSOFT_CLIENT_SECRET"),
		RedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", cfg.Server.BaseURL+"/auth/outlook/callback"),
	}
	cfg.OAuth.MicrosoftTenant = getEnv("MICROSOFT_TENANT", "common")

	encKeyHex := getEnvRequired("ENCRYPTION_KEY")
	if encKeyHex != "" {
		encKey, err := hex.DecodeString(encKeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(encKey) != 32 {
			return nil, ErrEncryptionKeySize
		}
		cfg.Security.EncryptionKey = encKey
	}

	cfg.Security.SessionSecret = getEnvRequired("SESSION_SECRET")
	if cfg.Security.SessionSecret != "" && len(cfg.Security.SessionSecret) < 32 {
		return nil, ErrSessionSecretSize
	}
	cfg.Security.APIKey = getEnvRequired("API_KEY")

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/upnext.db")
	cfg.Cache.Dir = getEnv("CACHE_DIR", "./data/cache")
	cfg.SettingsPath = getEnv("SETTINGS_PATH", "./data/settings.yaml")

	cfg.CalDAV.URL = getEnvRequired("CALDAV_URL")
	cfg.CalDAV.Username = getEnvRequired("CALDAV_USERNAME")
	cfg.CalDAV.Password = getEnvRequired("CALDAV_PASSWORD")
	allowPrivate, err := getEnvBool("CALDAV_ALLOW_PRIVATE", true)
	if err != nil {
		return nil, fmt.Errorf("%w: CALDAV_ALLOW_PRIVATE: %w", ErrInvalidConfig, err)
	}
	cfg.CalDAV.AllowPrivate = allowPrivate

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

	cfg.Refresh.Schedule = getEnv("REFRESH_SCHEDULE", scheduler.DefaultSpec)
	fetchTimeout, err := getEnvInt("FETCH_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, fmt.Errorf("%w: FETCH_TIMEOUT_SECONDS: %w", ErrInvalidConfig, err)
	}
	if fetchTimeout <= 0 {
		return nil, fmt.Errorf("%w: FETCH_TIMEOUT_SECONDS must be positive", ErrInvalidConfig)
	}
	cfg.Refresh.FetchTimeout = time.Duration(fetchTimeout) * time.Second

	if err := cfg.loadNotify(); err != nil {
		return nil, err
	}

	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

func (c *Config) loadNotify() error {
	var err error
	n := &c.Notify

	if n.WebhookEnabled, err = getEnvBool("ALERT_WEBHOOK_ENABLED", false); err != nil {
		return fmt.Errorf("%w: ALERT_WEBHOOK_ENABLED: %w", ErrInvalidConfig, err)
	}
	n.WebhookURL = getEnvRequired("ALERT_WEBHOOK_URL")

	if n.EmailEnabled, err = getEnvBool("ALERT_EMAIL_ENABLED", false); err != nil {
		return fmt.Errorf("%w: ALERT_EMAIL_ENABLED: %w", ErrInvalidConfig, err)
	}
	n.SMTPHost = getEnvRequired("SMTP_HOST")
	if n.SMTPPort, err = getEnvInt("SMTP_PORT", 587); err != nil {
		return fmt.Errorf("%w: SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	n.SMTPUsername = getEnvRequired("SMTP_USERNAME")
	n.SMTPPassword = getEnvRequired("SMTP_PASSWORD")
	n.SMTPFrom = getEnvRequired("SMTP_FROM")
	n.SMTPTo = getEnvList("SMTP_TO")
	if n.SMTPTLS, err = getEnvBool("SMTP_TLS", false); err != nil {
		return fmt.Errorf("%w: SMTP_TLS: %w", ErrInvalidConfig, err)
	}

	cooldown, err := getEnvInt("ALERT_COOLDOWN_MINUTES", 60)
	if err != nil {
		return fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	n.Cooldown = time.Duration(cooldown) * time.Minute
	return nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if len(c.Security.EncryptionKey) == 0 {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.Security.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if c.CalDAV.URL != "" && c.CalDAV.Username == "" {
		missing = append(missing, "CALDAV_USERNAME")
	}

	return missing
}

// Validate checks URL formats, the refresh schedule and, when configured,
// that the CalDAV server answers.
func (c *Config) Validate(ctx context.Context) error {
	if err := scheduler.ValidateSpec(c.Refresh.Schedule); err != nil {
		return fmt.Errorf("%w: REFRESH_SCHEDULE: %w", ErrValidationFailed, err)
	}

	v := validator.New()
	if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}
	if c.OAuth.Google.ClientID != "" {
		if err := v.ValidateURL(c.OAuth.Google.RedirectURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: GOOGLE_REDIRECT_URL: %w", ErrValidationFailed, err)
		}
	}
	if c.OAuth.Microsoft.ClientID != "" {
		if err := v.ValidateURL(c.OAuth.Microsoft.RedirectURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: MICROSOFT_REDIRECT_URL: %w", ErrValidationFailed, err)
		}
	}

	if c.CalDAV.URL != "" {
		var opts []validator.Option
		if c.CalDAV.AllowPrivate {
			opts = append(opts, validator.WithAllowPrivateIPs())
		}
		requireHTTPS := c.IsProduction() && !c.CalDAV.AllowPrivate
		if err := validator.New(opts...).ValidateCalDAVEndpoint(ctx, c.CalDAV.URL, requireHTTPS); err != nil {
			return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
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
func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return parsed, nil
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
