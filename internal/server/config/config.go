// Package config loads server settings from the environment (and an optional .env file).
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"

	AuditBackendLog       = "log"
	AuditBackendFirestore = "firestore"
)

type Config struct {
	APIHost string `env:"API_HOST" envDefault:"0.0.0.0"`
	APIPort string `env:"API_PORT" envDefault:"8080"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`

	JWTSecret       string        `env:"JWT_SECRET"`
	JWTIssuer       string        `env:"JWT_ISSUER" envDefault:"luna-auth"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	OTPCooldown   time.Duration `env:"OTP_COOLDOWN" envDefault:"60s"`
	EmailOTPTTL   time.Duration `env:"EMAIL_OTP_TTL" envDefault:"15m"`
	DeviceOTPTTL  time.Duration `env:"DEVICE_OTP_TTL" envDefault:"10m"`
	ResetOTPTTL   time.Duration `env:"RESET_OTP_TTL" envDefault:"15m"`
	CodeRetention time.Duration `env:"CODE_RETENTION" envDefault:"24h"`

	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	DeviceVerificationEnabled bool `env:"DEVICE_VERIFICATION_ENABLED" envDefault:"true"`

	RateLimitEnabled bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitBackend string        `env:"RATE_LIMIT_BACKEND" envDefault:"memory"`
	RateLimitBurst   int           `env:"RATE_LIMIT_BURST" envDefault:"3"`
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"5m"`
	RedisURL         string        `env:"REDIS_URL"`

	ResendAPIKey  string        `env:"RESEND_API_KEY"`
	ResendBaseURL string        `env:"RESEND_BASE_URL"`
	FromEmail     string        `env:"FROM_EMAIL" envDefault:"noreply@luna.social"`
	SkipEmailSend bool          `env:"SKIP_EMAIL_SEND" envDefault:"false"`
	MailTimeout   time.Duration `env:"MAIL_TIMEOUT" envDefault:"10s"`

	GoogleClientID          string        `env:"GOOGLE_CLIENT_ID"`
	FirebaseCredentialsPath string        `env:"FIREBASE_CREDENTIALS_PATH"`
	IdentityTimeout         time.Duration `env:"IDENTITY_TIMEOUT" envDefault:"10s"`

	AuditBackend    string `env:"AUDIT_BACKEND" envDefault:"log"`
	AuditCollection string `env:"AUDIT_COLLECTION" envDefault:"auth_activity"`

	// AdminEmails may use /api/admin in addition to ADMIN role accounts.
	AdminEmails []string `env:"ADMIN_EMAILS" envSeparator:","`

	// TrustedProxies lists CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	GeoIPEnabled bool          `env:"GEOIP_ENABLED" envDefault:"true"`
	GeoIPURL     string        `env:"GEOIP_URL" envDefault:"http://ip-api.com/json/"`
	GeoIPTimeout time.Duration `env:"GEOIP_TIMEOUT" envDefault:"3s"`
}

// Load reads .env files (when present) into the process environment and
// parses the result. The returned bool reports whether a .env file was found.
func Load(files ...string) (*Config, bool, error) {
	found := godotenv.Load(files...) == nil

	cfg, err := Parse()
	if err != nil {
		return nil, found, err
	}
	return cfg, found, nil
}

// Parse builds a Config from the current environment.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET not configured"))
	}

	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL environment variable not set"))
		}
	case StorageDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}

	switch c.RateLimitBackend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis rate limit backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend))
	}

	switch c.AuditBackend {
	case AuditBackendLog:
	case AuditBackendFirestore:
		if c.FirebaseCredentialsPath == "" {
			errs = append(errs, errors.New("FIREBASE_CREDENTIALS_PATH is required for the firestore audit backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUDIT_BACKEND %q", c.AuditBackend))
	}

	if c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_BURST must be positive"))
	}
	if c.OTPCooldown < 0 || c.EmailOTPTTL <= 0 || c.DeviceOTPTTL <= 0 || c.ResetOTPTTL <= 0 {
		errs = append(errs, errors.New("code lifetimes must be positive"))
	}

	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP API.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.APIHost, c.APIPort)
}
