package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/server"
	"github.com/giantswarm/api-guard/token"
)

// Config is the process configuration, loaded once from GUARD_* variables
type Config struct {
	// Secret is the token signing key. Required unless DevMode is set.
	Secret string `env:"GUARD_SECRET"`

	TokenAlgorithm  string `env:"GUARD_TOKEN_ALGORITHM"   envDefault:"HS256"`
	TokenTTLMinutes int    `env:"GUARD_TOKEN_TTL_MINUTES" envDefault:"30"`

	// RateLimits overrides bucket policies, e.g. "auth=5/300s,api=100/3600s"
	RateLimits string `env:"GUARD_RATE_LIMITS"`

	// AlertThresholds overrides monitor thresholds, e.g. "failed_authentication=5/60s"
	AlertThresholds string `env:"GUARD_ALERT_THRESHOLDS"`

	// DevMode adds the internal error kind and message to error bodies
	DevMode bool `env:"GUARD_DEV_MODE" envDefault:"false"`

	// Environment is reported by the health endpoint
	Environment string `env:"GUARD_ENVIRONMENT" envDefault:"development"`

	TrustProxy        bool `env:"GUARD_TRUST_PROXY"          envDefault:"false"`
	TrustedProxyCount int  `env:"GUARD_TRUSTED_PROXY_COUNT"  envDefault:"1"`
	MaxForwardedHops  int  `env:"GUARD_MAX_FORWARDED_HOPS"   envDefault:"3"`

	// ServerURL enables HSTS when it is an https URL
	ServerURL string `env:"GUARD_SERVER_URL"`

	// ForceHSTS sends HSTS whatever ServerURL says, for TLS terminated upstream
	ForceHSTS bool `env:"GUARD_FORCE_HSTS" envDefault:"false"`

	// ReportAdmins are the principal emails allowed to read the security
	// report. Empty leaves the report endpoint unmounted.
	ReportAdmins []string `env:"GUARD_REPORT_ADMINS" envSeparator:","`

	AutoProvision bool   `env:"GUARD_AUTO_PROVISION" envDefault:"false"`
	MatchClaim    string `env:"GUARD_MATCH_CLAIM"    envDefault:"email"`

	BcryptCost        int `env:"GUARD_BCRYPT_COST"          envDefault:"12"`
	MinPasswordLength int `env:"GUARD_MIN_PASSWORD_LENGTH"  envDefault:"8"`

	// DatabaseURL selects the PostgreSQL store. Empty uses the in-memory store.
	DatabaseURL string `env:"GUARD_DATABASE_URL"`
	AutoMigrate bool   `env:"GUARD_AUTO_MIGRATE" envDefault:"true"`

	// RedisAddr enables the security event stream sink
	RedisAddr     string `env:"GUARD_REDIS_ADDR"`
	RedisPassword string `env:"GUARD_REDIS_PASSWORD"`
	RedisStream   string `env:"GUARD_REDIS_STREAM"`

	// AlertWebhookURL enables the Slack-compatible alert webhook
	AlertWebhookURL string `env:"GUARD_ALERT_WEBHOOK_URL"`
	AlertChannel    string `env:"GUARD_ALERT_CHANNEL"`

	AuditEnabled     bool `env:"GUARD_AUDIT_ENABLED"     envDefault:"true"`
	TelemetryEnabled bool `env:"GUARD_TELEMETRY_ENABLED" envDefault:"false"`

	LogLevel   string `env:"GUARD_LOG_LEVEL"   envDefault:"info"`
	ListenAddr string `env:"GUARD_LISTEN_ADDR" envDefault:":8080"`
}

// LoadConfig reads an optional .env file, parses the environment and validates the result
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Secret == "" && !c.DevMode {
		return errors.New("GUARD_SECRET is required outside dev mode")
	}
	if c.Secret != "" && !c.DevMode && len(c.Secret) < token.MinSecretLength {
		return fmt.Errorf("GUARD_SECRET must be at least %d bytes", token.MinSecretLength)
	}
	if c.TokenTTLMinutes <= 0 {
		return fmt.Errorf("GUARD_TOKEN_TTL_MINUTES must be positive, got %d", c.TokenTTLMinutes)
	}
	switch server.MatchClaim(c.MatchClaim) {
	case server.MatchEmail, server.MatchExternalID:
	default:
		return fmt.Errorf("GUARD_MATCH_CLAIM must be %q or %q, got %q", server.MatchEmail, server.MatchExternalID, c.MatchClaim)
	}
	if c.TrustedProxyCount < 0 {
		return fmt.Errorf("GUARD_TRUSTED_PROXY_COUNT must not be negative")
	}
	if _, err := c.buckets(); err != nil {
		return err
	}
	if _, err := c.thresholds(); err != nil {
		return err
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// TokenTTL returns the configured token lifetime
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// TokenConfig returns the token service configuration.
// Short secrets are accepted in dev mode only.
func (c *Config) TokenConfig(clock security.Clock) token.Config {
	return token.Config{
		Secret:           []byte(c.Secret),
		Algorithm:        c.TokenAlgorithm,
		DefaultTTL:       c.TokenTTL(),
		AllowShortSecret: c.DevMode,
		Clock:            clock,
	}
}

// ServerConfig returns the configuration of the authentication core
func (c *Config) ServerConfig() (*server.Config, error) {
	buckets, err := c.buckets()
	if err != nil {
		return nil, err
	}
	thresholds, err := c.thresholds()
	if err != nil {
		return nil, err
	}
	return &server.Config{
		TokenTTL:   c.TokenTTL(),
		Buckets:    buckets,
		Thresholds: thresholds,
		Resolver: server.ResolverConfig{
			Match:         server.MatchClaim(c.MatchClaim),
			AutoProvision: c.AutoProvision,
		},
		BcryptCost:        c.BcryptCost,
		MinPasswordLength: c.MinPasswordLength,
	}, nil
}

// SlogLevel returns the parsed log level, defaulting to info
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c *Config) buckets() (security.BucketTable, error) {
	if strings.TrimSpace(c.RateLimits) == "" {
		return nil, nil
	}
	table, err := security.ParseBucketTable(c.RateLimits)
	if err != nil {
		return nil, fmt.Errorf("GUARD_RATE_LIMITS: %w", err)
	}
	return table, nil
}

func (c *Config) thresholds() (security.Thresholds, error) {
	if strings.TrimSpace(c.AlertThresholds) == "" {
		return nil, nil
	}
	merged := security.DefaultThresholds()
	parsed, err := security.ParseThresholds(c.AlertThresholds)
	if err != nil {
		return nil, fmt.Errorf("GUARD_ALERT_THRESHOLDS: %w", err)
	}
	for k, v := range parsed {
		merged[k] = v
	}
	return merged, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("GUARD_LOG_LEVEL: %w", err)
	}
	return level, nil
}
