package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/api-guard/security"
)

// Config holds server configuration
type Config struct {
	// TokenTTL is the lifetime of tokens issued by Register and Login.
	// Default: the token service's default TTL
	TokenTTL time.Duration

	// Buckets are the named rate-limit policies.
	// Default: security.DefaultBuckets(); entries here override defaults by name
	Buckets security.BucketTable

	// Thresholds configure the monitor created when Deps.Monitor is nil.
	// Default: security.DefaultThresholds()
	Thresholds security.Thresholds

	// Resolver selects how token subjects are matched to principals
	Resolver ResolverConfig

	// BcryptCost is the work factor for new password hashes.
	// Default: 12. Values outside bcrypt's range fall back to the default.
	BcryptCost int

	// MaxConcurrentHashes bounds parallel bcrypt work.
	// Default: runtime.NumCPU()
	MaxConcurrentHashes int64

	// MinPasswordLength is enforced on registration. Default: 1
	MinPasswordLength int
}

// applySecureDefaults fills zero values and warns about weak settings
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	config.Buckets = security.DefaultBuckets().Merge(config.Buckets)

	if config.Thresholds == nil {
		config.Thresholds = security.DefaultThresholds()
	}
	if config.Resolver.Match == "" {
		config.Resolver.Match = MatchEmail
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = security.DefaultBcryptCost
	}
	if config.MinPasswordLength <= 0 {
		config.MinPasswordLength = 1
	}

	logSecurityWarnings(config, logger)
	return config
}

// Validate checks the configuration after defaults are applied
func (c *Config) Validate() error {
	if err := c.Buckets.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit buckets: %w", err)
	}
	if c.TokenTTL < 0 {
		return fmt.Errorf("token ttl must not be negative")
	}
	switch c.Resolver.Match {
	case MatchEmail, MatchExternalID:
	default:
		return fmt.Errorf("unsupported match claim %q", c.Resolver.Match)
	}
	for t, th := range c.Thresholds {
		if th.Count <= 0 {
			return fmt.Errorf("threshold %s: count must be positive", t)
		}
	}
	return nil
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.BcryptCost < security.DefaultBcryptCost {
		logger.Warn("SECURITY WARNING: bcrypt cost below default",
			"cost", config.BcryptCost,
			"recommendation", fmt.Sprintf("Use a cost of at least %d outside tests", security.DefaultBcryptCost))
	}
	if config.Resolver.AutoProvision {
		logger.Info("Auto-provisioning enabled: principals are created from verified token claims",
			"match_claim", config.Resolver.Match)
	}
}
