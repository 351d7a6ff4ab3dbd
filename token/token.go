package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/api-guard/security"
)

const (
	// DefaultAlgorithm is the signing algorithm used when none is configured
	DefaultAlgorithm = "HS256"

	// DefaultTTL is the lifetime of a token issued with a zero ttl
	DefaultTTL = 30 * time.Minute

	// MinSecretLength is the shortest accepted signing secret, in bytes
	MinSecretLength = 32
)

var (
	// ErrTokenMalformed covers bad encoding, bad signature, wrong algorithm and missing subject
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrTokenExpired is returned when now >= exp
	ErrTokenExpired = errors.New("token has expired")

	// ErrMissingSubject is returned by Issue when claims carry no subject
	ErrMissingSubject = errors.New("token subject is required")
)

// supportedMethods lists the HMAC algorithms a Service can be configured with
var supportedMethods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// Claims is the token payload. Only Subject is trusted to identify a principal;
// Email and Name are hints used when provisioning.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Config configures a Service
type Config struct {
	// Secret is the HMAC key (required)
	Secret []byte

	// Algorithm is one of HS256, HS384, HS512 (default HS256)
	Algorithm string

	// DefaultTTL applies when Issue is called with a zero ttl (default 30m)
	DefaultTTL time.Duration

	// AllowShortSecret skips the MinSecretLength check (development only)
	AllowShortSecret bool

	// Clock defaults to security.SystemClock
	Clock security.Clock
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if len(c.Secret) == 0 {
		return errors.New("token secret is required")
	}
	if !c.AllowShortSecret && len(c.Secret) < MinSecretLength {
		return fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	if c.Algorithm != "" {
		if _, ok := supportedMethods[c.Algorithm]; !ok {
			return fmt.Errorf("unsupported token algorithm %q", c.Algorithm)
		}
	}
	if c.DefaultTTL < 0 {
		return errors.New("default token ttl must not be negative")
	}
	return nil
}

// Service signs and verifies tokens
type Service struct {
	secret     []byte
	method     jwt.SigningMethod
	defaultTTL time.Duration
	clock      security.Clock
	parser     *jwt.Parser
}

// NewService validates cfg and creates a token service
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = DefaultAlgorithm
	}
	ttl := cfg.DefaultTTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = security.SystemClock{}
	}

	return &Service{
		secret:     append([]byte(nil), cfg.Secret...),
		method:     supportedMethods[alg],
		defaultTTL: ttl,
		clock:      clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{alg}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock.Now),
		),
	}, nil
}

// Algorithm returns the signing algorithm name
func (s *Service) Algorithm() string {
	return s.method.Alg()
}

// DefaultTTL returns the lifetime applied to tokens issued with a zero ttl
func (s *Service) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Issue signs a token for claims with iat=now and exp=now+ttl.
// A zero ttl uses the default lifetime; a negative ttl yields an already expired token.
// It returns the signed token and its expiry.
func (s *Service) Issue(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if claims.Subject == "" {
		return "", time.Time{}, ErrMissingSubject
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	now := s.clock.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	// exp is whole seconds; round up so the token lives at least ttl
	exp := now.Add(ttl)
	if whole := exp.Truncate(time.Second); whole.Before(exp) {
		exp = whole.Add(time.Second)
	}
	claims.ExpiresAt = jwt.NewNumericDate(exp)

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks signature, algorithm and expiry and returns the claims.
// Errors are ErrTokenMalformed or ErrTokenExpired; the underlying reason is wrapped.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenMalformed)
	}
	if security.IsExpiredAt(claims.ExpiresAt.Time, s.clock.Now()) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}
