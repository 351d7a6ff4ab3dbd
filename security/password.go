package security

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultBcryptCost is the work factor applied to every stored secret
	DefaultBcryptCost = 12

	// MaxSecretBytes is the bcrypt input limit. Longer secrets are silently
	// truncated, so two secrets sharing their first 72 bytes verify equal.
	MaxSecretBytes = 72
)

// ErrEmptySecret is returned when hashing an empty secret
var ErrEmptySecret = errors.New("secret must not be empty")

// PasswordHasher hashes and verifies secrets with bcrypt.
// Concurrent hash and verify calls are bounded so that bursts of logins
// cannot occupy every CPU at once.
type PasswordHasher struct {
	cost int
	sem  *semaphore.Weighted
}

// NewPasswordHasher creates a hasher. A cost outside bcrypt's range uses
// DefaultBcryptCost; maxConcurrent <= 0 uses runtime.NumCPU().
func NewPasswordHasher(cost int, maxConcurrent int64) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	if maxConcurrent <= 0 {
		maxConcurrent = int64(runtime.NumCPU())
	}
	return &PasswordHasher{
		cost: cost,
		sem:  semaphore.NewWeighted(maxConcurrent),
	}
}

// Cost returns the configured bcrypt work factor
func (h *PasswordHasher) Cost() int {
	return h.cost
}

// Hash returns a salted bcrypt hash of secret
func (h *PasswordHasher) Hash(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for hash slot: %w", err)
	}
	defer h.sem.Release(1)

	hash, err := bcrypt.GenerateFromPassword(truncateSecret(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether secret matches hash.
// A malformed hash or a cancelled context yields false, never an error.
func (h *PasswordHasher) Verify(ctx context.Context, secret, hash string) bool {
	if hash == "" {
		return false
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.sem.Release(1)

	return bcrypt.CompareHashAndPassword([]byte(hash), truncateSecret(secret)) == nil
}

// truncateSecret limits secret to MaxSecretBytes
func truncateSecret(secret string) []byte {
	b := []byte(secret)
	if len(b) > MaxSecretBytes {
		b = b[:MaxSecretBytes]
	}
	return b
}
