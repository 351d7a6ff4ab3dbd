// Package storage defines the account store consumed by the guard.
// The guard never issues raw storage queries itself; it only maps a claimed
// identity to a stored account and creates accounts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPrincipalNotFound is returned when no principal matches an identity
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrEmailTaken is returned by Create when the email (or external ID)
	// already belongs to another principal
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidPrincipal is returned by Create for input that can never be stored
	ErrInvalidPrincipal = errors.New("invalid principal")
)

// IdentityKind selects which principal attribute an identity is matched against
type IdentityKind string

const (
	// IdentityEmail matches Principal.Email (case-insensitive)
	IdentityEmail IdentityKind = "email"

	// IdentityExternal matches Principal.ExternalID
	IdentityExternal IdentityKind = "external"
)

// Identity is a claimed identity to look up
type Identity struct {
	Kind  IdentityKind
	Value string
}

// EmailIdentity returns an identity matched against the email column
func EmailIdentity(email string) Identity {
	return Identity{Kind: IdentityEmail, Value: email}
}

// ExternalIdentity returns an identity matched against the external ID column
func ExternalIdentity(id string) Identity {
	return Identity{Kind: IdentityExternal, Value: id}
}

// Validate checks that the identity can be looked up
func (i Identity) Validate() error {
	switch i.Kind {
	case IdentityEmail, IdentityExternal:
	default:
		return fmt.Errorf("unknown identity kind %q", i.Kind)
	}
	if strings.TrimSpace(i.Value) == "" {
		return fmt.Errorf("identity value is required")
	}
	return nil
}

// Principal is a stored account
type Principal struct {
	// ID is assigned by the store and never changes
	ID int64 `json:"id"`

	// ExternalID is the subject from an upstream identity provider, if any
	ExternalID string `json:"external_id,omitempty"`

	// Email is unique across all principals
	Email string `json:"email"`

	Name string `json:"name,omitempty"`

	// PasswordHash is empty for auto-provisioned principals
	PasswordHash string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// HasPassword reports whether the principal can log in with a password
func (p *Principal) HasPassword() bool {
	return p != nil && p.PasswordHash != ""
}

// NewPrincipal holds the fields a caller supplies on creation
type NewPrincipal struct {
	ExternalID   string
	Email        string
	Name         string
	PasswordHash string
}

// Validate checks the fields every store requires
func (n NewPrincipal) Validate() error {
	if strings.TrimSpace(n.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidPrincipal)
	}
	return nil
}

// NormalizeEmail lowercases and trims an email for uniqueness comparisons
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AccountStore persists principals.
// All methods accept context.Context for tracing and cancellation.
type AccountStore interface {
	// FindByIdentity returns the principal matching identity or ErrPrincipalNotFound
	FindByIdentity(ctx context.Context, identity Identity) (*Principal, error)

	// Create stores a new principal and assigns its ID.
	// Returns ErrEmailTaken when the email or external ID is already in use.
	Create(ctx context.Context, p NewPrincipal) (*Principal, error)
}

// PrincipalCounter is implemented by stores that can report their size
type PrincipalCounter interface {
	CountPrincipals(ctx context.Context) (int64, error)
}
