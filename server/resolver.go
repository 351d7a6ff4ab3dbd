package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/giantswarm/api-guard/instrumentation"
	"github.com/giantswarm/api-guard/storage"
	"github.com/giantswarm/api-guard/token"
)

// MatchClaim selects the principal attribute a token subject is matched against
type MatchClaim string

const (
	// MatchEmail matches the subject against Principal.Email (password login mode)
	MatchEmail MatchClaim = "email"

	// MatchExternalID matches the subject against Principal.ExternalID
	// (tokens issued by an upstream identity provider)
	MatchExternalID MatchClaim = "external_id"
)

// ResolverConfig configures a Resolver
type ResolverConfig struct {
	// Match selects the lookup column. Default: MatchEmail
	Match MatchClaim

	// AutoProvision creates a principal for a verified subject that has no
	// account yet. When false, unknown subjects resolve to KindPrincipalNotFound.
	AutoProvision bool
}

// Resolver maps verified token claims to stored principals.
// It never checks passwords.
type Resolver struct {
	store   storage.AccountStore
	config  ResolverConfig
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewResolver creates a resolver over store
func NewResolver(store storage.AccountStore, config ResolverConfig, logger *slog.Logger) *Resolver {
	if config.Match == "" {
		config.Match = MatchEmail
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		config: config,
		logger: logger,
	}
}

// Config returns the resolver configuration
func (r *Resolver) Config() ResolverConfig {
	return r.config
}

// identityFor returns the lookup identity for a subject
func (r *Resolver) identityFor(subject string) storage.Identity {
	if r.config.Match == MatchExternalID {
		return storage.ExternalIdentity(subject)
	}
	return storage.EmailIdentity(subject)
}

// Resolve returns the principal for the claims' subject.
// Store failures are returned as KindInternalFailure and never as an
// authentication failure.
func (r *Resolver) Resolve(ctx context.Context, claims *token.Claims) (*storage.Principal, error) {
	if claims == nil || claims.Subject == "" {
		return nil, newError(KindTokenInvalid, "token carries no subject", nil)
	}

	p, err := r.store.FindByIdentity(ctx, r.identityFor(claims.Subject))
	switch {
	case err == nil:
		return p, nil
	case !errors.Is(err, storage.ErrPrincipalNotFound):
		return nil, newError(KindInternalFailure, "account lookup failed", err)
	case !r.config.AutoProvision:
		return nil, newError(KindPrincipalNotFound, "no principal for subject", err)
	}

	return r.provision(ctx, claims)
}

func (r *Resolver) provision(ctx context.Context, claims *token.Claims) (*storage.Principal, error) {
	np := storage.NewPrincipal{
		Email: claims.Email,
		Name:  claims.Name,
	}
	if r.config.Match == MatchExternalID {
		np.ExternalID = claims.Subject
	}
	// The subject doubles as the email when the token carries none
	if r.config.Match == MatchEmail || np.Email == "" {
		np.Email = claims.Subject
	}

	p, err := r.store.Create(ctx, np)
	if errors.Is(err, storage.ErrEmailTaken) {
		// A concurrent request may have provisioned the same subject
		p, err = r.store.FindByIdentity(ctx, r.identityFor(claims.Subject))
		if errors.Is(err, storage.ErrPrincipalNotFound) {
			// The email belongs to a different principal
			return nil, newError(KindPrincipalNotFound, "email claimed by another principal", err)
		}
	}
	if err != nil {
		return nil, newError(KindInternalFailure, "account provisioning failed", err)
	}

	r.metrics.RecordPrincipalProvisioned(ctx, string(r.config.Match))
	r.logger.Info("Provisioned principal from token claims",
		"principal_id", p.ID,
		"match_claim", r.config.Match)
	return p, nil
}
