package guard

import (
	"context"

	"github.com/giantswarm/api-guard/storage"
)

type contextKey string

const principalContextKey contextKey = "principal"

// PrincipalFromContext returns the principal stored by RequireAuth
func PrincipalFromContext(ctx context.Context) (*storage.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*storage.Principal)
	return p, ok && p != nil
}

// ContextWithPrincipal returns a context carrying p.
//
// WARNING: outside tests the principal must only be set by RequireAuth after
// the token was verified.
func ContextWithPrincipal(ctx context.Context, p *storage.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
