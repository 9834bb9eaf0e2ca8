package authz

import (
	"context"

	"github.com/learnhub/keystone/pkg/contextkeys"
)

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextkeys.PrincipalKey, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(Principal)
	if !ok || !p.IsAuthenticated() {
		return Principal{}, false
	}
	return p, true
}
