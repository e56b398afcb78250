package auth

import (
	"context"

	"github.com/mizan-labs/idis/pkg/errs"
)

type contextKey struct{ name string }

var tenantContextKey = contextKey{"tenant-context"}

// WithTenantContext attaches the authenticated identity to the context.
func WithTenantContext(ctx context.Context, tc *TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey, tc)
}

// FromContext retrieves the authenticated identity. A missing identity is an
// authentication failure, never a default: handlers downstream of the auth
// middleware must not run unauthenticated.
func FromContext(ctx context.Context) (*TenantContext, error) {
	tc, ok := ctx.Value(tenantContextKey).(*TenantContext)
	if !ok || tc == nil {
		return nil, errs.Unauthorized()
	}
	return tc, nil
}

// TenantID returns the tenant from the context's identity, or an
// unauthorized error.
func TenantID(ctx context.Context) (string, error) {
	tc, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	return tc.TenantID, nil
}
