package auth

import (
	"context"

	"github.com/zw834675966/ems/internal/domain"
)

type contextKey string

const contextKeyTenantContext contextKey = "auth.tenant_context"

// WithTenantContext stores the tenant context for downstream handlers.
func WithTenantContext(ctx context.Context, tctx domain.TenantContext) context.Context {
	return context.WithValue(ctx, contextKeyTenantContext, tctx)
}

// TenantContextFromContext extracts the tenant context, if present.
func TenantContextFromContext(ctx context.Context) (domain.TenantContext, bool) {
	if ctx == nil {
		return domain.TenantContext{}, false
	}
	value := ctx.Value(contextKeyTenantContext)
	if tctx, ok := value.(domain.TenantContext); ok {
		return tctx, true
	}
	return domain.TenantContext{}, false
}

// EnsureTenant verifies the context carries a tenant id.
func EnsureTenant(tctx domain.TenantContext) error {
	if tctx.TenantID == "" {
		return ErrTenantRequired
	}
	return nil
}

// EnsureProjectScope verifies the context may touch resources of the given
// project. An empty project scope grants access to all projects of the
// tenant.
func EnsureProjectScope(tctx domain.TenantContext, projectID string) error {
	if err := EnsureTenant(tctx); err != nil {
		return err
	}
	if tctx.ProjectScope != "" && tctx.ProjectScope != projectID {
		return ErrForbidden
	}
	return nil
}
