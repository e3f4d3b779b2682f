package auth

import "errors"

var (
	// ErrForbidden indicates the tenant context does not authorize access to
	// the requested resource.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrTenantMismatch indicates the resource belongs to a different tenant.
	ErrTenantMismatch = errors.New("auth: tenant mismatch")
	// ErrTenantRequired indicates an empty tenant id in the context.
	ErrTenantRequired = errors.New("auth: tenant_id required")
)
