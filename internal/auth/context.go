package auth

import "context"

// Identity is the authenticated caller. BranchID is empty for callers that
// may work across every branch of their tenant.
type Identity struct {
	TenantID string
	BranchID string
	Role     Role
	Subject  string
}

type identityKey struct{}

// WithIdentity stores a tenant-wide identity in ctx.
func WithIdentity(ctx context.Context, tenantID string, role Role, subject string) context.Context {
	return ContextWithIdentity(ctx, Identity{TenantID: tenantID, Role: role, Subject: subject})
}

// ContextWithIdentity stores id in ctx.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func TenantIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.TenantID
}

func BranchIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.BranchID
}

func RoleFromContext(ctx context.Context) Role {
	id, _ := IdentityFromContext(ctx)
	return id.Role
}

func SubjectFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.Subject
}
