package auth

import (
	"context"

	"github.com/pkg/errors"
)

// EnsureTenant verifies a resource owned by resourceTenant may be touched by
// the identity on ctx. A context without a tenant is trusted (in-process callers).
func EnsureTenant(ctx context.Context, resourceTenant string) error {
	tenantID := TenantIDFromContext(ctx)
	if tenantID == "" || resourceTenant == "" {
		return nil
	}
	if tenantID != resourceTenant {
		return ErrTenantMismatch
	}
	return nil
}

// EnsureBranch verifies a branch-scoped caller only touches its own branch.
// Callers without a branch claim may use any branch of their tenant.
func EnsureBranch(ctx context.Context, branchID string) error {
	scoped := BranchIDFromContext(ctx)
	if scoped == "" || branchID == "" || scoped == branchID {
		return nil
	}
	return errors.Wrapf(ErrForbidden, "branch %s outside scope %s", branchID, scoped)
}
