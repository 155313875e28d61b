package auth

import "github.com/pkg/errors"

var (
	// ErrUnauthorized is returned when no credentials were presented.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrInvalidToken is returned for a malformed, expired or unsigned token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrForbidden is returned when the caller lacks the required role or scope.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrTenantMismatch is returned when a resource belongs to another tenant.
	ErrTenantMismatch = errors.New("auth: tenant mismatch")
)
