package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	secret := []byte("test-secret")
	policy := NewDefaultPolicy(nil, nil)
	mw := NewMiddleware(secret, policy)
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calibrations/evt-1", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_RoleMatrix(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler())

	cases := []struct {
		name   string
		role   string
		method string
		path   string
		want   int
	}{
		{"viewer reads event", "viewer", http.MethodGet, "/api/v1/calibrations/evt-1", http.StatusOK},
		{"viewer cannot create", "viewer", http.MethodPost, "/api/v1/calibrations", http.StatusForbidden},
		{"technician creates", "technician", http.MethodPost, "/api/v1/calibrations", http.StatusOK},
		{"technician adds reading", "technician", http.MethodPost, "/api/v1/calibrations/evt-1/readings", http.StatusOK},
		{"technician cannot review", "technician", http.MethodPost, "/api/v1/calibrations/evt-1/review", http.StatusForbidden},
		{"reviewer reviews", "reviewer", http.MethodPost, "/api/v1/calibrations/evt-1/review", http.StatusOK},
		{"reviewer cannot approve", "reviewer", http.MethodPost, "/api/v1/calibrations/evt-1/approve", http.StatusForbidden},
		{"approver approves", "approver", http.MethodPost, "/api/v1/calibrations/evt-1/approve", http.StatusOK},
		{"approver issues", "approver", http.MethodPost, "/api/v1/calibrations/evt-1/issue", http.StatusOK},
		{"reviewer cannot batch issue", "reviewer", http.MethodPost, "/api/v1/calibrations/batch/issue", http.StatusForbidden},
		{"approver cannot allocate numbers", "approver", http.MethodPost, "/api/v1/numbering/next", http.StatusForbidden},
		{"admin allocates numbers", "admin", http.MethodPost, "/api/v1/numbering/next", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.Header.Set("Authorization", "Bearer "+mustToken(t, secret, "tenant-a", tc.role))
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)
			if resp.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.Code)
			}
		})
	}
}

func TestAuthMiddleware_VerifyIsPublic(t *testing.T) {
	mw := NewMiddleware([]byte("test-secret"), NewDefaultPolicy([]string{"/healthz"}, nil))
	handler := mw.Wrap(okHandler())

	for _, path := range []string{"/api/v1/certificates/verify/abc", "/healthz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
	}
}

func TestAuthMiddleware_IdentityOnContext(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	var gotTenant, gotSubject string
	var gotRole Role
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = TenantIDFromContext(r.Context())
		gotRole = RoleFromContext(r.Context())
		gotSubject = SubjectFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calibrations/evt-1", nil)
	req.Header.Set("Authorization", "Bearer "+mustToken(t, secret, "tenant-a", "reviewer"))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if gotTenant != "tenant-a" || gotRole != RoleReviewer || gotSubject != "user-1" {
		t.Fatalf("unexpected identity: %s %s %s", gotTenant, gotRole, gotSubject)
	}
}

func TestAuthMiddleware_BranchClaim(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	var got Identity
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calibrations", nil)
	req.Header.Set("Authorization", "Bearer "+signClaims(t, secret, Claims{TenantID: "tenant-a", BranchID: "lab-north", Role: "technician"}))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	want := Identity{TenantID: "tenant-a", BranchID: "lab-north", Role: RoleTechnician, Subject: "user-1"}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestEnsureBranch(t *testing.T) {
	scoped := ContextWithIdentity(context.Background(), Identity{TenantID: "tenant-a", BranchID: "lab-north", Role: RoleTechnician})
	if err := EnsureBranch(scoped, "lab-north"); err != nil {
		t.Fatalf("expected own branch ok, got %v", err)
	}
	if err := EnsureBranch(scoped, "lab-south"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	wide := WithIdentity(context.Background(), "tenant-a", RoleTechnician, "tech-1")
	if err := EnsureBranch(wide, "lab-south"); err != nil {
		t.Fatalf("tenant-wide identity must reach any branch, got %v", err)
	}
}

func TestParseJWT_Errors(t *testing.T) {
	secret := []byte("test-secret")
	if _, err := ParseJWT("", secret); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	token := mustToken(t, secret, "tenant-a", "superuser")
	if _, err := ParseJWT(token, secret); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unknown role, got %v", err)
	}
	token = mustToken(t, []byte("other"), "tenant-a", "viewer")
	if _, err := ParseJWT(token, secret); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for bad signature, got %v", err)
	}
}

func TestRoleAtLeast(t *testing.T) {
	if !RoleAtLeast(RoleAdmin, RoleApprover) || !RoleAtLeast(RoleReviewer, RoleTechnician) {
		t.Fatalf("expected higher roles to satisfy lower ones")
	}
	if RoleAtLeast(RoleReviewer, RoleApprover) || RoleAtLeast("", RoleViewer) {
		t.Fatalf("expected lower roles to be rejected")
	}
}

func TestEnsureTenant(t *testing.T) {
	ctx := WithIdentity(context.Background(), "tenant-a", RoleViewer, "user-1")
	if err := EnsureTenant(ctx, "tenant-a"); err != nil {
		t.Fatalf("expected same tenant ok, got %v", err)
	}
	if err := EnsureTenant(ctx, "tenant-b"); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
	if err := EnsureTenant(context.Background(), "tenant-b"); err != nil {
		t.Fatalf("expected trusted context, got %v", err)
	}
}

func mustToken(t *testing.T, secret []byte, tenantID, role string) string {
	t.Helper()
	return signClaims(t, secret, Claims{TenantID: tenantID, Role: role})
}

func signClaims(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   "user-1",
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
