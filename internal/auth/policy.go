package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

const calibrationsPrefix = "/api/v1/calibrations"

// RequiredRole resolves required role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method

	switch {
	case strings.HasPrefix(path, "/api/v1/certificates/verify/"):
		return "", false
	case path == "/api/v1/numbering/next":
		return RoleAdmin, true
	case path == calibrationsPrefix+"/batch/issue":
		return RoleApprover, true
	case path == calibrationsPrefix+"/batch/compute":
		return RoleTechnician, true
	case path == calibrationsPrefix+"/suggested-loads":
		return RoleViewer, true
	case path == calibrationsPrefix:
		if method == http.MethodPost {
			return RoleTechnician, true
		}
		return RoleViewer, true
	case strings.HasPrefix(path, calibrationsPrefix+"/"):
		if method == http.MethodGet || method == http.MethodHead {
			return RoleViewer, true
		}
		return calibrationActionRole(path), true
	}

	if strings.HasPrefix(path, "/api/") {
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return RoleViewer, true
		}
		return RoleAdmin, true
	}
	return "", false
}

func calibrationActionRole(path string) Role {
	switch {
	case strings.HasSuffix(path, "/review"), strings.HasSuffix(path, "/cancel"):
		return RoleReviewer
	case strings.HasSuffix(path, "/approve"), strings.HasSuffix(path, "/issue"), strings.HasSuffix(path, "/supersede"):
		return RoleApprover
	default:
		return RoleTechnician
	}
}
