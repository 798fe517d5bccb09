// Package api implements HTTP handlers and helpers for the webhook service.
package api

import (
    "net/http"
    "strings"
)

type Principal struct {
    CompanyID string
    Role      string // admin, user
}

// getPrincipal extracts company and role from JWT or headers.
// - If Authorization: Bearer is present, uses configured verifier (dev/hmac).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
    authz := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
        tok := strings.TrimSpace(authz[len("Bearer "):])
        if pr, err := s.Auth.Verify(tok); err == nil {
            return Principal{CompanyID: pr.CompanyID, Role: pr.Role}
        }
    }
    company := r.Header.Get("X-Company-Id")
    role := r.Header.Get("X-Role")
    if company == "" {
        company = "c_demo"
    }
    if role == "" {
        role = "admin"
    }
    return Principal{CompanyID: company, Role: role}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }
