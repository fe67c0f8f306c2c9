// Package api implements HTTP handlers and helpers for the donorhub webhook service.
package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	UserID string
	Role   string // admin, user
}

// getPrincipal extracts the caller's identity from a bearer token or headers.
// - If Authorization: Bearer is present, uses the configured verifier (dev/hmac).
// - Else falls back to X-User-Id / X-Role headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{UserID: pr.UserID, Role: pr.Role}
		}
	}
	user := r.Header.Get("X-User-Id")
	role := r.Header.Get("X-Role")
	if user == "" {
		user = "u_demo"
	}
	if role == "" {
		role = "user"
	}
	return Principal{UserID: user, Role: strings.ToLower(role)}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }
