// Package auth implements bearer-token authentication and scope
// evaluation for the request surface (§4.9).
package auth

import (
	"net/http"
	"strings"

	"github.com/debugserver/server/internal/apierr"
	"github.com/debugserver/server/internal/store"
)

// Scope constants pinned from original_source/debug_server/api/auth.py
// (§4.9.1).
const (
	ScopeSessionsRead  = "sessions:read"
	ScopeSessionsWrite = "sessions:write"
	ScopeCommandsWrite = "commands:write"
	ScopeArtifactsRead = "artifacts:read"
	ScopeAdmin         = "admin"
)

// Authenticator resolves bearer tokens against the metadata store.
type Authenticator struct {
	store *store.Store
}

// New returns an Authenticator backed by st.
func New(st *store.Store) *Authenticator {
	return &Authenticator{store: st}
}

// ExtractBearer parses the Authorization header, accepting a
// case-insensitive "Bearer" scheme with the raw value trimmed.
func ExtractBearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return "", false
	}
	return raw, true
}

// Authenticate resolves the request's bearer token to an AuthToken,
// returning apierr.ErrAuthFailure when missing or invalid.
func (a *Authenticator) Authenticate(r *http.Request) (store.AuthToken, error) {
	raw, ok := ExtractBearer(r)
	if !ok {
		return store.AuthToken{}, apierr.ErrAuthFailure
	}
	tok, ok, err := a.store.Authenticate(raw)
	if err != nil {
		return store.AuthToken{}, err
	}
	if !ok {
		return store.AuthToken{}, apierr.ErrAuthFailure
	}
	return tok, nil
}

// RequireScopes returns apierr.ErrScopeDenied unless tok satisfies every
// required scope (the admin scope implicitly satisfies any requirement).
func RequireScopes(tok store.AuthToken, required ...string) error {
	if !tok.HasScopes(required...) {
		return apierr.ErrScopeDenied
	}
	return nil
}

// AuthenticateRaw resolves a raw bearer secret directly, bypassing header
// extraction. WebSocket handlers use this as a fallback for browser
// clients that cannot set an Authorization header on the upgrade request,
// the same ?token= query-parameter pattern the teacher's node-event
// handlers accept alongside the Authorization header.
func (a *Authenticator) AuthenticateRaw(raw string) (store.AuthToken, error) {
	if raw == "" {
		return store.AuthToken{}, apierr.ErrAuthFailure
	}
	tok, ok, err := a.store.Authenticate(raw)
	if err != nil {
		return store.AuthToken{}, err
	}
	if !ok {
		return store.AuthToken{}, apierr.ErrAuthFailure
	}
	return tok, nil
}

// AuthenticateScoped authenticates the request and checks every required
// scope in one call, the pattern most HTTP handlers in the request surface
// use before doing any other work.
func (a *Authenticator) AuthenticateScoped(r *http.Request, required ...string) (store.AuthToken, error) {
	tok, err := a.Authenticate(r)
	if err != nil {
		return store.AuthToken{}, err
	}
	if err := RequireScopes(tok, required...); err != nil {
		return store.AuthToken{}, err
	}
	return tok, nil
}
