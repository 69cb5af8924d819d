package httpapi

import (
	"net/http"

	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/store"
)

type tokenResponse struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes"`
	ExpiresAt  string   `json:"expires_at,omitempty"`
	LastUsedAt string   `json:"last_used_at,omitempty"`
	RevokedAt  string   `json:"revoked_at,omitempty"`
	CreatedAt  string   `json:"created_at"`
	Secret     string   `json:"secret,omitempty"`
}

func toTokenResponse(tok store.AuthToken, secret string) tokenResponse {
	resp := tokenResponse{
		ID:        tok.ID,
		Name:      tok.Name,
		Scopes:    tok.Scopes,
		CreatedAt: tok.CreatedAt.Format(rfc3339),
		Secret:    secret,
	}
	if tok.ExpiresAt != nil {
		resp.ExpiresAt = tok.ExpiresAt.Format(rfc3339)
	}
	if tok.LastUsedAt != nil {
		resp.LastUsedAt = tok.LastUsedAt.Format(rfc3339)
	}
	if tok.RevokedAt != nil {
		resp.RevokedAt = tok.RevokedAt.Format(rfc3339)
	}
	return resp
}

type createTokenRequest struct {
	Name      string   `json:"name"`
	Scopes    []string `json:"scopes"`
	ExpiresAt string   `json:"expires_at"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeAdmin); err != nil {
		writeError(w, err)
		return
	}
	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Scopes) == 0 {
		writeValidationError(w, "name and scopes are required")
		return
	}
	expiresAt, err := parseTimeParam(req.ExpiresAt)
	if err != nil {
		writeValidationError(w, "expires_at must be RFC3339")
		return
	}

	tok, raw, err := s.store.CreateToken(req.Name, req.Scopes, expiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTokenResponse(tok, raw))
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeAdmin); err != nil {
		writeError(w, err)
		return
	}
	toks, err := s.store.ListTokens()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]tokenResponse, 0, len(toks))
	for _, tok := range toks {
		out = append(out, toTokenResponse(tok, ""))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeAdmin); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.RevokeToken(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
