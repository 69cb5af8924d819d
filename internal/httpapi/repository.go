package httpapi

import (
	"net/http"

	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/store"
)

type repositoryResponse struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	RemoteURL     string            `json:"remote_url"`
	DefaultBranch string            `json:"default_branch"`
	Description   string            `json:"description,omitempty"`
	Settings      map[string]string `json:"settings,omitempty"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

func toRepositoryResponse(r store.Repository) repositoryResponse {
	return repositoryResponse{
		ID:            r.ID,
		Name:          r.Name,
		RemoteURL:     r.RemoteURL,
		DefaultBranch: r.DefaultBranch,
		Description:   r.Description,
		Settings:      r.Settings,
		CreatedAt:     r.CreatedAt.Format(rfc3339),
		UpdatedAt:     r.UpdatedAt.Format(rfc3339),
	}
}

type initRepositoryRequest struct {
	Name          string            `json:"name"`
	RemoteURL     string            `json:"remote_url"`
	DefaultBranch string            `json:"default_branch"`
	Description   string            `json:"description"`
	Settings      map[string]string `json:"settings"`
}

func (s *Server) handleInitRepository(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeAdmin); err != nil {
		writeError(w, err)
		return
	}

	var req initRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.Name == "" || req.RemoteURL == "" {
		writeValidationError(w, "name and remote_url are required")
		return
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}

	repo, err := s.store.UpsertRepository(req.Name, req.RemoteURL, req.DefaultBranch, req.Description, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRepositoryResponse(repo))
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeSessionsRead); err != nil {
		writeError(w, err)
		return
	}
	repos, err := s.store.ListRepositories()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]repositoryResponse, 0, len(repos))
	for _, repo := range repos {
		out = append(out, toRepositoryResponse(repo))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeSessionsRead); err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.store.GetRepository(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepositoryResponse(repo))
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
