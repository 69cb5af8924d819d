package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/debugserver/server/internal/apierr"
	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/store"
)

type sessionResponse struct {
	ID           string            `json:"id"`
	Repository   string            `json:"repository_id"`
	WorktreeID   string            `json:"worktree_id,omitempty"`
	RequestedBy  string            `json:"requested_by,omitempty"`
	CommitSHA    string            `json:"commit_sha"`
	PatchHash    string            `json:"patch_hash,omitempty"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
	CompletedAt  string            `json:"completed_at,omitempty"`
}

func toSessionResponse(sess store.Session) sessionResponse {
	resp := sessionResponse{
		ID:          sess.ID,
		Repository:  sess.RepositoryID,
		WorktreeID:  sess.WorktreeID,
		RequestedBy: sess.RequestedBy,
		CommitSHA:   sess.CommitSHA,
		PatchHash:   sess.PatchHash,
		Status:      sess.Status,
		Metadata:    sess.Metadata,
		CreatedAt:   sess.CreatedAt.Format(rfc3339),
		UpdatedAt:   sess.UpdatedAt.Format(rfc3339),
	}
	if sess.CompletedAt != nil {
		resp.CompletedAt = sess.CompletedAt.Format(rfc3339)
	}
	return resp
}

type createSessionRequest struct {
	Repository  string            `json:"repository"`
	CommitSHA   string            `json:"commit_sha"`
	Metadata    map[string]string `json:"metadata"`
	RequestedBy string            `json:"requested_by"`
	Patch       string            `json:"patch"`
	ExpiresIn   int               `json:"expires_in"` // seconds
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tok, err := s.authN.AuthenticateScoped(r, auth.ScopeSessionsWrite)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.Repository == "" || req.CommitSHA == "" {
		writeValidationError(w, "repository and commit_sha are required")
		return
	}

	repo, err := s.store.GetRepository(req.Repository)
	if err != nil {
		writeError(w, err)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	var patchHash string
	if req.Patch != "" {
		sum := sha256.Sum256([]byte(req.Patch))
		patchHash = hex.EncodeToString(sum[:])
		if err := s.savePatchText(patchHash, req.Patch); err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "persist patch text", err))
			return
		}
	}

	sess, err := s.store.CreateSession(store.CreateSessionParams{
		RepositoryID: repo.ID,
		TokenID:      tok.ID,
		RequestedBy:  req.RequestedBy,
		CommitSHA:    req.CommitSHA,
		PatchHash:    patchHash,
		ExpiresAt:    expiresAt,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeSessionsRead); err != nil {
		writeError(w, err)
		return
	}
	repositoryID := r.URL.Query().Get("repository_id")
	sessions, err := s.store.ListSessions(repositoryID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeSessionsRead); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.store.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeSessionsWrite); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.store.CancelSession(id); err != nil {
		writeError(w, err)
		return
	}
	s.releaseSessionLease(r.Context(), id)
	s.brokers.Log.DropSession(id)
	s.brokers.Debug.DropSession(id)

	sess, err := s.store.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// savePatchText writes raw patch text to a content-addressed file under
// the patches root, the same layout the Worker Supervisor uses for
// patches applied mid-session (§4.7 step 1).
func (s *Server) savePatchText(hash, text string) error {
	if err := os.MkdirAll(s.cfg.PatchesRoot, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.cfg.PatchesRoot, hash[:12]+".patch")
	return os.WriteFile(path, []byte(text), 0o644)
}

func (s *Server) readPatchText(hash string) (string, error) {
	path := filepath.Join(s.cfg.PatchesRoot, hash[:12]+".patch")
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
