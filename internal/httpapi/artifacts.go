package httpapi

import (
	"net/http"
	"os"

	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/store"
)

type artifactResponse struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"session_id"`
	CommandID      string            `json:"command_id,omitempty"`
	Kind           string            `json:"kind"`
	ContentType    string            `json:"content_type"`
	SizeBytes      int64             `json:"size_bytes"`
	ChecksumSHA256 string            `json:"checksum_sha256"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

func toArtifactResponse(a store.Artifact) artifactResponse {
	return artifactResponse{
		ID:             a.ID,
		SessionID:      a.SessionID,
		CommandID:      a.CommandID,
		Kind:           a.Kind,
		ContentType:    a.ContentType,
		SizeBytes:      a.SizeBytes,
		ChecksumSHA256: a.ChecksumSHA256,
		Metadata:       a.Metadata,
		CreatedAt:      a.CreatedAt.Format(rfc3339),
	}
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeArtifactsRead, auth.ScopeSessionsRead); err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := s.store.ListArtifacts(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]artifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, toArtifactResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeArtifactsRead, auth.ScopeSessionsRead); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.store.GetArtifact(r.PathValue("id"), r.PathValue("aid"))
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := os.Open(a.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", a.ContentType)
	http.ServeContent(w, r, a.ID, a.CreatedAt, f)
}
