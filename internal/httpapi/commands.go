package httpapi

import (
	"net/http"
	"time"

	"github.com/debugserver/server/internal/apierr"
	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/envmanager"
	"github.com/debugserver/server/internal/store"
	"github.com/debugserver/server/internal/supervisor"
)

type commandResponse struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Sequence   int64             `json:"sequence"`
	Command    string            `json:"command"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Status     string            `json:"status"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	LogPath    string            `json:"log_path,omitempty"`
	CreatedAt  string            `json:"created_at"`
	StartedAt  string            `json:"started_at,omitempty"`
	FinishedAt string            `json:"finished_at,omitempty"`
}

func toCommandResponse(cmd store.Command) commandResponse {
	resp := commandResponse{
		ID:        cmd.ID,
		SessionID: cmd.SessionID,
		Sequence:  cmd.Sequence,
		Command:   cmd.Command,
		Cwd:       cmd.Cwd,
		Env:       cmd.Env,
		Status:    cmd.Status,
		ExitCode:  cmd.ExitCode,
		LogPath:   cmd.LogPath,
		CreatedAt: cmd.CreatedAt.Format(rfc3339),
	}
	if cmd.StartedAt != nil {
		resp.StartedAt = cmd.StartedAt.Format(rfc3339)
	}
	if cmd.FinishedAt != nil {
		resp.FinishedAt = cmd.FinishedAt.Format(rfc3339)
	}
	return resp
}

type createCommandRequest struct {
	Argv            []string          `json:"argv"`
	Cwd             string            `json:"cwd"`
	Env             map[string]string `json:"env"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	EnvName         string            `json:"env_name"`
	EnvManifests    []string          `json:"env_manifests"`
	EnvMetadata     map[string]string `json:"env_metadata"`
	EnvForce        bool              `json:"env_force"`
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	tok, err := s.authN.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !tok.HasScope(auth.ScopeCommandsWrite) && !tok.HasScope(auth.ScopeSessionsWrite) {
		writeError(w, apierr.ErrScopeDenied)
		return
	}

	sessionID := r.PathValue("id")
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.Status == store.SessionCompleted || sess.Status == store.SessionFailed || sess.Status == store.SessionCancelled {
		writeError(w, apierr.New(apierr.KindMetadataConflict, "session "+sessionID+" is already "+sess.Status))
		return
	}

	var req createCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if len(req.Argv) == 0 {
		writeValidationError(w, "argv must contain at least one element")
		return
	}

	repo, err := s.store.GetRepositoryByID(sess.RepositoryID)
	if err != nil {
		writeError(w, err)
		return
	}

	lease, err := s.acquireSessionLease(r.Context(), sessionID, repo.Name, sess.CommitSHA)
	if err != nil {
		writeError(w, err)
		return
	}

	isFirstCommand := sess.WorktreeID == ""
	if sess.Status == store.SessionPending {
		if err := s.store.UpdateSessionStatus(sessionID, store.SessionRunning); err != nil {
			writeError(w, err)
			return
		}
	}

	var patchText string
	if isFirstCommand && sess.PatchHash != "" {
		patchText, err = s.readPatchText(sess.PatchHash)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.KindPatchApplication, "load patch text", err))
			return
		}
	}

	var envReq *envmanager.Request
	if req.EnvName != "" || len(req.EnvManifests) > 0 {
		envReq = &envmanager.Request{
			Name:      req.EnvName,
			Manifests: req.EnvManifests,
			Metadata:  req.EnvMetadata,
			Force:     req.EnvForce,
		}
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	cmd, err := s.sup.RunCommand(r.Context(), supervisor.CommandRequest{
		SessionID:  sessionID,
		Lease:      lease,
		Argv:       req.Argv,
		Cwd:        req.Cwd,
		Env:        req.Env,
		Timeout:    timeout,
		EnvRequest: envReq,
		PatchText:  patchText,
	})
	if err != nil {
		// Keep an already-classified failure (e.g. a patch that does not
		// apply) under its own kind; anything else is a command failure.
		if apierr.As(err) == apierr.KindInternal {
			err = apierr.Wrap(apierr.KindCommandExecution, "run command", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommandResponse(cmd))
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeSessionsRead); err != nil {
		writeError(w, err)
		return
	}
	cmds, err := s.store.ListCommands(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]commandResponse, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, toCommandResponse(cmd))
	}
	writeJSON(w, http.StatusOK, out)
}
