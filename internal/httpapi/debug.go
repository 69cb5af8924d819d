package httpapi

import (
	"context"
	"net/http"

	"github.com/debugserver/server/internal/apierr"
	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/debugger"
	"github.com/debugserver/server/internal/store"
	"github.com/debugserver/server/internal/supervisor"
)

type launchDebugRequest struct {
	Kind    string   `json:"kind"`
	Module  string   `json:"module"`
	Script  string   `json:"script"`
	Program string   `json:"program"`
	Args    []string `json:"args"`
}

type tunnelResponse struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Token     string `json:"token"`
	URI       string `json:"uri"`
}

func toTunnelResponse(t *debugger.Tunnel) tunnelResponse {
	return tunnelResponse{
		SessionID: t.SessionID,
		Kind:      t.Kind,
		Host:      t.Host,
		Port:      t.Port,
		Token:     t.Token,
		URI:       t.URI,
	}
}

// handleLaunchDebug builds the debugger launch descriptor (§4.8), starts
// the debuggee process through the Worker Supervisor in the background
// (it blocks on --wait-for-client / gdbserver's --once until a client
// attaches), and returns the tunnel the caller should connect a debugger
// client to (§6 "ADDED" launch endpoint).
func (s *Server) handleLaunchDebug(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authN.AuthenticateScoped(r, auth.ScopeSessionsWrite); err != nil {
		writeError(w, err)
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

	var req launchDebugRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid request body")
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

	desc, err := s.dbg.Launch(sessionID, debugger.LaunchRequest{
		Kind:    debugger.Kind(req.Kind),
		Module:  req.Module,
		Script:  req.Script,
		Program: req.Program,
		Args:    req.Args,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.UpdateSessionStatus(sessionID, store.SessionRunning); err != nil {
		writeError(w, err)
		return
	}

	// The launched process blocks waiting for a debugger client, so run
	// it on a detached context rather than the request's — the HTTP
	// response must return before the debuggee finishes.
	go func() {
		ctx := context.Background()
		_ = s.dbg.Ready(sessionID)
		if _, err := s.sup.RunCommand(ctx, supervisor.CommandRequest{
			SessionID: sessionID,
			Lease:     lease,
			Argv:      desc.Command.Argv,
			Env:       desc.Command.Env,
		}); err != nil {
			s.log.Error("debugger launch command failed", "session_id", sessionID, "error", err)
		}
		_ = s.dbg.Close(sessionID)
	}()

	writeJSON(w, http.StatusCreated, toTunnelResponse(desc.Tunnel))
}
