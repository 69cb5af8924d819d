// Package httpapi is the request surface: HTTP handlers and WebSocket
// upgrades that route to the components in internal/worktree,
// internal/supervisor, internal/debugger, internal/broker, and
// internal/store (§4.10, §6).
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/broker"
	"github.com/debugserver/server/internal/config"
	"github.com/debugserver/server/internal/debugger"
	"github.com/debugserver/server/internal/envmanager"
	"github.com/debugserver/server/internal/store"
	"github.com/debugserver/server/internal/supervisor"
	"github.com/debugserver/server/internal/worktree"
)

// Server is the HTTP/WebSocket server fronting the debug execution
// service, composed the way the teacher's own Server struct wires its
// subsystems together.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	log        *slog.Logger

	store   *store.Store
	pool    *worktree.Pool
	envs    *envmanager.Manager
	brokers *broker.Brokers
	sup     *supervisor.Supervisor
	dbg     *debugger.Manager
	authN   *auth.Authenticator

	leasesMu sync.Mutex
	leases   map[string]*worktree.Lease // sessionID -> active lease
}

// Deps bundles the already-constructed subsystems New wires into routes.
type Deps struct {
	Store   *store.Store
	Pool    *worktree.Pool
	Envs    *envmanager.Manager
	Brokers *broker.Brokers
	Sup     *supervisor.Supervisor
	Dbg     *debugger.Manager
	AuthN   *auth.Authenticator
}

// New builds a Server and registers its routes.
func New(cfg *config.Config, deps Deps, log *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log,
		store:  deps.Store,
		pool:   deps.Pool,
		envs:   deps.Envs,
		brokers: deps.Brokers,
		sup:    deps.Sup,
		dbg:    deps.Dbg,
		authN:  deps.AuthN,
		leases: make(map[string]*worktree.Lease),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout:  cfg.HTTPReadTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		// WriteTimeout is left zero: it would apply to the underlying
		// net.Conn before a handler runs, which would kill long-lived
		// WebSocket connections after the timeout elapses.
	}
	return s
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /whoami", s.handleWhoami)

	mux.HandleFunc("POST /repository/init", s.handleInitRepository)
	mux.HandleFunc("GET /repository", s.handleListRepositories)
	mux.HandleFunc("GET /repository/{name}", s.handleGetRepository)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCancelSession)

	mux.HandleFunc("POST /sessions/{id}/commands", s.handleCreateCommand)
	mux.HandleFunc("GET /sessions/{id}/commands", s.handleListCommands)

	mux.HandleFunc("GET /sessions/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /sessions/{id}/artifacts/{aid}", s.handleGetArtifact)

	mux.HandleFunc("POST /sessions/{id}/debug/launch", s.handleLaunchDebug)

	mux.HandleFunc("POST /auth/tokens", s.handleCreateToken)
	mux.HandleFunc("GET /auth/tokens", s.handleListTokens)
	mux.HandleFunc("DELETE /auth/tokens/{id}", s.handleRevokeToken)

	mux.HandleFunc("GET /sessions/{id}/logs", s.handleLogsWS)
	mux.HandleFunc("GET /sessions/{id}/debug", s.handleDebugWS)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("starting debug execution server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server and releases every lease
// still held by an active session.
func (s *Server) Stop(ctx context.Context) error {
	s.leasesMu.Lock()
	leases := make([]*worktree.Lease, 0, len(s.leases))
	for id, lease := range s.leases {
		leases = append(leases, lease)
		delete(s.leases, id)
	}
	s.leasesMu.Unlock()

	for _, lease := range leases {
		if err := s.pool.Release(ctx, lease, false); err != nil {
			s.log.Warn("release lease on shutdown failed", "worktree_id", lease.Worktree.ID, "error", err)
		}
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.cfg.WSReadBufferSize,
		WriteBufferSize: s.cfg.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if allowed == origin {
			return true
		}
		if idx := strings.Index(allowed, "*."); idx >= 0 {
			prefix, suffix := allowed[:idx], allowed[idx+1:]
			if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return len(s.cfg.AllowedOrigins) == 0
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := len(allowedOrigins) == 0
		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers -----------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// bearerFromWSRequest extracts a bearer token from the Authorization
// header or, failing that, a ?token= query parameter — browser
// WebSocket clients cannot set arbitrary headers on the upgrade request.
func bearerFromWSRequest(r *http.Request) string {
	if raw, ok := auth.ExtractBearer(r); ok {
		return raw
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func parseTimeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
