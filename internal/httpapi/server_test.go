package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/broker"
	"github.com/debugserver/server/internal/config"
	"github.com/debugserver/server/internal/debugger"
	"github.com/debugserver/server/internal/envmanager"
	"github.com/debugserver/server/internal/store"
	"github.com/debugserver/server/internal/supervisor"
	"github.com/debugserver/server/internal/worktree"
)

// newTestServer builds a fully wired Server against a temp-dir sqlite
// store, the same composition cmd/debugserverd/main.go performs at
// startup, so contract tests exercise real store/pool/supervisor code
// rather than mocks.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()

	st, err := store.Open(filepath.Join(root, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	envs, err := envmanager.New(filepath.Join(root, "envs"))
	if err != nil {
		t.Fatalf("envmanager.New: %v", err)
	}

	pool := worktree.New(st, slog.New(slog.DiscardHandler), worktree.Config{
		ReposRoot:            filepath.Join(root, "repos"),
		WorktreesRoot:        filepath.Join(root, "worktrees"),
		MaxWorktreesPerRepo:  4,
		LeaseTTL:             0,
		StaleReclaimInterval: 0,
		StaleMaxIdleAge:      0,
	})
	t.Cleanup(pool.Close)

	brokers := broker.New(256, 32)
	sup := supervisor.New(st, envs, brokers.Log, slog.New(slog.DiscardHandler), filepath.Join(root, "logs"), filepath.Join(root, "patches"))
	dbg := debugger.NewManager(st, "127.0.0.1", []byte("test-signing-key"))
	authN := auth.New(st)

	cfg := &config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		PatchesRoot:       filepath.Join(root, "patches"),
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
	}

	return New(cfg, Deps{
		Store:   st,
		Pool:    pool,
		Envs:    envs,
		Brokers: brokers,
		Sup:     sup,
		Dbg:     dbg,
		AuthN:   authN,
	}, slog.New(slog.DiscardHandler))
}

func adminToken(t *testing.T, s *Server) string {
	t.Helper()
	_, raw, err := s.store.CreateToken("admin", []string{auth.ScopeAdmin}, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return raw
}

func doJSON(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var r *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func mustDecode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %s: %v", rec.Body.String(), err)
	}
	return out
}

func TestInitRepositoryRequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	admin := adminToken(t, s)

	rec := doJSON(s, http.MethodPost, "/repository/init", admin, initRepositoryRequest{
		Name:          "demo",
		RemoteURL:     "https://example.com/demo.git",
		DefaultBranch: "main",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	repo := mustDecode[repositoryResponse](t, rec)
	if repo.Name != "demo" {
		t.Fatalf("expected repository name demo, got %q", repo.Name)
	}

	_, reader, err := s.store.CreateToken("reader", []string{auth.ScopeSessionsRead}, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	rec = doJSON(s, http.MethodPost, "/repository/init", reader, initRepositoryRequest{
		Name: "other", RemoteURL: "https://example.com/other.git",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin token, got %d", rec.Code)
	}
}

func TestCreateSessionThenGet(t *testing.T) {
	s := newTestServer(t)
	admin := adminToken(t, s)

	doJSON(s, http.MethodPost, "/repository/init", admin, initRepositoryRequest{
		Name: "demo", RemoteURL: "https://example.com/demo.git", DefaultBranch: "main",
	})

	rec := doJSON(s, http.MethodPost, "/sessions", admin, createSessionRequest{
		Repository: "demo", CommitSHA: "abc1234",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	sess := mustDecode[sessionResponse](t, rec)
	if sess.Status != store.SessionPending {
		t.Fatalf("expected pending status, got %s", sess.Status)
	}
	if sess.ID == "" {
		t.Fatalf("expected non-empty session id")
	}

	rec = doJSON(s, http.MethodGet, "/sessions/"+sess.ID, admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	s := newTestServer(t)
	admin := adminToken(t, s)

	rec := doJSON(s, http.MethodPost, "/sessions", admin, createSessionRequest{})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing fields, got %d", rec.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestServer(t)
	admin := adminToken(t, s)

	rec := doJSON(s, http.MethodGet, "/sessions/does-not-exist", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWhoamiRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodGet, "/whoami", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no token, got %d", rec.Code)
	}

	admin := adminToken(t, s)
	rec = doJSON(s, http.MethodGet, "/whoami", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCommandRequiresCommandsOrSessionsWriteScope(t *testing.T) {
	s := newTestServer(t)
	admin := adminToken(t, s)

	doJSON(s, http.MethodPost, "/repository/init", admin, initRepositoryRequest{
		Name: "demo", RemoteURL: "https://example.com/demo.git", DefaultBranch: "main",
	})
	rec := doJSON(s, http.MethodPost, "/sessions", admin, createSessionRequest{Repository: "demo", CommitSHA: "abc1234"})
	sess := mustDecode[sessionResponse](t, rec)

	_, readOnly, err := s.store.CreateToken("reader", []string{auth.ScopeSessionsRead}, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	rec = doJSON(s, http.MethodPost, "/sessions/"+sess.ID+"/commands", readOnly, createCommandRequest{
		Argv: []string{"/bin/sh", "-c", "echo hi"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for sessions:read-only token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateTokenAndRevoke(t *testing.T) {
	s := newTestServer(t)
	admin := adminToken(t, s)

	rec := doJSON(s, http.MethodPost, "/auth/tokens", admin, createTokenRequest{
		Name: "ci", Scopes: []string{auth.ScopeSessionsRead},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	tok := mustDecode[tokenResponse](t, rec)
	if tok.Secret == "" {
		t.Fatalf("expected secret to be returned on creation")
	}

	rec = doJSON(s, http.MethodGet, "/auth/tokens", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listed []tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	for _, l := range listed {
		if l.Secret != "" {
			t.Fatalf("expected secret to be blank in list response")
		}
	}

	rec = doJSON(s, http.MethodDelete, "/auth/tokens/"+tok.ID, admin, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
