package auth

import (
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/debugserver/server/internal/apierr"
	"github.com/debugserver/server/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestExtractBearerIsCaseInsensitiveAndTrims(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer   abc123  ")
	raw, ok := ExtractBearer(req)
	if !ok || raw != "abc123" {
		t.Fatalf("expected trimmed token, got %q ok=%v", raw, ok)
	}
}

func TestExtractBearerRejectsMissingOrMalformed(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	if _, ok := ExtractBearer(req); ok {
		t.Fatalf("expected no bearer token on request without header")
	}
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, ok := ExtractBearer(req); ok {
		t.Fatalf("expected rejection of non-bearer scheme")
	}
}

func TestAuthenticateScopedEnforcesScopeAndAdminSuperset(t *testing.T) {
	st := newTestStore(t)
	_, raw, err := st.CreateToken("ci", []string{ScopeSessionsRead}, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	a := New(st)

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)

	if _, err := a.AuthenticateScoped(req, ScopeSessionsRead); err != nil {
		t.Fatalf("expected sessions:read to be granted: %v", err)
	}
	if _, err := a.AuthenticateScoped(req, ScopeSessionsWrite); !errors.Is(err, apierr.ErrScopeDenied) {
		t.Fatalf("expected scope denied for sessions:write, got %v", err)
	}

	_, adminRaw, err := st.CreateToken("admin-tok", []string{ScopeAdmin}, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	adminReq, _ := http.NewRequest(http.MethodGet, "/", nil)
	adminReq.Header.Set("Authorization", "Bearer "+adminRaw)
	if _, err := a.AuthenticateScoped(adminReq, ScopeSessionsWrite, ScopeCommandsWrite); err != nil {
		t.Fatalf("expected admin scope to satisfy every requirement: %v", err)
	}
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	st := newTestStore(t)
	a := New(st)
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	if _, err := a.Authenticate(req); !errors.Is(err, apierr.ErrAuthFailure) {
		t.Fatalf("expected auth failure, got %v", err)
	}
}
