package store

import (
	"path/filepath"
	"testing"
	"time"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestUpsertRepositoryIsIdempotent(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	r1, err := s.UpsertRepository("demo", "https://example.com/demo.git", "main", "", nil)
	if err != nil {
		t.Fatalf("UpsertRepository: %v", err)
	}

	r2, err := s.UpsertRepository("demo", "https://example.com/demo-renamed.git", "main", "desc", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("UpsertRepository (update): %v", err)
	}

	if r1.ID != r2.ID {
		t.Fatalf("expected same repository id, got %s and %s", r1.ID, r2.ID)
	}

	repos, err := s.ListRepositories()
	if err != nil {
		t.Fatalf("ListRepositories: %v", err)
	}
	if len(repos) != 1 {
		t.Fatalf("expected exactly one repository row, got %d", len(repos))
	}
	if repos[0].RemoteURL != "https://example.com/demo-renamed.git" {
		t.Fatalf("expected updated remote_url, got %s", repos[0].RemoteURL)
	}
}

func TestReserveWorktreeExcludesReservedRows(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	repo, err := s.UpsertRepository("demo", "https://example.com/demo.git", "main", "", nil)
	if err != nil {
		t.Fatalf("UpsertRepository: %v", err)
	}
	if _, err := s.RegisterWorktree(repo.ID, "/worktrees/demo/wt-1"); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}

	wt, token, err := s.ReserveWorktree(repo.ID, "owner-a", time.Minute)
	if err != nil {
		t.Fatalf("ReserveWorktree: %v", err)
	}
	if wt.Status != WorktreeReserved {
		t.Fatalf("expected RESERVED, got %s", wt.Status)
	}

	if _, _, err := s.ReserveWorktree(repo.ID, "owner-b", time.Minute); err == nil {
		t.Fatalf("expected no available worktree error for second reservation")
	}

	if err := s.ReleaseWorktree(wt.ID, "wrong-token"); err == nil {
		t.Fatalf("expected lease mismatch error")
	}
	if err := s.ReleaseWorktree(wt.ID, token); err != nil {
		t.Fatalf("ReleaseWorktree: %v", err)
	}

	wt2, _, err := s.ReserveWorktree(repo.ID, "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("ReserveWorktree after release: %v", err)
	}
	if wt2.ID != wt.ID {
		t.Fatalf("expected the same worktree row to be reused, got %s vs %s", wt2.ID, wt.ID)
	}
}

func TestReserveWorktreeReclaimsStaleLease(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	repo, err := s.UpsertRepository("demo", "https://example.com/demo.git", "main", "", nil)
	if err != nil {
		t.Fatalf("UpsertRepository: %v", err)
	}
	if _, err := s.RegisterWorktree(repo.ID, "/worktrees/demo/wt-1"); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}

	// Reserve with a negative TTL so the lease is immediately stale.
	if _, _, err := s.ReserveWorktree(repo.ID, "owner-a", -time.Minute); err != nil {
		t.Fatalf("ReserveWorktree: %v", err)
	}

	wt, _, err := s.ReserveWorktree(repo.ID, "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("expected stale lease to be reclaimable: %v", err)
	}
	if wt.LeaseOwner != "owner-b" {
		t.Fatalf("expected new owner, got %s", wt.LeaseOwner)
	}
}

func TestNextCommandSequenceIsMonotonic(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	repo, _ := s.UpsertRepository("demo", "https://example.com/demo.git", "main", "", nil)
	sess, err := s.CreateSession(CreateSessionParams{RepositoryID: repo.ID, CommitSHA: "abc1234"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for want := int64(0); want < 3; want++ {
		got, err := s.NextCommandSequence(sess.ID)
		if err != nil {
			t.Fatalf("NextCommandSequence: %v", err)
		}
		if got != want {
			t.Fatalf("expected sequence %d, got %d", want, got)
		}
		if _, err := s.CreateCommand(CreateCommandParams{SessionID: sess.ID, Sequence: got, Command: "echo hi"}); err != nil {
			t.Fatalf("CreateCommand: %v", err)
		}
	}
}

func TestAuthenticateRejectsRevokedAndExpired(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, raw, err := s.CreateToken("ci", []string{"sessions:read"}, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	tok, ok, err := s.Authenticate(raw)
	if err != nil || !ok {
		t.Fatalf("expected valid token, got ok=%v err=%v", ok, err)
	}
	if !tok.HasScope("sessions:read") || tok.HasScope("sessions:write") {
		t.Fatalf("unexpected scope evaluation: %+v", tok.Scopes)
	}

	if err := s.RevokeToken(tok.ID); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, ok, err := s.Authenticate(raw); err != nil || ok {
		t.Fatalf("expected revoked token to fail authentication, ok=%v err=%v", ok, err)
	}

	past := time.Now().Add(-time.Hour)
	_, rawExpired, err := s.CreateToken("expired", []string{"admin"}, &past)
	if err != nil {
		t.Fatalf("CreateToken (expired): %v", err)
	}
	if _, ok, err := s.Authenticate(rawExpired); err != nil || ok {
		t.Fatalf("expected expired token to fail authentication, ok=%v err=%v", ok, err)
	}
}

func TestAdminScopeSatisfiesEveryRequirement(t *testing.T) {
	tok := AuthToken{Scopes: []string{"admin"}}
	if !tok.HasScopes("sessions:read", "sessions:write", "commands:write") {
		t.Fatalf("expected admin scope to satisfy every requirement")
	}
}
