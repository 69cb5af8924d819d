package worktree

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/debugserver/server/internal/store"
)

// initBareRemote creates a throwaway local git repository with one commit
// and returns its path, usable as a Repository.RemoteURL in tests (git
// supports filesystem remotes natively, so this avoids any network
// dependency).
func initBareRemote(t *testing.T) (dir string, commitSHA string) {
	t.Helper()
	dir = t.TempDir()
	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out.String())
		}
		return out.String()
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", "README.md")
	run("commit", "-q", "-m", "initial")
	sha := run("rev-parse", "HEAD")
	return dir, trimNewline(sha)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func newTestPool(t *testing.T, st *store.Store) *Pool {
	t.Helper()
	root := t.TempDir()
	p := New(st, slog.New(slog.DiscardHandler), Config{
		ReposRoot:            filepath.Join(root, "repos"),
		WorktreesRoot:        filepath.Join(root, "worktrees"),
		MaxWorktreesPerRepo:  2,
		LeaseTTL:             time.Minute,
		StaleReclaimInterval: time.Hour,
		StaleMaxIdleAge:      time.Hour,
	})
	t.Cleanup(p.Close)
	return p
}

func TestAcquireChecksOutRequestedCommit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	remoteDir, commitSHA := initBareRemote(t)
	repo, err := st.UpsertRepository("demo", remoteDir, "main", "", nil)
	if err != nil {
		t.Fatalf("UpsertRepository: %v", err)
	}

	pool := newTestPool(t, st)

	lease, err := pool.Acquire(context.Background(), repo, commitSHA, "owner-a", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Worktree.CommitSHA != commitSHA {
		t.Fatalf("expected commit %s, got %s", commitSHA, lease.Worktree.CommitSHA)
	}
	if _, err := os.Stat(filepath.Join(lease.Worktree.Path, "README.md")); err != nil {
		t.Fatalf("expected checked-out README.md: %v", err)
	}

	if err := pool.Release(context.Background(), lease, true); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireReusesWorktreeAfterRelease(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	remoteDir, commitSHA := initBareRemote(t)
	repo, err := st.UpsertRepository("demo", remoteDir, "main", "", nil)
	if err != nil {
		t.Fatalf("UpsertRepository: %v", err)
	}

	pool := newTestPool(t, st)

	l1, err := pool.Acquire(context.Background(), repo, commitSHA, "owner-a", "envhash-1")
	if err != nil {
		t.Fatalf("Acquire #1: %v", err)
	}
	if !l1.NeedsDependencySync {
		t.Fatalf("expected first acquire with a fresh environment hash to need dependency sync")
	}
	if err := pool.Release(context.Background(), l1, true); err != nil {
		t.Fatalf("Release #1: %v", err)
	}

	l2, err := pool.Acquire(context.Background(), repo, commitSHA, "owner-b", "envhash-1")
	if err != nil {
		t.Fatalf("Acquire #2: %v", err)
	}
	if l2.Worktree.ID != l1.Worktree.ID {
		t.Fatalf("expected the same worktree row to be reused, got %s vs %s", l2.Worktree.ID, l1.Worktree.ID)
	}
	if l2.NeedsDependencySync {
		t.Fatalf("expected no dependency sync needed when environment hash is unchanged")
	}
	if err := pool.Release(context.Background(), l2, true); err != nil {
		t.Fatalf("Release #2: %v", err)
	}
}

func TestAcquireFailsAtCapacity(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	remoteDir, commitSHA := initBareRemote(t)
	repo, err := st.UpsertRepository("demo", remoteDir, "main", "", nil)
	if err != nil {
		t.Fatalf("UpsertRepository: %v", err)
	}

	pool := newTestPool(t, st) // capacity 2

	var leases []*Lease
	for i := 0; i < 2; i++ {
		lease, err := pool.Acquire(context.Background(), repo, commitSHA, "owner", "")
		if err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
		leases = append(leases, lease)
	}

	if _, err := pool.Acquire(context.Background(), repo, commitSHA, "owner", ""); err == nil {
		t.Fatalf("expected capacity exhausted error on third acquire")
	}

	for _, lease := range leases {
		_ = pool.Release(context.Background(), lease, true)
	}
}
