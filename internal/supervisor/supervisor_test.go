package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/debugserver/server/internal/broker"
	"github.com/debugserver/server/internal/envmanager"
	"github.com/debugserver/server/internal/store"
	"github.com/debugserver/server/internal/worktree"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store, *worktree.Lease) {
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

	repo, err := st.UpsertRepository("demo", "https://example.com/demo.git", "main", "", nil)
	if err != nil {
		t.Fatalf("UpsertRepository: %v", err)
	}

	workDir := filepath.Join(root, "worktrees", "wt-1")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir worktree: %v", err)
	}
	wt, err := st.RegisterWorktree(repo.ID, workDir)
	if err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}

	lease := &worktree.Lease{Worktree: wt}

	logBroker := broker.NewHub[broker.LogEvent](256, 32)
	sup := New(st, envs, logBroker, slog.New(slog.DiscardHandler), filepath.Join(root, "logs"), filepath.Join(root, "patches"))

	return sup, st, lease
}

func TestRunCommandRecordsSuccessAndArtifact(t *testing.T) {
	sup, st, lease := newTestSupervisor(t)

	repo, err := st.GetRepository("demo")
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	sess, err := st.CreateSession(store.CreateSessionParams{RepositoryID: repo.ID, CommitSHA: "abc1234"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	cmd, err := sup.RunCommand(context.Background(), CommandRequest{
		SessionID: sess.ID,
		Lease:     lease,
		Argv:      []string{"/bin/sh", "-c", "echo hi; echo err >&2"},
	})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if cmd.Status != store.CommandSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", cmd.Status)
	}
	if cmd.ExitCode == nil || *cmd.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", cmd.ExitCode)
	}

	artifacts, err := st.ListArtifacts(sess.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Kind != store.ArtifactLog {
		t.Fatalf("expected exactly one log artifact, got %+v", artifacts)
	}

	content, err := os.ReadFile(cmd.LogPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "hi") || !strings.Contains(string(content), "err") {
		t.Fatalf("expected both stdout and stderr lines in log, got %q", string(content))
	}
}

func TestRunCommandRecordsFailureOnNonZeroExit(t *testing.T) {
	sup, st, lease := newTestSupervisor(t)
	repo, _ := st.GetRepository("demo")
	sess, err := st.CreateSession(store.CreateSessionParams{RepositoryID: repo.ID, CommitSHA: "abc1234"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	cmd, err := sup.RunCommand(context.Background(), CommandRequest{
		SessionID: sess.ID,
		Lease:     lease,
		Argv:      []string{"/bin/sh", "-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if cmd.Status != store.CommandFailed {
		t.Fatalf("expected FAILED, got %s", cmd.Status)
	}
	if cmd.ExitCode == nil || *cmd.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", cmd.ExitCode)
	}
}

func TestRunCommandCancelsOnTimeout(t *testing.T) {
	sup, st, lease := newTestSupervisor(t)
	repo, _ := st.GetRepository("demo")
	sess, err := st.CreateSession(store.CreateSessionParams{RepositoryID: repo.ID, CommitSHA: "abc1234"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	cmd, err := sup.RunCommand(context.Background(), CommandRequest{
		SessionID: sess.ID,
		Lease:     lease,
		Argv:      []string{"sleep", "5"},
		Timeout:   200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if cmd.Status != store.CommandCancelled {
		t.Fatalf("expected CANCELLED, got %s", cmd.Status)
	}
	if cmd.ExitCode != nil {
		t.Fatalf("expected nil exit code on cancellation, got %v", *cmd.ExitCode)
	}
}

func TestRunCommandRecordsFailureOnSpawnError(t *testing.T) {
	sup, st, lease := newTestSupervisor(t)
	repo, _ := st.GetRepository("demo")
	sess, err := st.CreateSession(store.CreateSessionParams{RepositoryID: repo.ID, CommitSHA: "abc1234"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err = sup.RunCommand(context.Background(), CommandRequest{
		SessionID: sess.ID,
		Lease:     lease,
		Argv:      []string{"/no/such/binary-xyz"},
	})
	if err == nil {
		t.Fatalf("expected spawn failure error")
	}

	cmds, err := st.ListCommands(sess.ID)
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Status != store.CommandFailed {
		t.Fatalf("expected one FAILED command row, got %+v", cmds)
	}
	if cmds[0].ExitCode != nil {
		t.Fatalf("expected nil exit code on spawn failure, got %v", *cmds[0].ExitCode)
	}
}
