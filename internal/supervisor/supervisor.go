// Package supervisor drives a single session: patch application, ensuring
// the environment, spawning commands, live log streaming, timeout and
// cancellation handling, and artifact recording (§4.7).
package supervisor

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/debugserver/server/internal/broker"
	"github.com/debugserver/server/internal/envmanager"
	"github.com/debugserver/server/internal/logstream"
	"github.com/debugserver/server/internal/store"
	"github.com/debugserver/server/internal/worktree"
)

// CommandRequest is the argument to RunCommand.
type CommandRequest struct {
	SessionID  string
	Lease      *worktree.Lease
	Argv       []string
	Cwd        string
	Env        map[string]string
	Timeout    time.Duration // zero means no timeout
	EnvRequest *envmanager.Request
	PatchText  string // empty when no patch
}

// Supervisor serializes command execution per session (grounded on
// p-arndt-sandkasten's sessionLock/removeSessionLock pattern, §4.7.1) and
// drives each command through the pipeline in §4.7.
type Supervisor struct {
	st          *store.Store
	envs        *envmanager.Manager
	logBroker   *broker.Hub[broker.LogEvent]
	log         *slog.Logger
	logsRoot    string
	patchesRoot string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New returns a Supervisor.
func New(st *store.Store, envs *envmanager.Manager, logBroker *broker.Hub[broker.LogEvent], log *slog.Logger, logsRoot, patchesRoot string) *Supervisor {
	return &Supervisor{
		st:          st,
		envs:        envs,
		logBroker:   logBroker,
		log:         log,
		logsRoot:    logsRoot,
		patchesRoot: patchesRoot,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *Supervisor) sessionLock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[sessionID] = mu
	}
	return mu
}

// RemoveSessionLock drops the per-session mutex once a session reaches a
// terminal state and will never run another command.
func (s *Supervisor) RemoveSessionLock(sessionID string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.locks, sessionID)
}

// RunCommand executes the full §4.7 pipeline: patch, environment,
// PENDING record, log stream, RUNNING transition, spawn, pump, wait,
// record completion.
func (s *Supervisor) RunCommand(ctx context.Context, req CommandRequest) (store.Command, error) {
	mu := s.sessionLock(req.SessionID)
	mu.Lock()
	defer mu.Unlock()

	workDir := req.Lease.Worktree.Path
	if req.Cwd != "" {
		workDir = filepath.Join(req.Lease.Worktree.Path, req.Cwd)
	}

	// 1. Patch (if provided). Failure surfaces without creating a command
	// record.
	if req.PatchText != "" {
		if err := s.applyPatch(ctx, req.Lease.Worktree.Path, req.PatchText); err != nil {
			return store.Command{}, err
		}
	}

	// 2. Environment.
	var envBin string
	if req.EnvRequest != nil {
		force := req.Lease.NeedsDependencySync || req.EnvRequest.Force
		env, err := s.envs.Ensure(ctx, envmanager.Request{
			Name:      req.EnvRequest.Name,
			Manifests: req.EnvRequest.Manifests,
			Metadata:  req.EnvRequest.Metadata,
			Force:     force,
		})
		if err != nil {
			return store.Command{}, fmt.Errorf("ensure environment: %w", err)
		}
		envBin = env.BinPath
	}

	// 3. Record PENDING command.
	sequence, err := s.st.NextCommandSequence(req.SessionID)
	if err != nil {
		return store.Command{}, fmt.Errorf("allocate command sequence: %w", err)
	}
	cmdLine := shellJoin(req.Argv)
	cmd, err := s.st.CreateCommand(store.CreateCommandParams{
		SessionID: req.SessionID,
		Sequence:  sequence,
		Command:   cmdLine,
		Cwd:       req.Cwd,
		Env:       req.Env,
	})
	if err != nil {
		return store.Command{}, fmt.Errorf("create command row: %w", err)
	}

	// 4. Open log stream.
	logPath := filepath.Join(s.logsRoot, req.SessionID, fmt.Sprintf("cmd-%s.log", cmd.ID))
	ls, err := logstream.Open(logPath)
	if err != nil {
		return store.Command{}, fmt.Errorf("open log stream: %w", err)
	}
	defer ls.Close()

	// 5. Register observers: fan every chunk into the Log broker.
	stopFanout := s.fanoutToBroker(req.SessionID, ls)
	defer stopFanout()

	// 6. Transition to RUNNING.
	if err := s.st.MarkCommandRunning(cmd.ID); err != nil {
		return store.Command{}, fmt.Errorf("mark command running: %w", err)
	}

	// 7. Spawn.
	childEnv := buildChildEnv(req.Env, envBin)
	proc := exec.Command(req.Argv[0], req.Argv[1:]...)
	proc.Dir = workDir
	proc.Env = childEnv

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return s.recordSpawnFailure(cmd, ls, logPath, err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return s.recordSpawnFailure(cmd, ls, logPath, err)
	}

	if err := proc.Start(); err != nil {
		return s.recordSpawnFailure(cmd, ls, logPath, err)
	}

	// 8. Pump stdout/stderr concurrently.
	var pumpWG sync.WaitGroup
	pumpWG.Add(2)
	go pumpPipe(&pumpWG, ls, "stdout", stdout)
	go pumpPipe(&pumpWG, ls, "stderr", stderr)

	// 9. Wait, with optional timeout.
	waitCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	waitErr := waitWithContext(waitCtx, proc)
	pumpWG.Wait()

	if waitCtx.Err() == context.DeadlineExceeded {
		_ = ls.Write("stderr", "command timed out and was killed")
		return s.recordTerminal(cmd, logPath, store.CommandCancelled, nil)
	}

	exitCode := proc.ProcessState.ExitCode()
	status := store.CommandSucceeded
	if waitErr != nil || exitCode != 0 {
		status = store.CommandFailed
	}
	return s.recordTerminal(cmd, logPath, status, &exitCode)
}

func (s *Supervisor) recordSpawnFailure(cmd store.Command, ls *logstream.Stream, logPath string, spawnErr error) (store.Command, error) {
	_ = ls.Write("stderr", fmt.Sprintf("failed to start command: %v", spawnErr))
	c, err := s.recordTerminal(cmd, logPath, store.CommandFailed, nil)
	if err != nil {
		return c, err
	}
	return c, fmt.Errorf("spawn command: %w", spawnErr)
}

func (s *Supervisor) recordTerminal(cmd store.Command, logPath, status string, exitCode *int) (store.Command, error) {
	if err := s.st.RecordCommandResult(cmd.ID, status, exitCode, logPath); err != nil {
		return store.Command{}, fmt.Errorf("record command result: %w", err)
	}

	size := int64(0)
	checksum := ""
	if info, err := os.Stat(logPath); err == nil {
		size = info.Size()
		if sum, err := fileChecksum(logPath); err == nil {
			checksum = sum
		}
	}
	if _, err := s.st.RecordArtifact(store.RecordArtifactParams{
		SessionID:      cmd.SessionID,
		CommandID:      cmd.ID,
		Kind:           store.ArtifactLog,
		Path:           logPath,
		ContentType:    "text/plain",
		SizeBytes:      size,
		ChecksumSHA256: checksum,
	}); err != nil {
		s.log.Error("record log artifact failed", "command_id", cmd.ID, "error", err)
	}

	final, err := s.st.GetCommand(cmd.ID)
	if err != nil {
		return store.Command{}, err
	}
	s.log.Info("command completed", "session_id", cmd.SessionID, "command_id", cmd.ID, "status", status,
		"log_size", humanize.Bytes(uint64(size)))
	return final, nil
}

// fanoutToBroker subscribes to the log stream's live chunks and publishes
// each to the session's Log broker, returning a stop function.
func (s *Supervisor) fanoutToBroker(sessionID string, ls *logstream.Stream) func() {
	sub := ls.Follow(256)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case chunk, ok := <-sub.C():
				if !ok {
					return
				}
				s.logBroker.Publish(sessionID, broker.LogEvent{Stream: chunk.Stream, Text: chunk.Text, Timestamp: chunk.Timestamp})
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		ls.Unsubscribe(sub)
	}
}

func pumpPipe(wg *sync.WaitGroup, ls *logstream.Stream, label string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		_ = ls.Write(label, scanner.Text())
	}
}

func waitWithContext(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		return ctx.Err()
	}
}

// buildChildEnv constructs the child process environment: base env, plus
// the environment manager's bin path prepended to PATH, plus
// PYTHONUNBUFFERED=1, with any interpreter-home variable that might point
// at the server's own interpreter cleared, plus the caller's overrides
// (§4.7 step 7, §9's subprocess env sanitation note).
func buildChildEnv(overrides map[string]string, envBinPath string) []string {
	base := os.Environ()
	out := make([]string, 0, len(base)+len(overrides)+2)
	for _, kv := range base {
		key := strings.SplitN(kv, "=", 2)[0]
		switch key {
		case "PYTHONHOME", "VIRTUAL_ENV":
			continue // interpreter-home leakage from the server's own process
		case "PATH":
			if envBinPath != "" {
				out = append(out, "PATH="+envBinPath+string(os.PathListSeparator)+os.Getenv("PATH"))
				continue
			}
		}
		out = append(out, kv)
	}
	out = append(out, "PYTHONUNBUFFERED=1")
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t\n'\"") {
			parts[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
