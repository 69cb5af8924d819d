// Package worktree manages per-repository bare mirrors and a bounded set of
// leased checkout directories advanced to requested commits (§4.4).
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/debugserver/server/internal/apierr"
	"github.com/debugserver/server/internal/store"
)

// Lease is a scoped handle on a reserved worktree. Callers must call
// Release on every exit path.
type Lease struct {
	Worktree            store.Worktree
	Token               string
	NeedsDependencySync bool
}

// Pool owns the mirror and checkout directories for every registered
// repository and, on a ticker, reclaims the directories of IDLE worktrees
// past the maximum idle age, grounded on the teacher's idle.Detector
// heartbeat-ticker idiom.
type Pool struct {
	st            *store.Store
	log           *slog.Logger
	reposRoot     string
	worktreesRoot string
	maxPerRepo    int
	leaseTTL      time.Duration
	gitTimeout    time.Duration

	reclaimInterval time.Duration
	maxIdleAge      time.Duration

	mirrorMu sync.Map // repository name -> *sync.Mutex, serializes fetch per repo

	done chan struct{}
	wg   sync.WaitGroup
}

// Config bundles the Pool's constructor parameters.
type Config struct {
	ReposRoot            string
	WorktreesRoot        string
	MaxWorktreesPerRepo  int
	LeaseTTL             time.Duration
	StaleReclaimInterval time.Duration
	StaleMaxIdleAge      time.Duration
}

// New creates a Pool and starts its stale-reclaim loop. A non-positive
// StaleReclaimInterval leaves the loop off.
func New(st *store.Store, log *slog.Logger, cfg Config) *Pool {
	p := &Pool{
		st:              st,
		log:             log,
		reposRoot:       cfg.ReposRoot,
		worktreesRoot:   cfg.WorktreesRoot,
		maxPerRepo:      cfg.MaxWorktreesPerRepo,
		leaseTTL:        cfg.LeaseTTL,
		gitTimeout:      2 * time.Minute,
		reclaimInterval: cfg.StaleReclaimInterval,
		maxIdleAge:      cfg.StaleMaxIdleAge,
		done:            make(chan struct{}),
	}
	if p.reclaimInterval > 0 {
		p.wg.Add(1)
		go p.reclaimLoop()
	}
	return p
}

// Close stops the reclaim loop.
func (p *Pool) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Pool) reclaimLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.ReclaimStaleWorktrees(p.maxIdleAge); err != nil {
				p.log.Error("reclaim stale worktrees failed", "error", err)
			}
		}
	}
}

func (p *Pool) repoMirrorLock(repoName string) *sync.Mutex {
	v, _ := p.mirrorMu.LoadOrStore(repoName, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Acquire reserves a worktree for repo at commitSHA, advancing its
// filesystem contents to that commit (§4.4 steps 1-6).
func (p *Pool) Acquire(ctx context.Context, repo store.Repository, commitSHA, owner, environmentHash string) (*Lease, error) {
	mirrorLock := p.repoMirrorLock(repo.Name)
	mirrorLock.Lock()
	mirrorPath, err := p.ensureMirror(ctx, repo)
	mirrorLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ensure mirror for %q: %w", repo.Name, err)
	}

	wt, token, err := p.st.ReserveWorktree(repo.ID, owner, p.leaseTTL)
	if err != nil {
		if err == apierr.ErrNoAvailableWorktree {
			wt, token, err = p.registerAndReserve(repo, owner)
		}
		if err != nil {
			return nil, err
		}
	}

	checkoutPath := wt.Path
	if checkoutPath == "" {
		checkoutPath = filepath.Join(p.worktreesRoot, repo.Name, "wt-"+randomSuffix())
	}

	if err := p.prepareCheckout(ctx, mirrorPath, checkoutPath); err != nil {
		_ = p.st.ReleaseWorktree(wt.ID, token)
		return nil, fmt.Errorf("prepare checkout: %w", err)
	}

	if err := p.checkoutCommit(ctx, mirrorPath, repo.RemoteURL, checkoutPath, commitSHA); err != nil {
		_ = p.st.ReleaseWorktree(wt.ID, token)
		return nil, fmt.Errorf("checkout commit %q: %w", commitSHA, err)
	}

	needsSync := wt.EnvironmentHash != environmentHash
	if err := p.st.UpdateWorktreeMetadata(wt.ID, commitSHA, environmentHash); err != nil {
		_ = p.st.ReleaseWorktree(wt.ID, token)
		return nil, fmt.Errorf("update worktree metadata: %w", err)
	}

	wt.CommitSHA = commitSHA
	wt.EnvironmentHash = environmentHash
	wt.Path = checkoutPath

	p.log.Info("worktree acquired", "worktree_id", wt.ID, "repository", repo.Name, "commit_sha", commitSHA, "owner", owner)
	return &Lease{Worktree: wt, Token: token, NeedsDependencySync: needsSync}, nil
}

// registerAndReserve registers a brand new worktree row (subject to the
// per-repository capacity cap) and reserves it immediately.
func (p *Pool) registerAndReserve(repo store.Repository, owner string) (store.Worktree, string, error) {
	n, err := p.st.CountWorktrees(repo.ID)
	if err != nil {
		return store.Worktree{}, "", err
	}
	if n >= p.maxPerRepo {
		return store.Worktree{}, "", apierr.ErrCapacityExhausted
	}

	path := filepath.Join(p.worktreesRoot, repo.Name, "wt-"+randomSuffix())
	if _, err := p.st.RegisterWorktree(repo.ID, path); err != nil {
		return store.Worktree{}, "", fmt.Errorf("register worktree: %w", err)
	}
	return p.st.ReserveWorktree(repo.ID, owner, p.leaseTTL)
}

// Release returns a lease to the pool. If clean, the checkout is hard-reset
// and untracked files removed before the row is released (§4.4).
func (p *Pool) Release(ctx context.Context, lease *Lease, clean bool) error {
	if clean {
		if err := p.cleanCheckout(ctx, lease.Worktree.Path); err != nil {
			p.log.Warn("clean checkout failed before release", "worktree_id", lease.Worktree.ID, "error", err)
		}
	}
	if err := p.st.ReleaseWorktree(lease.Worktree.ID, lease.Token); err != nil {
		return fmt.Errorf("release worktree: %w", err)
	}
	p.log.Info("worktree released", "worktree_id", lease.Worktree.ID)
	return nil
}

// ReclaimStaleWorktrees removes the filesystem contents of every IDLE
// worktree older than maxIdleAge and clears its checkout metadata, keeping
// the row reusable (§4.4).
func (p *Pool) ReclaimStaleWorktrees(maxIdleAge time.Duration) error {
	cutoff := time.Now().Add(-maxIdleAge)
	idle, err := p.st.ListIdleWorktreesOlderThan(cutoff)
	if err != nil {
		return fmt.Errorf("list idle worktrees: %w", err)
	}
	for _, wt := range idle {
		if wt.Path != "" {
			if err := os.RemoveAll(wt.Path); err != nil {
				p.log.Error("remove stale worktree dir", "worktree_id", wt.ID, "path", wt.Path, "error", err)
				continue
			}
		}
		if err := p.st.ClearWorktreeCheckout(wt.ID); err != nil {
			p.log.Error("clear worktree checkout metadata", "worktree_id", wt.ID, "error", err)
			continue
		}
		p.log.Info("worktree reclaimed", "worktree_id", wt.ID, "path", wt.Path)
	}
	return nil
}

// Describe returns a sorted snapshot of every worktree row for a
// repository, for observability.
func (p *Pool) Describe(repositoryID string) ([]store.Worktree, error) {
	return p.st.DescribeWorktrees(repositoryID)
}

func (p *Pool) ensureMirror(ctx context.Context, repo store.Repository) (string, error) {
	mirrorPath := filepath.Join(p.reposRoot, repo.Name+".bare")
	if _, err := os.Stat(mirrorPath); os.IsNotExist(err) {
		if err := os.MkdirAll(p.reposRoot, 0o755); err != nil {
			return "", fmt.Errorf("create repos root: %w", err)
		}
		if _, err := runGit(ctx, p.gitTimeout, "", "clone", "--mirror", repo.RemoteURL, mirrorPath); err != nil {
			return "", fmt.Errorf("clone mirror: %w", err)
		}
		return mirrorPath, nil
	}
	if _, err := runGit(ctx, p.gitTimeout, mirrorPath, "remote", "update", "--prune"); err != nil {
		return "", fmt.Errorf("update mirror: %w", err)
	}
	return mirrorPath, nil
}

func (p *Pool) prepareCheckout(ctx context.Context, mirrorPath, checkoutPath string) error {
	if _, err := os.Stat(filepath.Join(checkoutPath, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(checkoutPath), 0o755); err != nil {
			return fmt.Errorf("create worktree parent dir: %w", err)
		}
		if _, err := runGit(ctx, p.gitTimeout, "", "clone", mirrorPath, checkoutPath); err != nil {
			return fmt.Errorf("clone worktree: %w", err)
		}
		return nil
	}
	if _, err := runGit(ctx, p.gitTimeout, checkoutPath, "remote", "set-url", "origin", mirrorPath); err != nil {
		return fmt.Errorf("reset origin to mirror: %w", err)
	}
	if _, err := runGit(ctx, p.gitTimeout, checkoutPath, "fetch", "--prune", "origin"); err != nil {
		return fmt.Errorf("fetch with prune: %w", err)
	}
	return nil
}

// checkoutCommit detach-checks out commitSHA, retrying once against both
// the mirror and the original remote on failure (§4.4 step 4), then
// hard-resets to guarantee a clean tree (§4.4 step 5).
func (p *Pool) checkoutCommit(ctx context.Context, mirrorPath, remoteURL, checkoutPath, commitSHA string) error {
	_, err := runGit(ctx, p.gitTimeout, checkoutPath, "checkout", "--detach", commitSHA)
	if err != nil {
		if _, fetchErr := runGit(ctx, p.gitTimeout, checkoutPath, "fetch", mirrorPath, commitSHA); fetchErr != nil {
			p.log.Warn("refetch from mirror failed", "error", fetchErr)
		}
		if remoteURL != "" {
			if _, fetchErr := runGit(ctx, p.gitTimeout, checkoutPath, "fetch", remoteURL, commitSHA); fetchErr != nil {
				p.log.Warn("refetch from origin remote failed", "error", fetchErr)
			}
		}
		if _, retryErr := runGit(ctx, p.gitTimeout, checkoutPath, "checkout", "--detach", commitSHA); retryErr != nil {
			return fmt.Errorf("checkout %q after refetch: %w", commitSHA, retryErr)
		}
	}
	if _, err := runGit(ctx, p.gitTimeout, checkoutPath, "reset", "--hard", commitSHA); err != nil {
		return fmt.Errorf("hard reset to %q: %w", commitSHA, err)
	}
	return nil
}

func (p *Pool) cleanCheckout(ctx context.Context, checkoutPath string) error {
	if checkoutPath == "" {
		return nil
	}
	if _, err := runGit(ctx, p.gitTimeout, checkoutPath, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("reset to head: %w", err)
	}
	if _, err := runGit(ctx, p.gitTimeout, checkoutPath, "clean", "-fdx"); err != nil {
		return fmt.Errorf("clean untracked files: %w", err)
	}
	return nil
}

// runGit executes a git subcommand with a bounded context timeout, the
// same exec.CommandContext-with-timeout idiom the teacher uses for its
// own subprocess helpers.
func runGit(ctx context.Context, timeout time.Duration, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func randomSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 10)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
