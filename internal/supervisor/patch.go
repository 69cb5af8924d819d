package supervisor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/debugserver/server/internal/apierr"
)

// applyPatch writes diffText to a content-addressed file under the
// patches root, verifies it with `git apply --check`, then applies it to
// worktreePath. Failure surfaces as a KindPatchApplication error; the
// caller must not create a command record in that case (§4.7 step 1).
func (s *Supervisor) applyPatch(ctx context.Context, worktreePath, diffText string) error {
	sum := sha256.Sum256([]byte(diffText))
	sha12 := hex.EncodeToString(sum[:])[:12]

	if err := os.MkdirAll(s.patchesRoot, 0o755); err != nil {
		return apierr.Wrap(apierr.KindPatchApplication, "create patches root", err)
	}
	patchPath := filepath.Join(s.patchesRoot, sha12+".patch")
	if err := os.WriteFile(patchPath, []byte(diffText), 0o644); err != nil {
		return apierr.Wrap(apierr.KindPatchApplication, "write patch file", err)
	}

	if err := runGitApply(ctx, worktreePath, patchPath, "--check"); err != nil {
		return apierr.Wrap(apierr.KindPatchApplication, "patch verification failed", err)
	}
	if err := runGitApply(ctx, worktreePath, patchPath); err != nil {
		return apierr.Wrap(apierr.KindPatchApplication, "patch application failed", err)
	}
	return nil
}

func runGitApply(ctx context.Context, worktreePath, patchPath string, extraArgs ...string) error {
	args := append([]string{"apply"}, extraArgs...)
	args = append(args, patchPath)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = worktreePath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, stderr.String())
	}
	return nil
}
