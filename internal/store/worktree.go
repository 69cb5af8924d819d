package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/debugserver/server/internal/apierr"
)

// RegisterWorktree inserts a new IDLE worktree row for a repository. path
// must be unique.
func (s *Store) RegisterWorktree(repositoryID, path string) (Worktree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM worktrees WHERE path = ?", path).Scan(&exists); err != nil {
		return Worktree{}, fmt.Errorf("check worktree path: %w", err)
	}
	if exists > 0 {
		return Worktree{}, fmt.Errorf("worktree path %q already registered: %w", path, apierr.ErrMetadataConflict)
	}

	id := uuid.NewString()
	now := formatTime(time.Now())
	_, err := s.db.Exec(
		`INSERT INTO worktrees (id, repository_id, path, status, version, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		id, repositoryID, path, WorktreeIdle, now,
	)
	if err != nil {
		return Worktree{}, fmt.Errorf("register worktree: %w", err)
	}
	return s.getWorktreeByID(id)
}

// CountWorktrees returns how many worktree rows exist for a repository
// (used to enforce max_worktrees capacity in the Workspace Pool).
func (s *Store) CountWorktrees(repositoryID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM worktrees WHERE repository_id = ?", repositoryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count worktrees: %w", err)
	}
	return n, nil
}

// ReserveWorktree atomically selects one IDLE-or-stale worktree row for the
// repository, mints a fresh lease token, and returns it. At most one caller
// succeeds per row even under concurrent callers (§4.1).
func (s *Store) ReserveWorktree(repositoryID, owner string, ttl time.Duration) (Worktree, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := randomToken()
	if err != nil {
		return Worktree{}, "", fmt.Errorf("generate lease token: %w", err)
	}

	now := time.Now()
	nowStr := formatTime(now)
	expiresStr := formatTime(now.Add(ttl))

	// Single row-update selecting the reservation predicate, run inside
	// SQLite's serialized-writer guarantee: the SELECT subquery and the
	// UPDATE it feeds execute as one statement, so no two concurrent
	// transactions can select and claim the same row (see DESIGN.md on
	// "skip locked" semantics).
	res, err := s.db.Exec(
		`UPDATE worktrees
		 SET status = ?, lease_owner = ?, lease_token = ?, leased_at = ?, lease_expires_at = ?, version = version + 1
		 WHERE id = (
		   SELECT id FROM worktrees
		   WHERE repository_id = ?
		     AND (status = ? OR (lease_expires_at IS NOT NULL AND lease_expires_at < ?))
		   ORDER BY id
		   LIMIT 1
		 )`,
		WorktreeReserved, owner, token, nowStr, expiresStr,
		repositoryID, WorktreeIdle, nowStr,
	)
	if err != nil {
		return Worktree{}, "", fmt.Errorf("reserve worktree: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Worktree{}, "", fmt.Errorf("reserve worktree rows affected: %w", err)
	}
	if n == 0 {
		return Worktree{}, "", apierr.ErrNoAvailableWorktree
	}

	var id string
	err = s.db.QueryRow(
		`SELECT id FROM worktrees WHERE repository_id = ? AND lease_token = ?`,
		repositoryID, token,
	).Scan(&id)
	if err != nil {
		return Worktree{}, "", fmt.Errorf("lookup reserved worktree: %w", err)
	}

	wt, err := s.getWorktreeByID(id)
	if err != nil {
		return Worktree{}, "", err
	}
	return wt, token, nil
}

// ReleaseWorktree releases the lease iff token matches the stored value.
func (s *Store) ReleaseWorktree(worktreeID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored string
	err := s.db.QueryRow("SELECT lease_token FROM worktrees WHERE id = ?", worktreeID).Scan(&stored)
	if err == sql.ErrNoRows {
		return fmt.Errorf("worktree %q: %w", worktreeID, apierr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup worktree lease: %w", err)
	}
	if stored == "" || stored != token {
		return apierr.ErrLeaseMismatch
	}

	_, err = s.db.Exec(
		`UPDATE worktrees
		 SET status = ?, lease_owner = '', lease_token = '', leased_at = NULL, lease_expires_at = NULL, version = version + 1
		 WHERE id = ?`,
		WorktreeIdle, worktreeID,
	)
	if err != nil {
		return fmt.Errorf("release worktree: %w", err)
	}
	return nil
}

// UpdateWorktreeMetadata records the commit and environment hash the lease
// holder advanced the worktree to.
func (s *Store) UpdateWorktreeMetadata(worktreeID, commitSHA, environmentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE worktrees SET commit_sha = ?, environment_hash = ?, version = version + 1 WHERE id = ?`,
		commitSHA, environmentHash, worktreeID,
	)
	if err != nil {
		return fmt.Errorf("update worktree metadata: %w", err)
	}
	return nil
}

// MarkWorktreeBusy transitions a RESERVED worktree to BUSY once the
// supervisor begins using it for command execution.
func (s *Store) MarkWorktreeBusy(worktreeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE worktrees SET status = ?, version = version + 1 WHERE id = ? AND status = ?`,
		WorktreeBusy, worktreeID, WorktreeReserved,
	)
	if err != nil {
		return fmt.Errorf("mark worktree busy: %w", err)
	}
	return nil
}

// ListIdleWorktreesOlderThan returns IDLE worktrees created before the
// cutoff, for stale reclaim. When a worktree was last leased is not
// considered.
func (s *Store) ListIdleWorktreesOlderThan(cutoff time.Time) ([]Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, repository_id, path, commit_sha, environment_hash, status, lease_owner, lease_token,
		        leased_at, lease_expires_at, version, created_at
		 FROM worktrees
		 WHERE status = ? AND created_at < ?`,
		WorktreeIdle, formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list idle worktrees: %w", err)
	}
	defer rows.Close()

	var out []Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

// ClearWorktreeCheckout nulls commit/environment metadata for a reclaimed
// worktree while keeping its row (and path) reusable.
func (s *Store) ClearWorktreeCheckout(worktreeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE worktrees SET commit_sha = '', environment_hash = '', version = version + 1 WHERE id = ?`,
		worktreeID,
	)
	if err != nil {
		return fmt.Errorf("clear worktree checkout: %w", err)
	}
	return nil
}

// DescribeWorktrees returns a sorted snapshot of every worktree row for a
// repository, for observability.
func (s *Store) DescribeWorktrees(repositoryID string) ([]Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, repository_id, path, commit_sha, environment_hash, status, lease_owner, lease_token,
		        leased_at, lease_expires_at, version, created_at
		 FROM worktrees WHERE repository_id = ? ORDER BY path ASC`,
		repositoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("describe worktrees: %w", err)
	}
	defer rows.Close()

	var out []Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

func (s *Store) getWorktreeByID(id string) (Worktree, error) {
	row := s.db.QueryRow(
		`SELECT id, repository_id, path, commit_sha, environment_hash, status, lease_owner, lease_token,
		        leased_at, lease_expires_at, version, created_at
		 FROM worktrees WHERE id = ?`, id)
	return scanWorktree(row)
}

func scanWorktree(row rowScanner) (Worktree, error) {
	var wt Worktree
	var leasedAt, leaseExpiresAt sql.NullString
	var createdAt string
	if err := row.Scan(
		&wt.ID, &wt.RepositoryID, &wt.Path, &wt.CommitSHA, &wt.EnvironmentHash, &wt.Status,
		&wt.LeaseOwner, &wt.LeaseToken, &leasedAt, &leaseExpiresAt, &wt.Version, &createdAt,
	); err != nil {
		return Worktree{}, err
	}
	var err error
	if wt.LeasedAt, err = parseTimePtr(leasedAt); err != nil {
		return Worktree{}, err
	}
	if wt.LeaseExpiresAt, err = parseTimePtr(leaseExpiresAt); err != nil {
		return Worktree{}, err
	}
	if wt.CreatedAt, err = parseTime(createdAt); err != nil {
		return Worktree{}, err
	}
	return wt, nil
}
