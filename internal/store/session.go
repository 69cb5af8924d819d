package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/debugserver/server/internal/apierr"
)

// CreateSessionParams carries the fields needed to record a new session.
type CreateSessionParams struct {
	RepositoryID string
	TokenID      string
	RequestedBy  string
	CommitSHA    string
	PatchHash    string
	ExpiresAt    *time.Time
	Metadata     map[string]string
}

// CreateSession records a new PENDING session.
func (s *Store) CreateSession(p CreateSessionParams) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := formatTime(time.Now())
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, repository_id, worktree_id, token_id, requested_by, commit_sha, patch_hash,
		                        status, expires_at, metadata_json, created_at, updated_at)
		 VALUES (?, ?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.RepositoryID, p.TokenID, p.RequestedBy, p.CommitSHA, p.PatchHash,
		SessionPending, formatTimePtr(p.ExpiresAt), marshalStringMap(p.Metadata), now, now,
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return s.getSessionByID(id)
}

// GetSession looks up a session by id.
func (s *Store) GetSession(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSessionByID(id)
}

// ListSessions returns sessions for a repository (or all repositories when
// repositoryID is empty), newest first.
func (s *Store) ListSessions(repositoryID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if repositoryID == "" {
		rows, err = s.db.Query(sessionSelect + " ORDER BY created_at DESC")
	} else {
		rows, err = s.db.Query(sessionSelect+" WHERE repository_id = ? ORDER BY created_at DESC", repositoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AssignSessionWorktree records which worktree a session's supervisor run
// acquired.
func (s *Store) AssignSessionWorktree(sessionID, worktreeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET worktree_id = ?, updated_at = ? WHERE id = ?`,
		worktreeID, formatTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("assign session worktree: %w", err)
	}
	return nil
}

// UpdateSessionStatus transitions a session's status, stamping
// completed_at on any terminal transition.
func (s *Store) UpdateSessionStatus(sessionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var completedAt any
	if status == SessionCompleted || status == SessionFailed || status == SessionCancelled {
		completedAt = formatTime(now)
	}

	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
		status, formatTime(now), completedAt, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", sessionID, apierr.ErrNotFound)
	}
	return nil
}

// CancelSession cancels a session from PENDING or RUNNING; it is a no-op
// error for sessions already in a terminal state.
func (s *Store) CancelSession(sessionID string) error {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status != SessionPending && sess.Status != SessionRunning {
		return fmt.Errorf("session %q is already %s: %w", sessionID, sess.Status, apierr.ErrMetadataConflict)
	}
	return s.UpdateSessionStatus(sessionID, SessionCancelled)
}

// NextCommandSequence atomically allocates and returns the next command
// sequence number for a session.
func (s *Store) NextCommandSequence(sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next int64
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(sequence), -1) + 1 FROM commands WHERE session_id = ?`, sessionID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next command sequence: %w", err)
	}
	return next, nil
}

const sessionSelect = `SELECT id, repository_id, worktree_id, token_id, requested_by, commit_sha, patch_hash,
	       status, expires_at, metadata_json, created_at, updated_at, completed_at FROM sessions`

func (s *Store) getSessionByID(id string) (Session, error) {
	row := s.db.QueryRow(sessionSelect+" WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, fmt.Errorf("session %q: %w", id, apierr.ErrNotFound)
	}
	return sess, err
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var expiresAt, completedAt sql.NullString
	var metadataJSON, createdAt, updatedAt string
	if err := row.Scan(
		&sess.ID, &sess.RepositoryID, &sess.WorktreeID, &sess.TokenID, &sess.RequestedBy,
		&sess.CommitSHA, &sess.PatchHash, &sess.Status, &expiresAt, &metadataJSON,
		&createdAt, &updatedAt, &completedAt,
	); err != nil {
		return Session{}, err
	}
	sess.Metadata = unmarshalStringMap(metadataJSON)
	var err error
	if sess.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return Session{}, err
	}
	if sess.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Session{}, err
	}
	return sess, nil
}
