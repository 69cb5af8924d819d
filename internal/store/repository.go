package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertRepository creates the repository or updates it in place, keyed by
// name (idempotent per §4.1).
func (s *Store) UpsertRepository(name, remoteURL, defaultBranch, description string, settings map[string]string) (Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())

	var id string
	err := s.db.QueryRow("SELECT id FROM repositories WHERE name = ?", name).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		_, err = s.db.Exec(
			`INSERT INTO repositories (id, name, remote_url, default_branch, description, settings_json, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, name, remoteURL, defaultBranch, description, marshalStringMap(settings), now, now,
		)
		if err != nil {
			return Repository{}, fmt.Errorf("insert repository: %w", err)
		}
	case err != nil:
		return Repository{}, fmt.Errorf("lookup repository: %w", err)
	default:
		_, err = s.db.Exec(
			`UPDATE repositories SET remote_url = ?, default_branch = ?, description = ?, settings_json = ?, updated_at = ? WHERE id = ?`,
			remoteURL, defaultBranch, description, marshalStringMap(settings), now, id,
		)
		if err != nil {
			return Repository{}, fmt.Errorf("update repository: %w", err)
		}
	}

	return s.getRepositoryByID(id)
}

func (s *Store) getRepositoryByID(id string) (Repository, error) {
	row := s.db.QueryRow(
		`SELECT id, name, remote_url, default_branch, description, settings_json, created_at, updated_at
		 FROM repositories WHERE id = ?`, id)
	return scanRepository(row)
}

// GetRepository looks up a repository by name.
func (s *Store) GetRepository(name string) (Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, name, remote_url, default_branch, description, settings_json, created_at, updated_at
		 FROM repositories WHERE name = ?`, name)
	repo, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return Repository{}, fmt.Errorf("repository %q: %w", name, errNotFoundEntity)
	}
	return repo, err
}

// GetRepositoryByID looks up a repository by id.
func (s *Store) GetRepositoryByID(id string) (Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, err := s.getRepositoryByID(id)
	if err == sql.ErrNoRows {
		return Repository{}, fmt.Errorf("repository %q: %w", id, errNotFoundEntity)
	}
	return repo, err
}

// ListRepositories returns all repositories ordered by name.
func (s *Store) ListRepositories() ([]Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, name, remote_url, default_branch, description, settings_json, created_at, updated_at
		 FROM repositories ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []Repository
	for rows.Next() {
		repo, err := scanRepositoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (Repository, error) {
	var r Repository
	var settingsJSON, createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Name, &r.RemoteURL, &r.DefaultBranch, &r.Description, &settingsJSON, &createdAt, &updatedAt); err != nil {
		return Repository{}, err
	}
	r.Settings = unmarshalStringMap(settingsJSON)
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Repository{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Repository{}, err
	}
	return r, nil
}

func scanRepositoryRows(rows *sql.Rows) (Repository, error) {
	return scanRepository(rows)
}
