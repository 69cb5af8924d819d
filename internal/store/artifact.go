package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/debugserver/server/internal/apierr"
)

// RecordArtifactParams carries the fields needed to record a produced
// artifact.
type RecordArtifactParams struct {
	SessionID      string
	CommandID      string
	Kind           string
	Path           string
	ContentType    string
	SizeBytes      int64
	ChecksumSHA256 string
	Metadata       map[string]string
}

// RecordArtifact persists an artifact row. Artifacts are only recorded
// after the producing command reaches a terminal state (§4.1).
func (s *Store) RecordArtifact(p RecordArtifactParams) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := formatTime(time.Now())
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, session_id, command_id, kind, path, content_type, size_bytes,
		                         checksum_sha256, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.SessionID, p.CommandID, p.Kind, p.Path, p.ContentType, p.SizeBytes,
		p.ChecksumSHA256, marshalStringMap(p.Metadata), now,
	)
	if err != nil {
		return Artifact{}, fmt.Errorf("record artifact: %w", err)
	}
	return s.getArtifactByID(id)
}

// ListArtifacts returns every artifact recorded for a session.
func (s *Store) ListArtifacts(sessionID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(artifactSelect+" WHERE session_id = ? ORDER BY created_at ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetArtifact looks up an artifact within a session by id.
func (s *Store) GetArtifact(sessionID, artifactID string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(artifactSelect+" WHERE session_id = ? AND id = ?", sessionID, artifactID)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return Artifact{}, fmt.Errorf("artifact %q: %w", artifactID, apierr.ErrNotFound)
	}
	return a, err
}

const artifactSelect = `SELECT id, session_id, command_id, kind, path, content_type, size_bytes,
	       checksum_sha256, metadata_json, created_at FROM artifacts`

func (s *Store) getArtifactByID(id string) (Artifact, error) {
	row := s.db.QueryRow(artifactSelect+" WHERE id = ?", id)
	return scanArtifact(row)
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var a Artifact
	var metadataJSON, createdAt string
	if err := row.Scan(
		&a.ID, &a.SessionID, &a.CommandID, &a.Kind, &a.Path, &a.ContentType, &a.SizeBytes,
		&a.ChecksumSHA256, &metadataJSON, &createdAt,
	); err != nil {
		return Artifact{}, err
	}
	a.Metadata = unmarshalStringMap(metadataJSON)
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Artifact{}, err
	}
	return a, nil
}
