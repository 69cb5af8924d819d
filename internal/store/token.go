package store

import (
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/debugserver/server/internal/apierr"
)

// CreateToken mints a new bearer token. The raw secret is returned once and
// never stored; only its SHA-256 hash is persisted.
func (s *Store) CreateToken(name string, scopes []string, expiresAt *time.Time) (AuthToken, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := randomToken()
	if err != nil {
		return AuthToken{}, "", fmt.Errorf("generate token secret: %w", err)
	}
	hash := hashToken(raw)

	id := uuid.NewString()
	now := formatTime(time.Now())
	_, err = s.db.Exec(
		`INSERT INTO auth_tokens (id, name, token_hash, scopes_json, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, hash, marshalStringSlice(scopes), formatTimePtr(expiresAt), now,
	)
	if err != nil {
		return AuthToken{}, "", fmt.Errorf("create token: %w", err)
	}

	tok, err := s.getTokenByID(id)
	if err != nil {
		return AuthToken{}, "", err
	}
	return tok, raw, nil
}

// Authenticate validates a raw bearer secret via constant-time comparison
// against stored hashes, returning the token if valid, not expired, and not
// revoked, or (AuthToken{}, false, nil) otherwise. On success it bumps
// last_used_at.
func (s *Store) Authenticate(raw string) (AuthToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := hashToken(raw)

	row := s.db.QueryRow(tokenSelect+" WHERE token_hash = ?", hash)
	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return AuthToken{}, false, nil
	}
	if err != nil {
		return AuthToken{}, false, fmt.Errorf("authenticate: %w", err)
	}

	// Constant-time re-check of the hash even though the row was already
	// found by exact match, guarding against timing signals from the
	// lookup step leaking into the hash compare itself.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(tok.TokenHash)) != 1 {
		return AuthToken{}, false, nil
	}

	if !tok.Valid(time.Now()) {
		return AuthToken{}, false, nil
	}

	now := formatTime(time.Now())
	if _, err := s.db.Exec(`UPDATE auth_tokens SET last_used_at = ? WHERE id = ?`, now, tok.ID); err != nil {
		return AuthToken{}, false, fmt.Errorf("bump last_used_at: %w", err)
	}
	lastUsed, _ := parseTime(now)
	tok.LastUsedAt = &lastUsed

	return tok, true, nil
}

// RevokeToken marks a token revoked.
func (s *Store) RevokeToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE auth_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke token rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("token %q: %w", id, apierr.ErrNotFound)
	}
	return nil
}

// ListTokens returns every token (without raw secrets, which are never
// stored).
func (s *Store) ListTokens() ([]AuthToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(tokenSelect + " ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []AuthToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

const tokenSelect = `SELECT id, name, token_hash, scopes_json, expires_at, last_used_at, revoked_at, created_at FROM auth_tokens`

func (s *Store) getTokenByID(id string) (AuthToken, error) {
	row := s.db.QueryRow(tokenSelect+" WHERE id = ?", id)
	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return AuthToken{}, fmt.Errorf("token %q: %w", id, apierr.ErrNotFound)
	}
	return tok, err
}

func scanToken(row rowScanner) (AuthToken, error) {
	var tok AuthToken
	var scopesJSON, createdAt string
	var expiresAt, lastUsedAt, revokedAt sql.NullString
	if err := row.Scan(
		&tok.ID, &tok.Name, &tok.TokenHash, &scopesJSON, &expiresAt, &lastUsedAt, &revokedAt, &createdAt,
	); err != nil {
		return AuthToken{}, err
	}
	tok.Scopes = unmarshalStringSlice(scopesJSON)
	var err error
	if tok.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return AuthToken{}, err
	}
	if tok.LastUsedAt, err = parseTimePtr(lastUsedAt); err != nil {
		return AuthToken{}, err
	}
	if tok.RevokedAt, err = parseTimePtr(revokedAt); err != nil {
		return AuthToken{}, err
	}
	if tok.CreatedAt, err = parseTime(createdAt); err != nil {
		return AuthToken{}, err
	}
	return tok, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
