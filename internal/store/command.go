package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/debugserver/server/internal/apierr"
)

// CreateCommandParams carries the fields needed to record a new PENDING
// command.
type CreateCommandParams struct {
	SessionID string
	Sequence  int64
	Command   string
	Cwd       string
	Env       map[string]string
}

// CreateCommand records a new PENDING command row at the given sequence.
func (s *Store) CreateCommand(p CreateCommandParams) (Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := formatTime(time.Now())
	_, err := s.db.Exec(
		`INSERT INTO commands (id, session_id, sequence, command, cwd, env_json, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.SessionID, p.Sequence, p.Command, p.Cwd, marshalStringMap(p.Env), CommandPending, now,
	)
	if err != nil {
		return Command{}, fmt.Errorf("create command: %w", err)
	}
	return s.getCommandByID(id)
}

// MarkCommandRunning transitions a command to RUNNING and stamps started_at.
func (s *Store) MarkCommandRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE commands SET status = ?, started_at = ? WHERE id = ?`,
		CommandRunning, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark command running: %w", err)
	}
	return nil
}

// RecordCommandResult finalizes a command with its terminal status, exit
// code, and log path.
func (s *Store) RecordCommandResult(id, status string, exitCode *int, logPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exitCodeArg any
	if exitCode != nil {
		exitCodeArg = *exitCode
	}

	_, err := s.db.Exec(
		`UPDATE commands SET status = ?, exit_code = ?, log_path = ?, finished_at = ? WHERE id = ?`,
		status, exitCodeArg, logPath, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("record command result: %w", err)
	}
	return nil
}

// GetCommand looks up a command by id.
func (s *Store) GetCommand(id string) (Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getCommandByID(id)
}

// ListCommands returns every command for a session ordered by sequence.
func (s *Store) ListCommands(sessionID string) ([]Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(commandSelect+" WHERE session_id = ? ORDER BY sequence ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

const commandSelect = `SELECT id, session_id, sequence, command, cwd, env_json, status, exit_code, log_path,
	       created_at, started_at, finished_at FROM commands`

func (s *Store) getCommandByID(id string) (Command, error) {
	row := s.db.QueryRow(commandSelect+" WHERE id = ?", id)
	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return Command{}, fmt.Errorf("command %q: %w", id, apierr.ErrNotFound)
	}
	return cmd, err
}

func scanCommand(row rowScanner) (Command, error) {
	var cmd Command
	var envJSON, createdAt string
	var startedAt, finishedAt sql.NullString
	var exitCode sql.NullInt64
	if err := row.Scan(
		&cmd.ID, &cmd.SessionID, &cmd.Sequence, &cmd.Command, &cmd.Cwd, &envJSON, &cmd.Status,
		&exitCode, &cmd.LogPath, &createdAt, &startedAt, &finishedAt,
	); err != nil {
		return Command{}, err
	}
	cmd.Env = unmarshalStringMap(envJSON)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		cmd.ExitCode = &v
	}
	var err error
	if cmd.CreatedAt, err = parseTime(createdAt); err != nil {
		return Command{}, err
	}
	if cmd.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return Command{}, err
	}
	if cmd.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
