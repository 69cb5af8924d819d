package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetDebuggerState returns the debugger state row for a session, or a zero
// value with Version 0 if none has been recorded yet.
func (s *Store) GetDebuggerState(sessionID string) (DebuggerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(debuggerStateSelect+" WHERE session_id = ?", sessionID)
	ds, err := scanDebuggerState(row)
	if err == sql.ErrNoRows {
		return DebuggerState{SessionID: sessionID}, nil
	}
	return ds, err
}

// UpdateDebuggerState upserts the debugger state for a session, bumping its
// version.
func (s *Store) UpdateDebuggerState(sessionID, lastEvent string, payload map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	_, err := s.db.Exec(
		`INSERT INTO debugger_states (session_id, last_event, breakpoints_json, payload_json, version, updated_at)
		 VALUES (?, ?, '[]', ?, 1, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   last_event = excluded.last_event,
		   payload_json = excluded.payload_json,
		   version = debugger_states.version + 1,
		   updated_at = excluded.updated_at`,
		sessionID, lastEvent, marshalStringMap(payload), now,
	)
	if err != nil {
		return fmt.Errorf("update debugger state: %w", err)
	}
	return nil
}

const debuggerStateSelect = `SELECT session_id, last_event, breakpoints_json, payload_json, version, updated_at FROM debugger_states`

func scanDebuggerState(row rowScanner) (DebuggerState, error) {
	var ds DebuggerState
	var breakpointsJSON, payloadJSON, updatedAt string
	if err := row.Scan(&ds.SessionID, &ds.LastEvent, &breakpointsJSON, &payloadJSON, &ds.Version, &updatedAt); err != nil {
		return DebuggerState{}, err
	}
	ds.Breakpoints = unmarshalStringSlice(breakpointsJSON)
	m := unmarshalStringMap(payloadJSON)
	ds.Payload = m
	var err error
	if ds.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return DebuggerState{}, err
	}
	return ds, nil
}
