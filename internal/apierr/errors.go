// Package apierr defines the error taxonomy shared across the debug
// execution server so that the HTTP boundary can map any component's
// failure to the right status code without each package inventing its own
// sentinel values.
package apierr

import "errors"

// Kind classifies an error for status-code mapping at the request surface.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuthFailure
	KindScopeDenied
	KindLeaseConflict
	KindCapacityExhausted
	KindMetadataConflict
	KindPatchApplication
	KindCommandExecution
	KindSubprocessTimeout
)

// Error is a classified error carrying a Kind plus a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a classified error that wraps an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// As extracts the Kind of err, defaulting to KindInternal when err is not a
// classified *Error.
func As(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinels for common conditions components may check with errors.Is.
var (
	ErrNotFound            = New(KindNotFound, "not found")
	ErrNoAvailableWorktree = New(KindLeaseConflict, "no available worktree")
	ErrCapacityExhausted   = New(KindCapacityExhausted, "worktree capacity exhausted")
	ErrLeaseMismatch       = New(KindLeaseConflict, "lease token mismatch")
	ErrMetadataConflict    = New(KindMetadataConflict, "metadata version conflict")
	ErrAuthFailure         = New(KindAuthFailure, "authentication failed")
	ErrScopeDenied         = New(KindScopeDenied, "insufficient scope")
	ErrInvalidLaunchRequest = New(KindValidation, "invalid launch request")
)
