package httpapi

import (
	"context"

	"github.com/debugserver/server/internal/worktree"
)

// acquireSessionLease returns the worktree lease already held by a
// session, acquiring one from the pool on first use. The lease is kept
// for the life of the session so that every command in it runs against
// the same checkout (§4.4, §5's "worktree rows guarded by the lease
// state machine" ordering guarantee).
func (s *Server) acquireSessionLease(ctx context.Context, sessionID, repositoryName, commitSHA string) (*worktree.Lease, error) {
	s.leasesMu.Lock()
	if lease, ok := s.leases[sessionID]; ok {
		s.leasesMu.Unlock()
		return lease, nil
	}
	s.leasesMu.Unlock()

	repo, err := s.store.GetRepository(repositoryName)
	if err != nil {
		return nil, err
	}

	lease, err := s.pool.Acquire(ctx, repo, commitSHA, sessionID, "")
	if err != nil {
		return nil, err
	}

	s.leasesMu.Lock()
	if existing, ok := s.leases[sessionID]; ok {
		s.leasesMu.Unlock()
		_ = s.pool.Release(ctx, lease, false)
		return existing, nil
	}
	s.leases[sessionID] = lease
	s.leasesMu.Unlock()

	if err := s.store.AssignSessionWorktree(sessionID, lease.Worktree.ID); err != nil {
		return nil, err
	}
	return lease, nil
}

// releaseSessionLease returns a session's lease to the pool, if any, and
// forgets it.
func (s *Server) releaseSessionLease(ctx context.Context, sessionID string) {
	s.leasesMu.Lock()
	lease, ok := s.leases[sessionID]
	if ok {
		delete(s.leases, sessionID)
	}
	s.leasesMu.Unlock()
	if !ok {
		return
	}
	if err := s.pool.Release(ctx, lease, true); err != nil {
		s.log.Warn("release session lease failed", "session_id", sessionID, "error", err)
	}
}
