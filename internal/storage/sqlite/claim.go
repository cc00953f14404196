package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/mergetrain/internal/debug"
	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/types"
)

// ErrLockHeld signals that another worker holds the processing lease. It is a
// back-off signal for the caller, not a failure.
var ErrLockHeld = errors.New("processing lock held by another agent")

// ClaimNext is the canonical claim path. It first runs the self-healing sweep
// (best effort), then in one transaction acquires the processing lease and
// moves the head-of-queue entry to claimed. Contention retries up to 5 times
// with exponential backoff.
//
// Returns (nil, nil) when the queue is empty; the lease is still held so the
// caller can release it (or keep it for a later claim).
func (s *Store) ClaimNext(ctx context.Context, agentID string, lockTTL time.Duration) (*types.QueueEntry, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is empty: %w", storage.ErrInvalidInput)
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	// Self-healing happens before every claim; failure here must not block
	// the train, so it is logged and swallowed.
	if stats, err := s.DetectAndRecoverStale(ctx, lockTTL); err != nil {
		debug.Logf("claim: stale recovery failed: %v\n", err)
	} else if stats.LocksCleaned > 0 || stats.EntriesReclaimed > 0 {
		debug.Logf("claim: recovered %d locks, %d entries\n", stats.LocksCleaned, stats.EntriesReclaimed)
	}

	var (
		claimedID int64
		empty     bool
	)
	err := s.withTxRetry(ctx, func(conn *sql.Conn) error {
		claimedID = 0
		empty = false

		acquired, err := acquireLockInTx(ctx, conn, agentID, lockTTL)
		if err != nil {
			return err
		}
		if !acquired {
			return ErrLockHeld
		}

		row := conn.QueryRowContext(ctx, `
			SELECT entry_id FROM merge_queue
			WHERE status = 'pending'
			ORDER BY position ASC
			LIMIT 1
		`)
		var headID int64
		if err := row.Scan(&headID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				empty = true
				return nil
			}
			return fmt.Errorf("find queue head: %w", err)
		}

		if err := transitionInTx(ctx, conn, headID, types.StatusClaimed, TransitionOpts{
			AgentID:   agentID,
			EventType: types.EventClaimed,
		}); err != nil {
			return err
		}
		claimedID = headID
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, ErrLockHeld
		}
		return nil, storage.WrapOp("claim next", err)
	}
	if empty {
		return nil, nil
	}
	return s.GetEntry(ctx, claimedID)
}
