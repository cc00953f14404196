package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/types"
)

// DefaultLockTTL is the processing lease lifetime when the caller does not
// override it.
const DefaultLockTTL = 300 * time.Second

// AcquireLock attempts to take the single-slot processing lease for agentID.
// It succeeds when no lease exists or the existing lease has expired. A false
// return is not an error; it means another worker holds the train.
func (s *Store) AcquireLock(ctx context.Context, agentID string, ttl time.Duration) (bool, error) {
	if agentID == "" {
		return false, fmt.Errorf("agent id is empty: %w", storage.ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	var acquired bool
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		var err error
		acquired, err = acquireLockInTx(ctx, conn, agentID, ttl)
		return err
	})
	if err != nil {
		return false, storage.WrapOp("acquire lock", err)
	}
	return acquired, nil
}

// acquireLockInTx upserts the singleton lease row, overwriting only an
// expired holder. Re-acquisition by the current holder refreshes the lease.
func acquireLockInTx(ctx context.Context, conn *sql.Conn, agentID string, ttl time.Duration) (bool, error) {
	now := utcNow().Unix()
	res, err := conn.ExecContext(ctx, `
		INSERT INTO queue_processing_lock (id, agent_id, acquired_at, expires_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = excluded.agent_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE queue_processing_lock.expires_at < ?
		   OR queue_processing_lock.agent_id = excluded.agent_id
	`, agentID, now, now+int64(ttl.Seconds()), now)
	if err != nil {
		return false, fmt.Errorf("upsert lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseLock drops the lease iff agentID still holds it. Releasing a foreign
// or absent lease returns false without error.
func (s *Store) ReleaseLock(ctx context.Context, agentID string) (bool, error) {
	var released bool
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`DELETE FROM queue_processing_lock WHERE id = 1 AND agent_id = ?`, agentID)
		if err != nil {
			return fmt.Errorf("delete lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lock rows affected: %w", err)
		}
		released = n > 0
		return nil
	})
	if err != nil {
		return false, storage.WrapOp("release lock", err)
	}
	return released, nil
}

// ExtendLock pushes out the lease expiry for the current holder. Returns
// false when agentID no longer holds the lease.
func (s *Store) ExtendLock(ctx context.Context, agentID string, extra time.Duration) (bool, error) {
	if extra <= 0 {
		return false, fmt.Errorf("extension %v must be positive: %w", extra, storage.ErrInvalidInput)
	}
	var extended bool
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE queue_processing_lock
			SET expires_at = ?
			WHERE id = 1 AND agent_id = ? AND expires_at >= ?
		`, utcNow().Unix()+int64(extra.Seconds()), agentID, utcNow().Unix())
		if err != nil {
			return fmt.Errorf("extend lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lock rows affected: %w", err)
		}
		extended = n > 0
		return nil
	})
	if err != nil {
		return false, storage.WrapOp("extend lock", err)
	}
	return extended, nil
}

// GetLock returns the current lease, or ErrNotFound when none exists.
func (s *Store) GetLock(ctx context.Context) (*storage.LockState, error) {
	var (
		agentID              string
		acquiredAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, acquired_at, expires_at FROM queue_processing_lock WHERE id = 1`).
		Scan(&agentID, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.WrapOp("get lock", err)
	}
	return &storage.LockState{
		AgentID:    agentID,
		AcquiredAt: time.Unix(acquiredAt, 0).UTC(),
		ExpiresAt:  time.Unix(expiresAt, 0).UTC(),
	}, nil
}

// IsLockStale reports whether a lease exists and has expired.
func (s *Store) IsLockStale(ctx context.Context) (bool, error) {
	lock, err := s.GetLock(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return lock.ExpiresAt.Before(utcNow()), nil
}

// DetectAndRecoverStale is the self-healing sweep: in one transaction it
// deletes expired leases and reclaims claimed entries older than lockTTL.
// Every worker runs this before trying to claim.
func (s *Store) DetectAndRecoverStale(ctx context.Context, lockTTL time.Duration) (*storage.RecoveryStats, error) {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	stats := &storage.RecoveryStats{}
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`DELETE FROM queue_processing_lock WHERE expires_at < ?`, utcNow().Unix())
		if err != nil {
			return fmt.Errorf("sweep expired locks: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lock rows affected: %w", err)
		}
		stats.LocksCleaned = int(n)

		reclaimed, err := reclaimStaleInTx(ctx, conn, lockTTL)
		if err != nil {
			return err
		}
		stats.EntriesReclaimed = reclaimed
		stats.Timestamp = utcNow()

		if stats.LocksCleaned > 0 || stats.EntriesReclaimed > 0 {
			return appendEvent(ctx, conn, nil, types.EventLockRecovered, "", map[string]any{
				"locks_cleaned":     stats.LocksCleaned,
				"entries_reclaimed": stats.EntriesReclaimed,
			})
		}
		return nil
	})
	if err != nil {
		return nil, storage.WrapOp("detect and recover stale", err)
	}
	return stats, nil
}
