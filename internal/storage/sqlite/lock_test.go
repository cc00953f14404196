package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/types"
)

func TestAcquireLockBasic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	ok, err := store.AcquireLock(ctx, "agent-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	lock, err := store.GetLock(ctx)
	if err != nil {
		t.Fatalf("GetLock failed: %v", err)
	}
	if lock.AgentID != "agent-1" {
		t.Errorf("holder = %s, want agent-1", lock.AgentID)
	}
	if lock.ExpiresAt.Before(lock.AcquiredAt) {
		t.Errorf("expires %v before acquired %v", lock.ExpiresAt, lock.AcquiredAt)
	}

	// A second worker cannot take a live lease.
	ok, err = store.AcquireLock(ctx, "agent-2", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if ok {
		t.Error("agent-2 stole a live lease")
	}

	// The holder can re-acquire (refresh).
	ok, err = store.AcquireLock(ctx, "agent-1", time.Minute)
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	if !ok {
		t.Error("holder re-acquire should succeed")
	}
}

func TestAcquireLockExpiredTakeover(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	if ok, _ := store.AcquireLock(ctx, "agent-1", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	backdateLock(t, store, 10)

	stale, err := store.IsLockStale(ctx)
	if err != nil {
		t.Fatalf("IsLockStale failed: %v", err)
	}
	if !stale {
		t.Error("lock should be stale")
	}

	ok, err := store.AcquireLock(ctx, "agent-2", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Error("expired lease should be taken over")
	}

	lock, err := store.GetLock(ctx)
	if err != nil {
		t.Fatalf("GetLock failed: %v", err)
	}
	if lock.AgentID != "agent-2" {
		t.Errorf("holder = %s, want agent-2", lock.AgentID)
	}
}

func TestReleaseLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	// Releasing an absent lock is a quiet no-op.
	ok, err := store.ReleaseLock(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if ok {
		t.Error("released a lock that does not exist")
	}

	if ok, _ := store.AcquireLock(ctx, "agent-1", time.Minute); !ok {
		t.Fatal("acquire failed")
	}

	// A foreign release does nothing.
	ok, err = store.ReleaseLock(ctx, "agent-2")
	if err != nil {
		t.Fatalf("foreign ReleaseLock failed: %v", err)
	}
	if ok {
		t.Error("foreign agent released the lock")
	}
	if _, err := store.GetLock(ctx); err != nil {
		t.Errorf("lock disappeared after foreign release: %v", err)
	}

	// The holder's release removes the row.
	ok, err = store.ReleaseLock(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if !ok {
		t.Error("holder release should succeed")
	}
	if _, err := store.GetLock(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetLock after release = %v, want ErrNotFound", err)
	}
}

func TestExtendLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	if ok, _ := store.AcquireLock(ctx, "agent-1", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	before, err := store.GetLock(ctx)
	if err != nil {
		t.Fatalf("GetLock failed: %v", err)
	}

	ok, err := store.ExtendLock(ctx, "agent-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("ExtendLock failed: %v", err)
	}
	if !ok {
		t.Error("holder extend should succeed")
	}
	after, err := store.GetLock(ctx)
	if err != nil {
		t.Fatalf("GetLock failed: %v", err)
	}
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Errorf("expiry did not move: %v -> %v", before.ExpiresAt, after.ExpiresAt)
	}

	// A non-holder cannot extend.
	ok, err = store.ExtendLock(ctx, "agent-2", time.Minute)
	if err != nil {
		t.Fatalf("foreign ExtendLock failed: %v", err)
	}
	if ok {
		t.Error("foreign agent extended the lock")
	}
}

func TestDetectAndRecoverStale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	submitN(t, store, 2)

	// Worker 1 claims the head then "crashes": lease expires, entry goes stale.
	claimed, err := store.ClaimNext(ctx, "w1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = (%v, %v)", claimed, err)
	}
	backdateLock(t, store, 10)
	backdateStartedAt(t, store, claimed.ID, 3600)

	stats, err := store.DetectAndRecoverStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("DetectAndRecoverStale failed: %v", err)
	}
	if stats.LocksCleaned != 1 {
		t.Errorf("locks_cleaned = %d, want 1", stats.LocksCleaned)
	}
	if stats.EntriesReclaimed != 1 {
		t.Errorf("entries_reclaimed = %d, want 1", stats.EntriesReclaimed)
	}
	if stats.Timestamp.IsZero() {
		t.Error("stats timestamp is zero")
	}

	// The reclaimed entry is back at the head.
	entry, err := store.GetEntry(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if entry.Status != types.StatusPending {
		t.Errorf("status = %s, want pending", entry.Status)
	}
	assertPositionsContiguous(t, store)

	// Second sweep with no intervening writes recovers nothing.
	stats, err = store.DetectAndRecoverStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if stats.LocksCleaned != 0 || stats.EntriesReclaimed != 0 {
		t.Errorf("second sweep = %+v, want zero recoveries", stats)
	}
}

func TestWorkerCrashSelfHeal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	submitN(t, store, 1)

	// W1 claims and dies.
	claimed, err := store.ClaimNext(ctx, "w1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = (%v, %v)", claimed, err)
	}
	backdateLock(t, store, 10)
	backdateStartedAt(t, store, claimed.ID, 3600)

	// W2's claim path self-heals and claims the same entry.
	reclaimed, err := store.ClaimNext(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("w2 ClaimNext failed: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != claimed.ID {
		t.Fatalf("w2 claimed %+v, want entry %d", reclaimed, claimed.ID)
	}
	if reclaimed.AgentID != "w2" {
		t.Errorf("agent = %s, want w2", reclaimed.AgentID)
	}

	lock, err := store.GetLock(ctx)
	if err != nil {
		t.Fatalf("GetLock failed: %v", err)
	}
	if lock.AgentID != "w2" {
		t.Errorf("lock holder = %s, want w2", lock.AgentID)
	}
}

func TestClaimNextLockHeld(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	submitN(t, store, 1)

	if ok, _ := store.AcquireLock(ctx, "other", time.Hour); !ok {
		t.Fatal("acquire failed")
	}

	_, err := store.ClaimNext(ctx, "me", time.Minute)
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("ClaimNext error = %v, want ErrLockHeld", err)
	}
}

func TestClaimNextEmptyQueue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	entry, err := store.ClaimNext(ctx, "agent-1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if entry != nil {
		t.Errorf("claimed %+v from an empty queue", entry)
	}
}
