package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/types"
)

// newTestStore creates a Store on a temp-file database.
//
// File-based databases are used rather than ":memory:" because the shared
// in-memory database leaks across tests in the same process and the store's
// transaction discipline assumes real file locking.
func newTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()

	if dbPath == "" {
		dbPath = t.TempDir() + "/queue.db"
	}

	ctx := context.Background()
	store, err := New(ctx, dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})

	return store
}

// submitN queues n workspaces named ws-a, ws-b, ... with priority 0 and returns
// the entries in submission order.
func submitN(t *testing.T, store *Store, n int) []*types.QueueEntry {
	t.Helper()
	ctx := context.Background()
	entries := make([]*types.QueueEntry, 0, n)
	for i := 0; i < n; i++ {
		ws := "ws-" + string(rune('a'+i))
		entry, outcome, err := store.Submit(ctx, storage.SubmitRequest{
			Workspace: ws,
			HeadRef:   "head-" + ws,
			DedupeKey: ws + ":change-" + ws,
		})
		if err != nil {
			t.Fatalf("Submit(%s) failed: %v", ws, err)
		}
		if outcome != storage.OutcomeNew {
			t.Fatalf("Submit(%s) outcome = %s, want new", ws, outcome)
		}
		entries = append(entries, entry)
	}
	return entries
}

// assertPositionsContiguous checks the core queue invariant: pending
// positions are exactly {1..N} and sorted by (priority, added_at).
func assertPositionsContiguous(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	for i, e := range pending {
		if e.Position != i+1 {
			t.Errorf("pending[%d] = entry %d at position %d, want %d", i, e.ID, e.Position, i+1)
		}
		if i > 0 {
			prev := pending[i-1]
			if prev.Priority > e.Priority ||
				(prev.Priority == e.Priority && prev.AddedAt.After(e.AddedAt)) {
				t.Errorf("pending order violated at position %d: (%d, %v) before (%d, %v)",
					e.Position, prev.Priority, prev.AddedAt, e.Priority, e.AddedAt)
			}
		}
	}
}

// backdateStartedAt rewrites started_at for a claimed entry so staleness
// paths can be exercised without sleeping. Binds a Go time so the stored
// encoding matches what the driver writes everywhere else.
func backdateStartedAt(t *testing.T, store *Store, entryID int64, secondsAgo int) {
	t.Helper()
	ts := time.Now().UTC().Add(-time.Duration(secondsAgo) * time.Second)
	_, err := store.db.Exec(
		`UPDATE merge_queue SET started_at = ? WHERE entry_id = ?`, ts, entryID)
	if err != nil {
		t.Fatalf("backdate started_at: %v", err)
	}
}

// backdateLock rewrites the lock expiry into the past.
func backdateLock(t *testing.T, store *Store, secondsAgo int) {
	t.Helper()
	expires := time.Now().Unix() - int64(secondsAgo)
	_, err := store.db.Exec(
		`UPDATE queue_processing_lock SET acquired_at = ?, expires_at = ?`,
		expires-1, expires)
	if err != nil {
		t.Fatalf("backdate lock: %v", err)
	}
}
