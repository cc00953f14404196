package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/types"
)

func TestSubmitNew(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	entry, outcome, err := store.Submit(ctx, storage.SubmitRequest{
		Workspace: "feature-auth",
		HeadRef:   "abc123",
		DedupeKey: "feature-auth:zkx",
		Priority:  0,
		AgentID:   "agent-1",
		BeadID:    "mt-42",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if outcome != storage.OutcomeNew {
		t.Errorf("outcome = %s, want new", outcome)
	}
	if entry.Status != types.StatusPending {
		t.Errorf("status = %s, want pending", entry.Status)
	}
	if entry.Position != 1 {
		t.Errorf("position = %d, want 1", entry.Position)
	}
	if entry.ChangeRef != "zkx" {
		t.Errorf("change_ref = %q, want zkx", entry.ChangeRef)
	}
	if entry.BeadID != "mt-42" {
		t.Errorf("bead_id = %q, want mt-42", entry.BeadID)
	}
	if entry.MaxAttempts != types.DefaultMaxAttempts {
		t.Errorf("max_attempts = %d, want %d", entry.MaxAttempts, types.DefaultMaxAttempts)
	}

	events, err := store.GetEvents(ctx, entry.ID, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != types.EventCreated {
		t.Errorf("expected one created event, got %+v", events)
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	tests := []struct {
		name string
		req  storage.SubmitRequest
	}{
		{"empty workspace", storage.SubmitRequest{HeadRef: "h", DedupeKey: "a:b"}},
		{"bad workspace", storage.SubmitRequest{Workspace: "-bad", HeadRef: "h", DedupeKey: "a:b"}},
		{"empty head ref", storage.SubmitRequest{Workspace: "ws", DedupeKey: "a:b"}},
		{"bad dedupe key", storage.SubmitRequest{Workspace: "ws", HeadRef: "h", DedupeKey: "nocolon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := store.Submit(ctx, tt.req)
			if !errors.Is(err, storage.ErrInvalidInput) {
				t.Errorf("Submit error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestSubmitUpdatesActiveEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	req := storage.SubmitRequest{
		Workspace: "ws-a",
		HeadRef:   "head-1",
		DedupeKey: "ws-a:zkx",
	}
	first, _, err := store.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}

	// Second submission of the same change with a new head updates in place.
	req.HeadRef = "head-2"
	second, outcome, err := store.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}
	if outcome != storage.OutcomeUpdated {
		t.Errorf("outcome = %s, want updated", outcome)
	}
	if second.ID != first.ID {
		t.Errorf("entry id changed on update: %d -> %d", first.ID, second.ID)
	}
	if second.HeadRef != "head-2" {
		t.Errorf("head_ref = %q, want head-2", second.HeadRef)
	}
	if second.Position != first.Position {
		t.Errorf("position changed on update: %d -> %d", first.Position, second.Position)
	}

	// Exactly one active entry holds the key.
	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending count = %d, want 1", len(pending))
	}
}

func TestSubmitDedupeConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	if _, _, err := store.Submit(ctx, storage.SubmitRequest{
		Workspace: "ws-a", HeadRef: "h1", DedupeKey: "ws-a:zkx",
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The same key from another workspace while the first is active.
	_, _, err := store.Submit(ctx, storage.SubmitRequest{
		Workspace: "ws-b", HeadRef: "h2", DedupeKey: "ws-a:zkx",
	})
	if !errors.Is(err, storage.ErrDedupeConflict) {
		t.Errorf("Submit error = %v, want ErrDedupeConflict", err)
	}
}

func TestSubmitResubmitAfterTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	entry, _, err := store.Submit(ctx, storage.SubmitRequest{
		Workspace: "ws-a", HeadRef: "h1", DedupeKey: "ws-a:zkx",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Drive the entry to merged.
	claimed, err := store.ClaimNext(ctx, "agent-1", time.Minute)
	if err != nil || claimed == nil || claimed.ID != entry.ID {
		t.Fatalf("ClaimNext = (%v, %v), want entry %d", claimed, err, entry.ID)
	}
	for _, st := range []types.Status{types.StatusRebasing, types.StatusTesting,
		types.StatusReadyToMerge, types.StatusMerging, types.StatusMerged} {
		if _, err := store.Transition(ctx, entry.ID, st, TransitionOpts{}); err != nil {
			t.Fatalf("Transition to %s failed: %v", st, err)
		}
	}

	merged, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if merged.CompletedAt == nil {
		t.Error("merged entry has no completed_at")
	}

	// Resubmission resets the same record.
	reborn, outcome, err := store.Submit(ctx, storage.SubmitRequest{
		Workspace: "ws-a", HeadRef: "h2", DedupeKey: "ws-a:zkx",
	})
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if outcome != storage.OutcomeResubmitted {
		t.Errorf("outcome = %s, want resubmitted", outcome)
	}
	if reborn.ID != entry.ID {
		t.Errorf("entry id changed on resubmit: %d -> %d", entry.ID, reborn.ID)
	}
	if reborn.Status != types.StatusPending || reborn.Position != 1 {
		t.Errorf("reborn = (%s, %d), want (pending, 1)", reborn.Status, reborn.Position)
	}
	if reborn.StartedAt != nil || reborn.CompletedAt != nil || reborn.ErrorMessage != "" {
		t.Errorf("reborn entry kept stale fields: %+v", reborn)
	}
	if reborn.HeadRef != "h2" {
		t.Errorf("head_ref = %q, want h2", reborn.HeadRef)
	}
	if reborn.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", reborn.AttemptCount)
	}
}

func TestSubmitReleasesKeyFromForeignTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	entry, _, err := store.Submit(ctx, storage.SubmitRequest{
		Workspace: "ws-a", HeadRef: "h1", DedupeKey: "ws-a:zkx",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := store.KickEntry(ctx, entry.ID, "op", "abandoned"); err != nil {
		t.Fatalf("KickEntry failed: %v", err)
	}

	// A different workspace can now claim the key; the terminal entry stays.
	fresh, outcome, err := store.Submit(ctx, storage.SubmitRequest{
		Workspace: "ws-b", HeadRef: "h2", DedupeKey: "ws-a:zkx",
	})
	if err != nil {
		t.Fatalf("Submit for ws-b failed: %v", err)
	}
	if outcome != storage.OutcomeNew {
		t.Errorf("outcome = %s, want new", outcome)
	}
	if fresh.ID == entry.ID {
		t.Error("expected a fresh entry, got the old record")
	}

	old, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if old.Status != types.StatusCancelled {
		t.Errorf("old entry status = %s, want cancelled", old.Status)
	}
	if old.DedupeKey == fresh.DedupeKey {
		t.Error("old entry still holds the dedupe key")
	}
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	// X(5), Y(3), Z(7) then W(1): expect W, Y, X, Z.
	for _, sub := range []struct {
		ws       string
		priority int
	}{{"x", 5}, {"y", 3}, {"z", 7}} {
		if _, _, err := store.Submit(ctx, storage.SubmitRequest{
			Workspace: sub.ws, HeadRef: "h-" + sub.ws,
			DedupeKey: sub.ws + ":c", Priority: sub.priority,
		}); err != nil {
			t.Fatalf("Submit(%s) failed: %v", sub.ws, err)
		}
	}

	if _, _, err := store.Submit(ctx, storage.SubmitRequest{
		Workspace: "w", HeadRef: "h-w", DedupeKey: "w:c", Priority: 1,
	}); err != nil {
		t.Fatalf("Submit(w) failed: %v", err)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	want := []string{"w", "y", "x", "z"}
	if len(pending) != len(want) {
		t.Fatalf("pending count = %d, want %d", len(pending), len(want))
	}
	for i, ws := range want {
		if pending[i].Workspace != ws {
			t.Errorf("position %d = %s, want %s", i+1, pending[i].Workspace, ws)
		}
	}
	assertPositionsContiguous(t, store)
}

func TestQueueCapacity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	store.SetQueueCapacity(2)

	submitN(t, store, 2)

	_, _, err := store.Submit(ctx, storage.SubmitRequest{
		Workspace: "overflow", HeadRef: "h", DedupeKey: "overflow:c",
	})
	if !errors.Is(err, storage.ErrQueueFull) {
		t.Errorf("Submit error = %v, want ErrQueueFull", err)
	}
}

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	entries := submitN(t, store, 1)
	id := entries[0].ID

	// Illegal edge from pending.
	if _, err := store.Transition(ctx, id, types.StatusMerging, TransitionOpts{}); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("pending->merging error = %v, want ErrInvalidTransition", err)
	}

	// Claim requires an agent.
	if _, err := store.Transition(ctx, id, types.StatusClaimed, TransitionOpts{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("claim without agent error = %v, want ErrInvalidInput", err)
	}

	claimed, err := store.Transition(ctx, id, types.StatusClaimed, TransitionOpts{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed.Position != 0 {
		t.Errorf("claimed entry still has position %d", claimed.Position)
	}
	if claimed.AgentID != "agent-1" || claimed.StartedAt == nil {
		t.Errorf("claimed entry missing agent/started_at: %+v", claimed)
	}

	// Terminal is absorbing.
	if _, err := store.Transition(ctx, id, types.StatusCancelled, TransitionOpts{}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := store.Transition(ctx, id, types.StatusPending, TransitionOpts{}); !errors.Is(err, storage.ErrEntryTerminal) {
		t.Errorf("terminal mutation error = %v, want ErrEntryTerminal", err)
	}
}

func TestTransitionMissingEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	_, err := store.Transition(ctx, 999, types.StatusCancelled, TransitionOpts{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Transition error = %v, want ErrNotFound", err)
	}
}

func TestKickClosesPositionGap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	entries := submitN(t, store, 4)

	// Kick the entry at position 2.
	if _, err := store.KickEntry(ctx, entries[1].ID, "op", "merge conflict"); err != nil {
		t.Fatalf("KickEntry failed: %v", err)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending count = %d, want 3", len(pending))
	}
	assertPositionsContiguous(t, store)

	kicked, err := store.GetEntry(ctx, entries[1].ID)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if kicked.Status != types.StatusCancelled {
		t.Errorf("kicked status = %s, want cancelled", kicked.Status)
	}
	if kicked.ErrorMessage != "merge conflict" {
		t.Errorf("kicked error = %q, want merge conflict", kicked.ErrorMessage)
	}

	events, err := store.GetEvents(ctx, entries[1].ID, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != types.EventKicked {
		t.Errorf("last event = %s, want kicked", last.Type)
	}
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	submitN(t, store, 2)

	claimed, err := store.ClaimNext(ctx, "agent-1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = (%v, %v)", claimed, err)
	}
	backdateStartedAt(t, store, claimed.ID, 3600)

	n, err := store.ReclaimStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed = %d, want 1", n)
	}

	entry, err := store.GetEntry(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if entry.Status != types.StatusPending {
		t.Errorf("status = %s, want pending", entry.Status)
	}
	if entry.AgentID != "" || entry.StartedAt != nil {
		t.Errorf("reclaimed entry kept claim fields: %+v", entry)
	}
	assertPositionsContiguous(t, store)

	// Idempotence: a second sweep with no intervening writes reclaims nothing.
	n, err = store.ReclaimStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("second ReclaimStale failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second reclaim = %d, want 0", n)
	}
}

func TestReclaimLeavesFreshClaims(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	submitN(t, store, 1)

	claimed, err := store.ClaimNext(ctx, "agent-1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = (%v, %v)", claimed, err)
	}

	n, err := store.ReclaimStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed fresh claim: n = %d", n)
	}
}

func TestCompletedAtOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	entries := submitN(t, store, 1)
	id := entries[0].ID

	if _, err := store.Transition(ctx, id, types.StatusClaimed, TransitionOpts{AgentID: "a"}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := store.Transition(ctx, id, types.StatusFailedTerminal, TransitionOpts{ErrorMessage: "boom"}); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	e, err := store.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if e.CompletedAt == nil || e.StartedAt == nil {
		t.Fatalf("missing timestamps: %+v", e)
	}
	if e.CompletedAt.Before(*e.StartedAt) || e.StartedAt.Before(e.AddedAt) {
		t.Errorf("timestamp ordering violated: added %v started %v completed %v",
			e.AddedAt, e.StartedAt, e.CompletedAt)
	}
}
