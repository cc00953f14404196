package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/steveyegge/mergetrain/internal/types"
)

func TestEventsAreOrderedAndComplete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	entries := submitN(t, store, 1)
	id := entries[0].ID

	claimed, err := store.ClaimNext(ctx, "agent-1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = (%v, %v)", claimed, err)
	}
	for _, st := range []types.Status{types.StatusRebasing, types.StatusTesting,
		types.StatusReadyToMerge, types.StatusMerging, types.StatusMerged} {
		if _, err := store.Transition(ctx, id, st, TransitionOpts{}); err != nil {
			t.Fatalf("Transition to %s failed: %v", st, err)
		}
	}

	events, err := store.GetEvents(ctx, id, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	// created + claimed + five status changes
	if len(events) != 7 {
		t.Fatalf("event count = %d, want 7", len(events))
	}
	if events[0].Type != types.EventCreated {
		t.Errorf("first event = %s, want created", events[0].Type)
	}
	if events[1].Type != types.EventClaimed {
		t.Errorf("second event = %s, want claimed", events[1].Type)
	}

	// IDs strictly increase; timestamps are monotone non-decreasing.
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Errorf("event IDs not strictly increasing: %d after %d", events[i].ID, events[i-1].ID)
		}
		if events[i].CreatedAt.Before(events[i-1].CreatedAt) {
			t.Errorf("event timestamps regressed: %v after %v", events[i].CreatedAt, events[i-1].CreatedAt)
		}
	}

	// Transition events carry from/to details.
	var details map[string]any
	if err := json.Unmarshal(events[2].Details, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details["from"] != "claimed" || details["to"] != "rebasing" {
		t.Errorf("details = %v, want from=claimed to=rebasing", details)
	}
}

func TestEventsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	entries := submitN(t, store, 1)

	events, err := store.GetEvents(ctx, entries[0].ID, 0)
	if err != nil || len(events) == 0 {
		t.Fatalf("GetEvents = (%v, %v)", events, err)
	}

	// The schema forbids updates and deletes outright.
	if _, err := store.db.Exec(`UPDATE queue_events SET event_type = 'forged' WHERE event_id = ?`, events[0].ID); err == nil {
		t.Error("UPDATE on queue_events should be rejected")
	}
	if _, err := store.db.Exec(`DELETE FROM queue_events WHERE event_id = ?`, events[0].ID); err == nil {
		t.Error("DELETE on queue_events should be rejected")
	}
}

func TestTrainLevelEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	if err := store.AppendTrainEvent(ctx, types.EventTrainStarted, "agent-1", map[string]any{"queue_depth": 3}); err != nil {
		t.Fatalf("AppendTrainEvent failed: %v", err)
	}

	events, err := store.GetEventsSince(ctx, 0)
	if err != nil {
		t.Fatalf("GetEventsSince failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("event count = %d, want 1", len(events))
	}
	if events[0].EntryID != nil {
		t.Errorf("train event has entry_id %v, want nil", *events[0].EntryID)
	}
	if events[0].Type != types.EventTrainStarted {
		t.Errorf("type = %s, want train_started", events[0].Type)
	}
}

func TestGetEventsSince(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	submitN(t, store, 3)

	all, err := store.GetEventsSince(ctx, 0)
	if err != nil {
		t.Fatalf("GetEventsSince failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("event count = %d, want 3", len(all))
	}

	tail, err := store.GetEventsSince(ctx, all[0].ID)
	if err != nil {
		t.Fatalf("GetEventsSince failed: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("tail count = %d, want 2", len(tail))
	}
}
