package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a queue audit event.
type EventType string

const (
	EventCreated       EventType = "created"
	EventUpdated       EventType = "updated"
	EventStatusChanged EventType = "status_changed"
	EventClaimed       EventType = "claimed"
	EventKicked        EventType = "kicked"
	EventReclaimed     EventType = "reclaimed"
	EventTrainStarted  EventType = "train_started"
	EventTrainFinished EventType = "train_finished"
	EventLockRecovered EventType = "lock_recovered"
)

// QueueEvent is one append-only audit record. EntryID is nil for train-level
// events. Events are immutable once written and totally ordered by ID.
type QueueEvent struct {
	ID        int64           `json:"id"`
	EntryID   *int64          `json:"entry_id,omitempty"`
	Type      EventType       `json:"event_type"`
	CreatedAt time.Time       `json:"created_at"`
	AgentID   string          `json:"agent_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Decider identifies who made a conflict-resolution decision.
type Decider string

const (
	DeciderAI    Decider = "ai"
	DeciderHuman Decider = "human"
)

// ConflictResolution is one append-only record of a conflict decision.
// No update or delete path exists for these records.
type ConflictResolution struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Session    string    `json:"session"`
	File       string    `json:"file"`
	Strategy   string    `json:"strategy"`
	Reason     string    `json:"reason,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Decider    Decider   `json:"decider"`
}

// Validate checks a resolution record before it is appended.
func (r *ConflictResolution) Validate() error {
	if r.Session == "" {
		return fmt.Errorf("resolution session is empty")
	}
	if r.File == "" {
		return fmt.Errorf("resolution file is empty")
	}
	if r.Strategy == "" {
		return fmt.Errorf("resolution strategy is empty")
	}
	if r.Decider != DeciderAI && r.Decider != DeciderHuman {
		return fmt.Errorf("invalid decider %q: must be ai or human", r.Decider)
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("confidence %v out of range [0,1]", *r.Confidence)
	}
	return nil
}
