package storage

import "time"

// SubmitOutcome describes what a submission did to the queue.
type SubmitOutcome string

const (
	// OutcomeNew means a fresh entry was inserted.
	OutcomeNew SubmitOutcome = "new"
	// OutcomeUpdated means an active entry's head ref was refreshed in place.
	OutcomeUpdated SubmitOutcome = "updated"
	// OutcomeResubmitted means a terminal entry was reset back to pending.
	OutcomeResubmitted SubmitOutcome = "resubmitted"
)

// SubmitRequest carries everything the queue needs to upsert a submission.
type SubmitRequest struct {
	Workspace        string
	HeadRef          string
	DedupeKey        string
	Priority         int
	AgentID          string
	BeadID           string
	TestedAgainstRef string
	MaxAttempts      int // 0 means the default
}

// RecoveryStats reports what a self-healing sweep cleaned up.
type RecoveryStats struct {
	LocksCleaned     int       `json:"locks_cleaned"`
	EntriesReclaimed int       `json:"entries_reclaimed"`
	Timestamp        time.Time `json:"timestamp"`
}

// LockState is a read-only view of the processing lock row.
type LockState struct {
	AgentID    string    `json:"agent_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ResolutionFilter narrows a conflict-resolution listing. Zero values match
// everything.
type ResolutionFilter struct {
	Session string
	Decider string
	Since   time.Time
	Limit   int
}
