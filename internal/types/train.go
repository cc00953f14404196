package types

import "time"

// TrainAction names the observable steps the train takes for an entry.
type TrainAction string

const (
	ActionClaimed           TrainAction = "Claimed"
	ActionRebasing          TrainAction = "Rebasing"
	ActionTesting           TrainAction = "Testing"
	ActionTestsPassed       TrainAction = "TestsPassed"
	ActionTestsFailed       TrainAction = "TestsFailed"
	ActionConflictsDetected TrainAction = "ConflictsDetected"
	ActionReadyToMerge      TrainAction = "ReadyToMerge"
	ActionMerging           TrainAction = "Merging"
	ActionMerged            TrainAction = "Merged"
	ActionKicked            TrainAction = "Kicked"
	ActionSkipped           TrainAction = "Skipped"
)

// Event type discriminators for the JSONL stream.
const (
	TrainEventType       = "Train"
	TrainStepEventType   = "TrainStep"
	TrainResultEventType = "TrainResult"
)

// TrainStart is the first line of a train's JSONL stream.
type TrainStart struct {
	Type       string    `json:"type"` // always "Train"
	AgentID    string    `json:"agent_id"`
	StartedAt  time.Time `json:"started_at"`
	QueueDepth int       `json:"queue_depth"`
}

// TrainStep records one observable action for one entry. Every state change
// the train makes produces at least one step.
type TrainStep struct {
	Type      string         `json:"type"` // always "TrainStep"
	EntryID   int64          `json:"entry_id"`
	Workspace string         `json:"workspace"`
	Position  int            `json:"position,omitempty"`
	Action    TrainAction    `json:"action"`
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// TrainResult is the final line of a train's JSONL stream.
type TrainResult struct {
	Type           string    `json:"type"` // always "TrainResult"
	TotalProcessed int       `json:"total_processed"`
	Merged         []string  `json:"merged"`
	Failed         []string  `json:"failed"`
	Kicked         []string  `json:"kicked"`
	DurationSecs   float64   `json:"duration_secs"`
	AgentID        string    `json:"agent_id"`
	FinishedAt     time.Time `json:"finished_at"`
}
