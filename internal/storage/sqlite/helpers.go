package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/types"
)

// entryColumns is the canonical column list for merge_queue scans. Keep in
// sync with scanEntry.
const entryColumns = `entry_id, workspace, change_ref, head_ref, tested_against_ref,
	dedupe_key, priority, position, status, agent_id, bead_id,
	attempt_count, max_attempts, error_message,
	added_at, started_at, completed_at, state_changed_at`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry reads one merge_queue row.
func scanEntry(row rowScanner) (*types.QueueEntry, error) {
	var (
		e            types.QueueEntry
		changeRef    sql.NullString
		testedRef    sql.NullString
		position     sql.NullInt64
		agentID      sql.NullString
		beadID       sql.NullString
		errorMessage sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.Workspace, &changeRef, &e.HeadRef, &testedRef,
		&e.DedupeKey, &e.Priority, &position, &e.Status, &agentID, &beadID,
		&e.AttemptCount, &e.MaxAttempts, &errorMessage,
		&e.AddedAt, &startedAt, &completedAt, &e.StateChangedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	e.ChangeRef = changeRef.String
	e.TestedAgainstRef = testedRef.String
	if position.Valid {
		e.Position = int(position.Int64)
	}
	e.AgentID = agentID.String
	e.BeadID = beadID.String
	e.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		e.CompletedAt = &t
	}
	e.AddedAt = e.AddedAt.UTC()
	e.StateChangedAt = e.StateChangedAt.UTC()
	return &e, nil
}

// nullStr maps "" to NULL for optional TEXT columns.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalDetails renders event details as a JSON string, or nil when absent.
func marshalDetails(details any) (any, error) {
	if details == nil {
		return nil, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal event details: %w", err)
	}
	return string(data), nil
}

// utcNow is the single clock read for store mutations.
func utcNow() time.Time {
	return time.Now().UTC()
}
