package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/types"
)

// execer lets event appends run on either a transaction connection or the
// pooled handle.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// appendEvent inserts one audit event. Callers performing a state change MUST
// invoke this on the same transaction connection as the change itself so the
// audit is atomic with the mutation.
func appendEvent(ctx context.Context, ex execer, entryID *int64, eventType types.EventType, agentID string, details any) error {
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return err
	}
	var entry any
	if entryID != nil {
		entry = *entryID
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO queue_events (entry_id, event_type, created_at, agent_id, details)
		VALUES (?, ?, ?, ?, ?)
	`, entry, string(eventType), utcNow(), nullStr(agentID), detailsJSON)
	if err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}

// AppendTrainEvent records a train-level event (no entry) outside any entry
// transaction.
func (s *Store) AppendTrainEvent(ctx context.Context, eventType types.EventType, agentID string, details any) error {
	return appendEvent(ctx, s.db, nil, eventType, agentID, details)
}

// GetEvents returns the audit events for one entry, ordered by event ID.
func (s *Store) GetEvents(ctx context.Context, entryID int64, limit int) ([]*types.QueueEvent, error) {
	query := `
		SELECT event_id, entry_id, event_type, created_at, agent_id, details
		FROM queue_events
		WHERE entry_id = ?
		ORDER BY event_id ASC
	`
	args := []any{entryID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// GetEventsSince returns every event with ID greater than sinceID, ordered by
// ID ascending. Consumers tail the stream with this.
func (s *Store) GetEventsSince(ctx context.Context, sinceID int64) ([]*types.QueueEvent, error) {
	return s.queryEvents(ctx, `
		SELECT event_id, entry_id, event_type, created_at, agent_id, details
		FROM queue_events
		WHERE event_id > ?
		ORDER BY event_id ASC
	`, sinceID)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*types.QueueEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapOp("query events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.QueueEvent
	for rows.Next() {
		var (
			ev      types.QueueEvent
			entryID sql.NullInt64
			agentID sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&ev.ID, &entryID, &ev.Type, &ev.CreatedAt, &agentID, &details); err != nil {
			return nil, storage.WrapOp("scan event", err)
		}
		if entryID.Valid {
			id := entryID.Int64
			ev.EntryID = &id
		}
		ev.AgentID = agentID.String
		if details.Valid && details.String != "" {
			ev.Details = []byte(details.String)
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, &ev)
	}
	return events, storage.WrapOp("iterate events", rows.Err())
}
