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

// Submit upserts a submission into the queue. The upsert rules, in order,
// against any existing entry A with the same dedupe key:
//
//  1. no A                          -> insert, outcome New
//  2. A terminal, same workspace    -> reset A back to pending, outcome Resubmitted
//  3. A terminal, other workspace   -> release the key from A, insert, outcome New
//  4. A active, same workspace      -> refresh head ref in place, outcome Updated
//  5. A active, other workspace     -> ErrDedupeConflict
//
// The whole submission is one transaction; the audit event is part of it.
func (s *Store) Submit(ctx context.Context, req storage.SubmitRequest) (*types.QueueEntry, storage.SubmitOutcome, error) {
	if err := types.ValidateWorkspaceName(req.Workspace); err != nil {
		return nil, "", fmt.Errorf("%v: %w", err, storage.ErrInvalidInput)
	}
	if err := types.ValidateHeadRef(req.HeadRef); err != nil {
		return nil, "", fmt.Errorf("%v: %w", err, storage.ErrInvalidInput)
	}
	if _, _, err := types.ParseDedupeKey(req.DedupeKey); err != nil {
		return nil, "", fmt.Errorf("%v: %w", err, storage.ErrInvalidInput)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = types.DefaultMaxAttempts
	}
	if req.MaxAttempts < 0 {
		return nil, "", fmt.Errorf("max attempts %d: %w", req.MaxAttempts, storage.ErrInvalidInput)
	}

	var (
		entryID int64
		outcome storage.SubmitOutcome
	)
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		existing, err := findByDedupeKey(ctx, conn, req.DedupeKey)
		if err != nil {
			return err
		}

		switch {
		case existing == nil:
			entryID, err = insertEntry(ctx, conn, s.queueCapacity, req)
			outcome = storage.OutcomeNew
			return err

		case existing.Status.IsTerminal() && existing.Workspace == req.Workspace:
			entryID = existing.ID
			outcome = storage.OutcomeResubmitted
			return resetEntry(ctx, conn, s.queueCapacity, existing, req)

		case existing.Status.IsTerminal():
			// Release the key from the terminal entry of the other workspace;
			// it stays terminal under a historical key.
			_, err := conn.ExecContext(ctx, `
				UPDATE merge_queue
				SET dedupe_key = dedupe_key || '#released-' || entry_id
				WHERE entry_id = ?
			`, existing.ID)
			if err != nil {
				return fmt.Errorf("release dedupe key: %w", err)
			}
			entryID, err = insertEntry(ctx, conn, s.queueCapacity, req)
			outcome = storage.OutcomeNew
			return err

		case existing.Workspace == req.Workspace:
			entryID = existing.ID
			outcome = storage.OutcomeUpdated
			return refreshEntry(ctx, conn, existing, req)

		default:
			return fmt.Errorf("dedupe key %s is active for workspace %s: %w",
				req.DedupeKey, existing.Workspace, storage.ErrDedupeConflict)
		}
	})
	if err != nil {
		return nil, "", storage.WrapOp("submit", err)
	}

	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return nil, "", storage.WrapOp("submit", err)
	}
	return entry, outcome, nil
}

// findByDedupeKey returns the entry the upsert rules apply to: the single
// active holder of the key if one exists, otherwise the newest terminal
// holder, otherwise nil.
func findByDedupeKey(ctx context.Context, conn *sql.Conn, key string) (*types.QueueEntry, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM merge_queue
		WHERE dedupe_key = ?
		ORDER BY entry_id DESC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("lookup dedupe key: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var newestTerminal *types.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if !e.Status.IsTerminal() {
			return e, nil
		}
		if newestTerminal == nil {
			newestTerminal = e
		}
	}
	return newestTerminal, rows.Err()
}

// checkCapacity enforces the optional pending bound inside the submission
// transaction.
func checkCapacity(ctx context.Context, conn *sql.Conn, capacity int) error {
	if capacity <= 0 {
		return nil
	}
	var pending int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM merge_queue WHERE status = 'pending'`).Scan(&pending); err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	if pending >= capacity {
		return fmt.Errorf("queue has %d pending entries (capacity %d): %w", pending, capacity, storage.ErrQueueFull)
	}
	return nil
}

func insertEntry(ctx context.Context, conn *sql.Conn, capacity int, req storage.SubmitRequest) (int64, error) {
	if err := checkCapacity(ctx, conn, capacity); err != nil {
		return 0, err
	}

	_, changeRef, _ := types.ParseDedupeKey(req.DedupeKey)
	now := utcNow()
	res, err := conn.ExecContext(ctx, `
		INSERT INTO merge_queue (
			workspace, change_ref, head_ref, tested_against_ref, dedupe_key,
			priority, position, status, agent_id, bead_id,
			attempt_count, max_attempts, added_at, state_changed_at
		) VALUES (?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM merge_queue WHERE status = 'pending'),
			'pending', ?, ?, 0, ?, ?, ?)
	`, req.Workspace, changeRef, req.HeadRef, nullStr(req.TestedAgainstRef), req.DedupeKey,
		req.Priority, nullStr(req.AgentID), nullStr(req.BeadID),
		req.MaxAttempts, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("entry id: %w", err)
	}

	if err := resequencePending(ctx, conn); err != nil {
		return 0, err
	}
	return id, appendEvent(ctx, conn, &id, types.EventCreated, req.AgentID, map[string]any{
		"workspace": req.Workspace,
		"head_ref":  req.HeadRef,
		"priority":  req.Priority,
	})
}

// resetEntry implements upsert rule 2: the terminal entry is revived in
// place, keeping its entry ID.
func resetEntry(ctx context.Context, conn *sql.Conn, capacity int, existing *types.QueueEntry, req storage.SubmitRequest) error {
	if err := checkCapacity(ctx, conn, capacity); err != nil {
		return err
	}

	now := utcNow()
	_, err := conn.ExecContext(ctx, `
		UPDATE merge_queue
		SET status = 'pending',
		    position = (SELECT COALESCE(MAX(position), 0) + 1 FROM merge_queue WHERE status = 'pending'),
		    head_ref = ?,
		    tested_against_ref = ?,
		    priority = ?,
		    agent_id = ?,
		    bead_id = COALESCE(?, bead_id),
		    attempt_count = 0,
		    max_attempts = ?,
		    error_message = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    added_at = ?,
		    state_changed_at = ?
		WHERE entry_id = ?
	`, req.HeadRef, nullStr(req.TestedAgainstRef), req.Priority,
		nullStr(req.AgentID), nullStr(req.BeadID), req.MaxAttempts,
		now, now, existing.ID)
	if err != nil {
		return fmt.Errorf("reset entry %d: %w", existing.ID, err)
	}

	if err := resequencePending(ctx, conn); err != nil {
		return err
	}
	return appendEvent(ctx, conn, &existing.ID, types.EventCreated, req.AgentID, map[string]any{
		"resubmitted": true,
		"head_ref":    req.HeadRef,
	})
}

// refreshEntry implements upsert rule 4: the active entry keeps its position
// and status; the head ref and the tested-against ref are overwritten.
func refreshEntry(ctx context.Context, conn *sql.Conn, existing *types.QueueEntry, req storage.SubmitRequest) error {
	_, err := conn.ExecContext(ctx, `
		UPDATE merge_queue
		SET head_ref = ?, tested_against_ref = ?, state_changed_at = ?
		WHERE entry_id = ?
	`, req.HeadRef, nullStr(req.TestedAgainstRef), utcNow(), existing.ID)
	if err != nil {
		return fmt.Errorf("refresh entry %d: %w", existing.ID, err)
	}
	return appendEvent(ctx, conn, &existing.ID, types.EventUpdated, req.AgentID, map[string]any{
		"head_ref": req.HeadRef,
	})
}

// resequencePending rewrites the positions of all pending entries to the
// contiguous run 1..N ordered by (priority asc, added_at asc, entry_id asc).
// Must run inside the transaction that disturbed the sequence.
func resequencePending(ctx context.Context, conn *sql.Conn) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT entry_id, position FROM merge_queue
		WHERE status = 'pending'
		ORDER BY priority ASC, added_at ASC, entry_id ASC
	`)
	if err != nil {
		return fmt.Errorf("list pending for resequence: %w", err)
	}

	type slot struct {
		id  int64
		pos int
	}
	var slots []slot
	for rows.Next() {
		var sl slot
		if err := rows.Scan(&sl.id, &sl.pos); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan pending: %w", err)
		}
		slots = append(slots, sl)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate pending: %w", err)
	}
	_ = rows.Close()

	for i, sl := range slots {
		want := i + 1
		if sl.pos == want {
			continue
		}
		if _, err := conn.ExecContext(ctx,
			`UPDATE merge_queue SET position = ? WHERE entry_id = ?`, want, sl.id); err != nil {
			return fmt.Errorf("set position %d on entry %d: %w", want, sl.id, err)
		}
	}
	return nil
}

// TransitionOpts carries the optional effects of a state transition.
type TransitionOpts struct {
	// AgentID is required when transitioning to claimed.
	AgentID string
	// ErrorMessage is stored on the entry when non-empty.
	ErrorMessage string
	// IncrementAttempt bumps attempt_count, used on test failures.
	IncrementAttempt bool
	// TestedAgainstRef updates the entry's tested-against marker when non-empty.
	TestedAgainstRef string
	// EventType overrides the audit event type (default status_changed).
	EventType types.EventType
	// Details is merged into the audit event payload.
	Details map[string]any
}

// Transition moves an entry along one state machine edge, maintaining the
// position sequence and appending the audit event in the same transaction.
func (s *Store) Transition(ctx context.Context, entryID int64, to types.Status, opts TransitionOpts) (*types.QueueEntry, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("transition to %q: %w", to, storage.ErrInvalidInput)
	}
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		return transitionInTx(ctx, conn, entryID, to, opts)
	})
	if err != nil {
		return nil, storage.WrapOp(fmt.Sprintf("transition entry %d to %s", entryID, to), err)
	}
	return s.GetEntry(ctx, entryID)
}

// transitionInTx is the transactional body of Transition, shared with the
// claim and kick paths.
func transitionInTx(ctx context.Context, conn *sql.Conn, entryID int64, to types.Status, opts TransitionOpts) error {
	entry, err := getEntryInTx(ctx, conn, entryID)
	if err != nil {
		return err
	}
	if entry.Status.IsTerminal() {
		return fmt.Errorf("entry %d is %s: %w", entryID, entry.Status, storage.ErrEntryTerminal)
	}
	if !types.CanTransition(entry.Status, to) {
		return fmt.Errorf("%s -> %s: %w", entry.Status, to, storage.ErrInvalidTransition)
	}
	if to == types.StatusClaimed && opts.AgentID == "" {
		return fmt.Errorf("claim requires an agent id: %w", storage.ErrInvalidInput)
	}

	now := utcNow()
	set := "status = ?, state_changed_at = ?"
	args := []any{string(to), now}

	switch {
	case to == types.StatusPending:
		set += `, position = (SELECT COALESCE(MAX(position), 0) + 1 FROM merge_queue WHERE status = 'pending'),
			agent_id = NULL, started_at = NULL, completed_at = NULL`
	case to == types.StatusClaimed:
		set += ", position = NULL, agent_id = ?, started_at = ?"
		args = append(args, opts.AgentID, now)
	case to.IsTerminal():
		set += ", position = NULL, completed_at = ?"
		args = append(args, now)
	default:
		set += ", position = NULL"
	}

	if opts.IncrementAttempt {
		set += ", attempt_count = attempt_count + 1"
	}
	if opts.ErrorMessage != "" {
		set += ", error_message = ?"
		args = append(args, opts.ErrorMessage)
	}
	if opts.TestedAgainstRef != "" {
		set += ", tested_against_ref = ?"
		args = append(args, opts.TestedAgainstRef)
	}
	args = append(args, entryID)

	if _, err := conn.ExecContext(ctx, "UPDATE merge_queue SET "+set+" WHERE entry_id = ?", args...); err != nil {
		return fmt.Errorf("update entry %d: %w", entryID, err)
	}

	if entry.Status == types.StatusPending || to == types.StatusPending {
		if err := resequencePending(ctx, conn); err != nil {
			return err
		}
	}

	eventType := opts.EventType
	if eventType == "" {
		eventType = types.EventStatusChanged
	}
	details := map[string]any{"from": string(entry.Status), "to": string(to)}
	for k, v := range opts.Details {
		details[k] = v
	}
	if opts.ErrorMessage != "" {
		details["error"] = opts.ErrorMessage
	}
	agent := opts.AgentID
	if agent == "" {
		agent = entry.AgentID
	}
	return appendEvent(ctx, conn, &entryID, eventType, agent, details)
}

// getEntryInTx loads one entry on the transaction connection.
func getEntryInTx(ctx context.Context, conn *sql.Conn, entryID int64) (*types.QueueEntry, error) {
	row := conn.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM merge_queue WHERE entry_id = ?", entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("entry %d: %w", entryID, storage.ErrNotFound)
		}
		return nil, err
	}
	return entry, nil
}

// GetEntry returns one entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID int64) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM merge_queue WHERE entry_id = ?", entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("entry %d: %w", entryID, storage.ErrNotFound)
		}
		return nil, storage.WrapOp("get entry", err)
	}
	return entry, nil
}

// GetEntryByWorkspace returns the newest non-terminal entry for a workspace.
func (s *Store) GetEntryByWorkspace(ctx context.Context, workspace string) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM merge_queue
		WHERE workspace = ?
		  AND status NOT IN ('merged', 'failed_terminal', 'cancelled')
		ORDER BY entry_id DESC
		LIMIT 1
	`, workspace)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("workspace %s: %w", workspace, storage.ErrNotFound)
		}
		return nil, storage.WrapOp("get entry by workspace", err)
	}
	return entry, nil
}

// ListPending returns the pending entries in position order.
func (s *Store) ListPending(ctx context.Context) ([]*types.QueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM merge_queue
		WHERE status = 'pending'
		ORDER BY position ASC
	`)
}

// ListAll returns every entry, pending first in position order, then the rest
// by most recent state change.
func (s *Store) ListAll(ctx context.Context) ([]*types.QueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM merge_queue
		ORDER BY CASE WHEN status = 'pending' THEN 0 ELSE 1 END,
			position ASC, state_changed_at DESC
	`)
}

// ListByStatus returns entries with the given status.
func (s *Store) ListByStatus(ctx context.Context, status types.Status) ([]*types.QueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM merge_queue
		WHERE status = ?
		ORDER BY entry_id ASC
	`, string(status))
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*types.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapOp("query entries", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storage.WrapOp("scan entry", err)
		}
		entries = append(entries, e)
	}
	return entries, storage.WrapOp("iterate entries", rows.Err())
}

// UpdateHeadRef records a new head for an entry, typically after a
// rebase-behind moved the workspace onto a new trunk tip.
func (s *Store) UpdateHeadRef(ctx context.Context, entryID int64, headRef, testedAgainstRef string) error {
	if err := types.ValidateHeadRef(headRef); err != nil {
		return fmt.Errorf("%v: %w", err, storage.ErrInvalidInput)
	}
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		entry, err := getEntryInTx(ctx, conn, entryID)
		if err != nil {
			return err
		}
		if entry.Status.IsTerminal() {
			return fmt.Errorf("entry %d is %s: %w", entryID, entry.Status, storage.ErrEntryTerminal)
		}
		_, err = conn.ExecContext(ctx, `
			UPDATE merge_queue
			SET head_ref = ?, tested_against_ref = ?, state_changed_at = ?
			WHERE entry_id = ?
		`, headRef, nullStr(testedAgainstRef), utcNow(), entryID)
		if err != nil {
			return fmt.Errorf("update head ref: %w", err)
		}
		return appendEvent(ctx, conn, &entryID, types.EventUpdated, entry.AgentID, map[string]any{
			"head_ref":           headRef,
			"tested_against_ref": testedAgainstRef,
		})
	})
	return storage.WrapOp("update head ref", err)
}

// ReclaimStale resets claimed entries whose work started more than threshold
// ago back to pending, clearing their claim. Returns how many were reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	var reclaimed int
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		n, err := reclaimStaleInTx(ctx, conn, threshold)
		reclaimed = n
		return err
	})
	if err != nil {
		return 0, storage.WrapOp("reclaim stale", err)
	}
	return reclaimed, nil
}

// reclaimStaleInTx is shared with the lock recovery sweep.
func reclaimStaleInTx(ctx context.Context, conn *sql.Conn, threshold time.Duration) (int, error) {
	cutoff := utcNow().Add(-threshold)
	rows, err := conn.QueryContext(ctx, `
		SELECT entry_id FROM merge_queue
		WHERE status = 'claimed' AND started_at < ?
		ORDER BY entry_id ASC
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale claims: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan stale claim: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterate stale claims: %w", err)
	}
	_ = rows.Close()

	now := utcNow()
	for _, id := range ids {
		_, err := conn.ExecContext(ctx, `
			UPDATE merge_queue
			SET status = 'pending',
			    position = (SELECT COALESCE(MAX(position), 0) + 1 FROM merge_queue WHERE status = 'pending'),
			    agent_id = NULL, started_at = NULL, state_changed_at = ?
			WHERE entry_id = ?
		`, now, id)
		if err != nil {
			return 0, fmt.Errorf("reclaim entry %d: %w", id, err)
		}
		if err := appendEvent(ctx, conn, &id, types.EventReclaimed, "", nil); err != nil {
			return 0, err
		}
	}
	if len(ids) > 0 {
		if err := resequencePending(ctx, conn); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// KickEntry cancels an entry and closes its position gap, in one transaction.
// Kicked pending entries release their position; kicked claimed entries
// already gave theirs up at claim time.
func (s *Store) KickEntry(ctx context.Context, entryID int64, agentID, reason string) (*types.QueueEntry, error) {
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		return transitionInTx(ctx, conn, entryID, types.StatusCancelled, TransitionOpts{
			AgentID:      agentID,
			ErrorMessage: reason,
			EventType:    types.EventKicked,
		})
	})
	if err != nil {
		return nil, storage.WrapOp(fmt.Sprintf("kick entry %d", entryID), err)
	}
	return s.GetEntry(ctx, entryID)
}

// CountByStatus returns entry counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[types.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM merge_queue GROUP BY status`)
	if err != nil {
		return nil, storage.WrapOp("count by status", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.Status]int)
	for rows.Next() {
		var (
			st types.Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, storage.WrapOp("scan count", err)
		}
		counts[st] = n
	}
	return counts, storage.WrapOp("iterate counts", rows.Err())
}
