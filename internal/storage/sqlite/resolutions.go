package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/types"
)

// RecordResolution appends one conflict-resolution record. There is no update
// or delete; the decider constraint is enforced both here and by the schema.
func (s *Store) RecordResolution(ctx context.Context, r *types.ConflictResolution) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, fmt.Errorf("%v: %w", err, storage.ErrInvalidInput)
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = utcNow()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_resolutions (timestamp, session, file, strategy, reason, confidence, decider)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ts.UTC(), r.Session, r.File, r.Strategy, nullStr(r.Reason), r.Confidence, string(r.Decider))
	if err != nil {
		return 0, storage.WrapOp("record resolution", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storage.WrapOp("resolution id", err)
	}
	return id, nil
}

// ListResolutions returns resolution records matching the filter, newest
// first.
func (s *Store) ListResolutions(ctx context.Context, filter storage.ResolutionFilter) ([]*types.ConflictResolution, error) {
	query := `
		SELECT id, timestamp, session, file, strategy, reason, confidence, decider
		FROM conflict_resolutions
		WHERE 1=1
	`
	var args []any
	if filter.Session != "" {
		query += " AND session = ?"
		args = append(args, filter.Session)
	}
	if filter.Decider != "" {
		query += " AND decider = ?"
		args = append(args, filter.Decider)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapOp("query resolutions", err)
	}
	defer func() { _ = rows.Close() }()

	var resolutions []*types.ConflictResolution
	for rows.Next() {
		var (
			r          types.ConflictResolution
			reason     sql.NullString
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Session, &r.File, &r.Strategy,
			&reason, &confidence, &r.Decider); err != nil {
			return nil, storage.WrapOp("scan resolution", err)
		}
		r.Reason = reason.String
		if confidence.Valid {
			c := confidence.Float64
			r.Confidence = &c
		}
		r.Timestamp = r.Timestamp.UTC()
		resolutions = append(resolutions, &r)
	}
	return resolutions, storage.WrapOp("iterate resolutions", rows.Err())
}
