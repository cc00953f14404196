package sqlite

const schema = `
-- Merge queue entries
CREATE TABLE IF NOT EXISTS merge_queue (
    entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
    workspace TEXT NOT NULL,
    change_ref TEXT,
    head_ref TEXT NOT NULL,
    tested_against_ref TEXT,
    dedupe_key TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    position INTEGER,
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN (
        'pending', 'claimed', 'rebasing', 'testing', 'ready_to_merge',
        'merging', 'merged', 'failed_retryable', 'failed_terminal', 'cancelled'
    )),
    agent_id TEXT,
    bead_id TEXT,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3 CHECK(max_attempts > 0),
    error_message TEXT,
    added_at DATETIME NOT NULL,
    started_at DATETIME,
    completed_at DATETIME,
    state_changed_at DATETIME NOT NULL,
    -- position exists exactly while pending
    CHECK (
        (status = 'pending' AND position IS NOT NULL AND position > 0) OR
        (status != 'pending' AND position IS NULL)
    ),
    -- claimed entries always know who claimed them and when
    CHECK (
        status != 'claimed' OR (agent_id IS NOT NULL AND started_at IS NOT NULL)
    )
);

CREATE INDEX IF NOT EXISTS idx_merge_queue_status_priority_position
    ON merge_queue(status, priority, position);
CREATE INDEX IF NOT EXISTS idx_merge_queue_dedupe_key ON merge_queue(dedupe_key);
-- At most one non-terminal entry per dedupe key
CREATE UNIQUE INDEX IF NOT EXISTS idx_merge_queue_active_dedupe
    ON merge_queue(dedupe_key)
    WHERE status NOT IN ('merged', 'failed_terminal', 'cancelled');

-- Single-slot processing lease. Timestamps are unix seconds.
CREATE TABLE IF NOT EXISTS queue_processing_lock (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    agent_id TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL CHECK (expires_at >= acquired_at)
);

-- Append-only queue audit stream. entry_id is NULL for train-level events.
CREATE TABLE IF NOT EXISTS queue_events (
    event_id INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id INTEGER REFERENCES merge_queue(entry_id),
    event_type TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    agent_id TEXT,
    details TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_events_entry ON queue_events(entry_id, event_id);

CREATE TRIGGER IF NOT EXISTS queue_events_no_update
    BEFORE UPDATE ON queue_events
BEGIN
    SELECT RAISE(ABORT, 'queue_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS queue_events_no_delete
    BEFORE DELETE ON queue_events
BEGIN
    SELECT RAISE(ABORT, 'queue_events is append-only');
END;

-- Append-only conflict-resolution audit
CREATE TABLE IF NOT EXISTS conflict_resolutions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    session TEXT NOT NULL,
    file TEXT NOT NULL,
    strategy TEXT NOT NULL,
    reason TEXT,
    confidence REAL,
    decider TEXT NOT NULL CHECK (decider IN ('ai', 'human'))
);

CREATE INDEX IF NOT EXISTS idx_conflict_resolutions_session ON conflict_resolutions(session);
CREATE INDEX IF NOT EXISTS idx_conflict_resolutions_timestamp ON conflict_resolutions(timestamp);
CREATE INDEX IF NOT EXISTS idx_conflict_resolutions_decider ON conflict_resolutions(decider);
CREATE INDEX IF NOT EXISTS idx_conflict_resolutions_session_timestamp
    ON conflict_resolutions(session, timestamp);

CREATE TRIGGER IF NOT EXISTS conflict_resolutions_no_update
    BEFORE UPDATE ON conflict_resolutions
BEGIN
    SELECT RAISE(ABORT, 'conflict_resolutions is append-only');
END;

CREATE TRIGGER IF NOT EXISTS conflict_resolutions_no_delete
    BEFORE DELETE ON conflict_resolutions
BEGIN
    SELECT RAISE(ABORT, 'conflict_resolutions is append-only');
END;
`
