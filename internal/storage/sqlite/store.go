// Package sqlite implements the durable merge-train store on SQLite.
//
// All multi-step mutations run inside BEGIN IMMEDIATE transactions on a
// dedicated connection. IMMEDIATE acquires a RESERVED lock up front, which
// serializes writers across processes; busy_timeout plus a bounded
// exponential-backoff retry absorbs contention between concurrent workers.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/mergetrain/internal/storage"
)

const (
	// txRetryAttempts bounds the busy-retry loop around transaction begin and
	// around the claim path: the number of retries after the first try.
	txRetryAttempts = 5
	// txRetryInitialInterval is the first backoff sleep; doubles each retry
	// (50ms, 100ms, 200ms, 400ms, 800ms).
	txRetryInitialInterval = 50 * time.Millisecond
)

// Store is the SQLite-backed durable store for queue entries, the processing
// lock, queue events, and conflict resolutions.
type Store struct {
	db     *sql.DB
	dbPath string

	// queueCapacity bounds pending entries when > 0. 0 means unbounded.
	queueCapacity int
}

// New opens (creating if needed) the store at dbPath and applies the schema.
func New(ctx context.Context, dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %v: %w", err, storage.ErrStore)
	}

	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_foreign_keys=1", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %v: %w", dbPath, err, storage.ErrStore)
	}

	// SQLite serializes writers anyway; a single connection per process keeps
	// BEGIN IMMEDIATE and COMMIT on the same connection trivially.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db %s: %v: %w", dbPath, err, storage.ErrStore)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %v: %w", err, storage.ErrStore)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

// SetQueueCapacity bounds the number of pending entries. 0 disables the bound.
func (s *Store) SetQueueCapacity(n int) {
	s.queueCapacity = n
}

// isBusy classifies driver errors that represent transient lock contention.
// This is the one place error text is inspected; everything above works with
// the storage sentinels.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "database is locked")
}

// newTxBackoff builds the bounded exponential backoff used for transaction
// retries: 50ms, 100ms, 200ms, 400ms, 800ms.
func newTxBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = txRetryInitialInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 800 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, txRetryAttempts), ctx)
}

// beginImmediate starts a BEGIN IMMEDIATE transaction on conn, retrying
// SQLITE_BUSY with exponential backoff.
//
// Raw Exec is used instead of BeginTx because database/sql has no notion of
// transaction modes and the driver's BeginTx always uses DEFERRED.
func beginImmediate(ctx context.Context, conn *sql.Conn) error {
	op := func() error {
		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			if isBusy(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, newTxBackoff(ctx)); err != nil {
		if isBusy(err) {
			return fmt.Errorf("begin immediate: %v: %w", err, storage.ErrBusy)
		}
		return fmt.Errorf("begin immediate: %w", err)
	}
	return nil
}

// withTx runs fn inside a BEGIN IMMEDIATE transaction on a dedicated
// connection. On any error the transaction is rolled back; ROLLBACK uses a
// background context so cleanup happens even when ctx is canceled.
func (s *Store) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %v: %w", err, storage.ErrStore)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		if isBusy(err) {
			return fmt.Errorf("%v: %w", err, storage.ErrBusy)
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		if isBusy(err) {
			return fmt.Errorf("commit: %v: %w", err, storage.ErrBusy)
		}
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// withTxRetry runs withTx, retrying the whole transaction when it fails with
// transient contention. Used by the claim path, where losing a race to
// another worker is expected.
func (s *Store) withTxRetry(ctx context.Context, fn func(conn *sql.Conn) error) error {
	op := func() error {
		err := s.withTx(ctx, fn)
		if err != nil && !storage.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, newTxBackoff(ctx))
}
