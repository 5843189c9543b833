// Package store persists the thread registry: one row per thread with its
// lifecycle status, usage totals, continuation links and final result, plus
// an append-only log of lifecycle events.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/everydev1618/threads/harness"
	"github.com/everydev1618/threads/internal/logging"
	"github.com/everydev1618/threads/internal/sqlitedb"
)

var (
	ErrNotFound = errors.New("thread not found")
	ErrExists   = errors.New("thread already registered")
)

// Record is one thread row.
type Record struct {
	ThreadID             string
	Directive            string
	ParentID             string
	Status               harness.Status
	Turns                int
	InputTokens          int
	OutputTokens         int
	Spend                decimal.Decimal
	SpawnCount           int
	ContinuationOf       string
	ContinuationThreadID string
	Result               string
	Error                string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
}

// Event is a lifecycle event recorded against a thread.
type Event struct {
	ID        int64
	ThreadID  string
	Type      string
	Data      string
	Timestamp time.Time
}

// Registry is the SQLite thread registry.
type Registry struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(l) }
}

// Open opens the registry at path (sqlitedb.Memory for in-memory).
func Open(path string, opts ...Option) (*Registry, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open thread registry: %w", err)
	}
	r, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an open database and creates the schema. The budget ledger may
// share the same database.
func New(db *sql.DB, opts ...Option) (*Registry, error) {
	r := &Registry{db: db, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.init(); err != nil {
		return nil, fmt.Errorf("init thread registry: %w", err)
	}
	return r, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		thread_id              TEXT PRIMARY KEY,
		directive              TEXT NOT NULL DEFAULT '',
		parent_id              TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL DEFAULT 'created',
		turns                  INTEGER NOT NULL DEFAULT 0,
		input_tokens           INTEGER NOT NULL DEFAULT 0,
		output_tokens          INTEGER NOT NULL DEFAULT 0,
		spend                  TEXT NOT NULL DEFAULT '0',
		spawn_count            INTEGER NOT NULL DEFAULT 0,
		continuation_of        TEXT NOT NULL DEFAULT '',
		continuation_thread_id TEXT NOT NULL DEFAULT '',
		result                 TEXT NOT NULL DEFAULT '',
		error                  TEXT NOT NULL DEFAULT '',
		created_at             DATETIME NOT NULL,
		updated_at             DATETIME NOT NULL,
		completed_at           DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_threads_parent ON threads(parent_id);
	CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);

	CREATE TABLE IF NOT EXISTS thread_events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id TEXT NOT NULL,
		type      TEXT NOT NULL,
		data      TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_thread_events_thread ON thread_events(thread_id);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Register inserts a new thread. The status defaults to created.
func (r *Registry) Register(ctx context.Context, rec Record) error {
	if rec.ThreadID == "" {
		return errors.New("thread id required")
	}
	if rec.Status == "" {
		rec.Status = harness.StatusCreated
	}
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, directive, parent_id, status, continuation_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ThreadID, rec.Directive, rec.ParentID, string(rec.Status), rec.ContinuationOf, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("%w: %s", ErrExists, rec.ThreadID)
		}
		return fmt.Errorf("register thread %s: %w", rec.ThreadID, err)
	}
	return nil
}

// UpdateStatus moves a thread to status, enforcing the lifecycle state
// machine. Setting the current status again is a no-op.
func (r *Registry) UpdateStatus(ctx context.Context, threadID string, status harness.Status) error {
	return sqlitedb.Tx(ctx, r.db, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM threads WHERE thread_id = ?`, threadID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, threadID)
		}
		if err != nil {
			return err
		}
		from := harness.Status(cur)
		if from == status {
			return nil
		}
		if !harness.CanTransition(from, status) {
			return fmt.Errorf("thread %s: %w: %s -> %s", threadID, harness.ErrInvalidTransition, from, status)
		}
		now := r.now().UTC()
		var completed any
		if status.Terminal() {
			completed = now
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE threads SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
			WHERE thread_id = ?`, string(status), now, completed, threadID)
		return err
	})
}

// UpdateUsage overwrites the usage totals.
func (r *Registry) UpdateUsage(ctx context.Context, threadID string, u harness.Usage) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE threads SET turns = ?, input_tokens = ?, output_tokens = ?, spend = ?, spawn_count = ?, updated_at = ?
		WHERE thread_id = ?`,
		u.Turns, u.InputTokens, u.OutputTokens, u.Spend.String(), u.Spawns, r.now().UTC(), threadID)
	if err != nil {
		return fmt.Errorf("update usage %s: %w", threadID, err)
	}
	return expectRow(res, threadID)
}

// Complete records a terminal status with the thread's result or error.
func (r *Registry) Complete(ctx context.Context, threadID string, status harness.Status, result, errText string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete %s: %s is not terminal", threadID, status)
	}
	if err := r.UpdateStatus(ctx, threadID, status); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE threads SET result = ?, error = ?, updated_at = ? WHERE thread_id = ?`,
		result, errText, r.now().UTC(), threadID)
	return err
}

// SetContinuation links from to its continuation to.
func (r *Registry) SetContinuation(ctx context.Context, from, to string) error {
	return sqlitedb.Tx(ctx, r.db, func(tx *sql.Tx) error {
		now := r.now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE threads SET continuation_thread_id = ?, updated_at = ? WHERE thread_id = ?`, to, now, from)
		if err != nil {
			return err
		}
		if err := expectRow(res, from); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE threads SET continuation_of = ?, updated_at = ? WHERE thread_id = ?`, from, now, to)
		if err != nil {
			return err
		}
		return expectRow(res, to)
	})
}

const selectCols = `thread_id, directive, parent_id, status, turns, input_tokens, output_tokens,
	spend, spawn_count, continuation_of, continuation_thread_id, result, error,
	created_at, updated_at, completed_at`

// Get returns one thread.
func (r *Registry) Get(ctx context.Context, threadID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM threads WHERE thread_id = ?`, threadID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return rec, err
}

// Children returns the threads spawned by parentID, oldest first.
func (r *Registry) Children(ctx context.Context, parentID string) ([]Record, error) {
	return r.query(ctx, `SELECT `+selectCols+` FROM threads WHERE parent_id = ? ORDER BY created_at, thread_id`, parentID)
}

// ListByStatus returns threads in any of the given statuses; none means all.
func (r *Registry) ListByStatus(ctx context.Context, statuses ...harness.Status) ([]Record, error) {
	if len(statuses) == 0 {
		return r.query(ctx, `SELECT `+selectCols+` FROM threads ORDER BY created_at, thread_id`)
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	q := `SELECT ` + selectCols + ` FROM threads WHERE status IN (` + strings.Join(marks, ",") + `) ORDER BY created_at, thread_id`
	return r.query(ctx, q, args...)
}

// Chain returns the continuation chain threadID belongs to, from the
// original thread to the newest continuation.
func (r *Registry) Chain(ctx context.Context, threadID string) ([]Record, error) {
	start, err := r.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{start.ThreadID: true}
	for start.ContinuationOf != "" && !seen[start.ContinuationOf] {
		prev, err := r.Get(ctx, start.ContinuationOf)
		if err != nil {
			break
		}
		seen[prev.ThreadID] = true
		start = prev
	}

	chain := []Record{*start}
	seen = map[string]bool{start.ThreadID: true}
	cur := start
	for cur.ContinuationThreadID != "" && !seen[cur.ContinuationThreadID] {
		next, err := r.Get(ctx, cur.ContinuationThreadID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.logger.Warn("dangling continuation link",
					zap.String("thread_id", cur.ThreadID),
					zap.String("continuation", cur.ContinuationThreadID))
				break
			}
			return nil, err
		}
		seen[next.ThreadID] = true
		chain = append(chain, *next)
		cur = next
	}
	return chain, nil
}

// AppendEvent records a lifecycle event.
func (r *Registry) AppendEvent(ctx context.Context, threadID, typ, data string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO thread_events (thread_id, type, data, timestamp) VALUES (?, ?, ?, ?)`,
		threadID, typ, data, r.now().UTC())
	return err
}

// Events returns a thread's events in insertion order.
func (r *Registry) Events(ctx context.Context, threadID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, thread_id, type, data, timestamp FROM thread_events WHERE thread_id = ? ORDER BY id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.Type, &e.Data, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *Registry) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec       Record
		status    string
		spend     string
		completed sql.NullTime
	)
	err := s.Scan(&rec.ThreadID, &rec.Directive, &rec.ParentID, &status, &rec.Turns,
		&rec.InputTokens, &rec.OutputTokens, &spend, &rec.SpawnCount, &rec.ContinuationOf,
		&rec.ContinuationThreadID, &rec.Result, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	rec.Status = harness.Status(status)
	if rec.Spend, err = decimal.NewFromString(spend); err != nil {
		return nil, fmt.Errorf("thread %s: bad spend %q: %w", rec.ThreadID, spend, err)
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func expectRow(res sql.Result, threadID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return nil
}
