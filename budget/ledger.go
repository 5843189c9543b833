// Package budget is the hierarchical spend ledger. Children reserve spend
// out of their parent's remaining allotment, report actual spend against
// that reservation, and release what they did not use when they finish.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/everydev1618/threads/internal/logging"
	"github.com/everydev1618/threads/internal/sqlitedb"
)

// Status of a ledger row.
type Status string

const (
	Active    Status = "active"
	Completed Status = "completed"
	Errored   Status = "error"
	Cancelled Status = "cancelled"
)

var (
	ErrNotRegistered = errors.New("budget not registered")
	ErrLedgerLocked  = errors.New("budget ledger locked")
)

// InsufficientBudgetError is returned when a reservation exceeds what the
// parent has left.
type InsufficientBudgetError struct {
	ParentID  string
	Remaining decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget in %s: remaining %s, requested %s",
		e.ParentID, e.Remaining.StringFixed(4), e.Requested.StringFixed(4))
}

// Entry is one ledger row. Actual is the thread's own spend; ChildSpend is
// what released children spent, rolled up at release.
type Entry struct {
	ThreadID   string
	ParentID   string
	Reserved   decimal.Decimal
	Actual     decimal.Decimal
	ChildSpend decimal.Decimal
	Max        decimal.Decimal
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TreeSpend sums a subtree of the ledger.
type TreeSpend struct {
	Actual   decimal.Decimal
	Reserved decimal.Decimal
	Threads  int
	Active   int
}

// Ledger is a SQLite-backed budget ledger.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) {
		lg.logger = logging.OrNop(l)
	}
}

// Open opens the ledger database at path (sqlitedb.Memory for a private
// in-memory ledger) and creates the schema.
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open budget ledger: %w", err)
	}
	l, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an open database and creates the schema.
func New(db *sql.DB, opts ...Option) (*Ledger, error) {
	l := &Ledger{db: db, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS budget_ledger (
		thread_id        TEXT PRIMARY KEY,
		parent_thread_id TEXT NOT NULL DEFAULT '',
		reserved_spend   TEXT NOT NULL DEFAULT '0',
		actual_spend     TEXT NOT NULL DEFAULT '0',
		child_spend      TEXT NOT NULL DEFAULT '0',
		max_spend        TEXT NOT NULL DEFAULT '0',
		status           TEXT NOT NULL DEFAULT 'active',
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_budget_parent ON budget_ledger(parent_thread_id);
	CREATE INDEX IF NOT EXISTS idx_budget_status ON budget_ledger(status);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Register records a root thread's budget. Registering an id whose previous
// row is terminal clears that row's subtree first; other trees are left alone.
// Registering an active id is a no-op.
func (l *Ledger) Register(ctx context.Context, threadID string, max decimal.Decimal) error {
	now := l.now().UTC()
	return l.tx(ctx, "register", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			WITH RECURSIVE subtree(thread_id) AS (
				SELECT thread_id FROM budget_ledger WHERE thread_id = ? AND status != ?
				UNION ALL
				SELECT bl.thread_id FROM budget_ledger bl JOIN subtree s ON bl.parent_thread_id = s.thread_id
			)
			DELETE FROM budget_ledger WHERE thread_id IN (SELECT thread_id FROM subtree)`,
			threadID, Active); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO budget_ledger
				(thread_id, parent_thread_id, reserved_spend, max_spend, status, created_at, updated_at)
			VALUES (?, '', ?, ?, ?, ?, ?)`,
			threadID, max.String(), max.String(), Active, now, now)
		return err
	})
}

// Reserve carves amount out of the parent's remaining budget for a child.
// The read of the parent's remainder and the insert of the child row happen
// in one immediate transaction, so two siblings cannot both pass the check
// against the same remainder.
func (l *Ledger) Reserve(ctx context.Context, childID string, amount decimal.Decimal, parentID string) error {
	if amount.IsNegative() {
		return fmt.Errorf("reserve %s: negative amount %s", childID, amount)
	}
	now := l.now().UTC()
	err := l.tx(ctx, "reserve", func(tx *sql.Tx) error {
		remaining, err := remainingTx(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if remaining.LessThan(amount) {
			return &InsufficientBudgetError{ParentID: parentID, Remaining: remaining, Requested: amount}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO budget_ledger
				(thread_id, parent_thread_id, reserved_spend, max_spend, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_id) DO UPDATE SET
				parent_thread_id = excluded.parent_thread_id,
				reserved_spend = excluded.reserved_spend,
				max_spend = excluded.max_spend,
				status = excluded.status,
				updated_at = excluded.updated_at`,
			childID, parentID, amount.String(), amount.String(), Active, now, now)
		return err
	})
	if err != nil {
		var ib *InsufficientBudgetError
		if errors.As(err, &ib) {
			l.logger.Info("budget reservation denied",
				zap.String("thread_id", childID),
				zap.String("parent_id", parentID),
				zap.String("requested", amount.String()),
				zap.String("remaining", ib.Remaining.String()))
		}
		return err
	}
	l.logger.Debug("budget reserved",
		zap.String("thread_id", childID),
		zap.String("parent_id", parentID),
		zap.String("amount", amount.String()))
	return nil
}

// ReportActual records a thread's cumulative own spend. The recorded value
// is clamped to the reservation so an overspending child cannot eat into its
// siblings' reservations. It returns the value recorded.
func (l *Ledger) ReportActual(ctx context.Context, threadID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var recorded decimal.Decimal
	err := l.tx(ctx, "report", func(tx *sql.Tx) error {
		e, err := getTx(ctx, tx, threadID)
		if err != nil {
			return err
		}
		recorded = decimal.Max(decimal.Zero, decimal.Min(amount, e.Reserved))
		if recorded.LessThan(amount) {
			l.logger.Warn("actual spend clamped to reservation",
				zap.String("thread_id", threadID),
				zap.String("reported", amount.String()),
				zap.String("reserved", e.Reserved.String()))
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE budget_ledger SET actual_spend = ?, updated_at = ? WHERE thread_id = ?`,
			recorded.String(), l.now().UTC(), threadID)
		return err
	})
	return recorded, err
}

// Release closes a thread's reservation: reserved drops to actual, the
// status becomes terminal, and the thread's total spend (own plus released
// children) is rolled up into its parent. Only the first call has effect.
func (l *Ledger) Release(ctx context.Context, threadID string, status Status) error {
	if status == Active || status == "" {
		status = Completed
	}
	return l.tx(ctx, "release", func(tx *sql.Tx) error {
		e, err := getTx(ctx, tx, threadID)
		if err != nil {
			return err
		}
		if e.Status != Active {
			return nil
		}
		now := l.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE budget_ledger SET reserved_spend = actual_spend, status = ?, updated_at = ? WHERE thread_id = ?`,
			status, now, threadID); err != nil {
			return err
		}
		if e.ParentID == "" {
			return nil
		}
		return cascadeTx(ctx, tx, e.ParentID, e.Actual.Add(e.ChildSpend), now)
	})
}

// Remaining returns reserved − actual − child spend − Σ active children's
// reservations. A released thread has nothing left to hand out.
func (l *Ledger) Remaining(ctx context.Context, threadID string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := l.tx(ctx, "remaining", func(tx *sql.Tx) error {
		r, err := remainingTx(ctx, tx, threadID)
		out = r
		return err
	})
	return out, err
}

// CanSpawn reports whether a reservation of requested would currently fit.
// It does not reserve.
func (l *Ledger) CanSpawn(ctx context.Context, parentID string, requested decimal.Decimal) (bool, decimal.Decimal, error) {
	remaining, err := l.Remaining(ctx, parentID)
	if err != nil {
		return false, decimal.Zero, err
	}
	return remaining.GreaterThanOrEqual(requested), remaining, nil
}

// Get returns a thread's ledger row.
func (l *Ledger) Get(ctx context.Context, threadID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, selectEntry+` WHERE thread_id = ?`, threadID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, threadID)
	}
	return e, err
}

// Tree returns every row in the subtree rooted at threadID, root first.
func (l *Ledger) Tree(ctx context.Context, threadID string) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		WITH RECURSIVE subtree(thread_id, depth) AS (
			SELECT thread_id, 0 FROM budget_ledger WHERE thread_id = ?
			UNION ALL
			SELECT bl.thread_id, s.depth + 1
			FROM budget_ledger bl JOIN subtree s ON bl.parent_thread_id = s.thread_id
		)
		SELECT b.thread_id, b.parent_thread_id, b.reserved_spend, b.actual_spend, b.child_spend,
		       b.max_spend, b.status, b.created_at, b.updated_at
		FROM budget_ledger b JOIN subtree s ON b.thread_id = s.thread_id
		ORDER BY s.depth, b.created_at, b.thread_id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, threadID)
	}
	return out, nil
}

// TreeSpend totals own spend and reservations over a subtree.
func (l *Ledger) TreeSpend(ctx context.Context, threadID string) (TreeSpend, error) {
	entries, err := l.Tree(ctx, threadID)
	if err != nil {
		return TreeSpend{}, err
	}
	var ts TreeSpend
	for _, e := range entries {
		ts.Actual = ts.Actual.Add(e.Actual)
		ts.Reserved = ts.Reserved.Add(e.Reserved)
		ts.Threads++
		if e.Status == Active {
			ts.Active++
		}
	}
	return ts, nil
}

func (l *Ledger) tx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	err := sqlitedb.Tx(ctx, l.db, fn)
	if sqlitedb.IsBusy(err) {
		return fmt.Errorf("%w: %s: %v", ErrLedgerLocked, op, err)
	}
	return err
}

const selectEntry = `SELECT thread_id, parent_thread_id, reserved_spend, actual_spend, child_spend,
	max_spend, status, created_at, updated_at FROM budget_ledger`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var reserved, actual, child, max string
	if err := s.Scan(&e.ThreadID, &e.ParentID, &reserved, &actual, &child, &max,
		&e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return nil, fmt.Errorf("ledger row %s: %w", e.ThreadID, err)
	}
	if e.Actual, err = decimal.NewFromString(actual); err != nil {
		return nil, fmt.Errorf("ledger row %s: %w", e.ThreadID, err)
	}
	if e.ChildSpend, err = decimal.NewFromString(child); err != nil {
		return nil, fmt.Errorf("ledger row %s: %w", e.ThreadID, err)
	}
	if e.Max, err = decimal.NewFromString(max); err != nil {
		return nil, fmt.Errorf("ledger row %s: %w", e.ThreadID, err)
	}
	return &e, nil
}

func getTx(ctx context.Context, tx *sql.Tx, threadID string) (*Entry, error) {
	e, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+` WHERE thread_id = ?`, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, threadID)
	}
	return e, err
}

func remainingTx(ctx context.Context, tx *sql.Tx, threadID string) (decimal.Decimal, error) {
	e, err := getTx(ctx, tx, threadID)
	if err != nil {
		return decimal.Zero, err
	}
	if e.Status != Active {
		return decimal.Zero, nil
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT reserved_spend FROM budget_ledger WHERE parent_thread_id = ? AND status = ?`,
		threadID, Active)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()
	held := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, err
		}
		held = held.Add(d)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}
	return e.Reserved.Sub(e.Actual).Sub(e.ChildSpend).Sub(held), nil
}

func cascadeTx(ctx context.Context, tx *sql.Tx, parentID string, amount decimal.Decimal, now time.Time) error {
	p, err := getTx(ctx, tx, parentID)
	if err != nil {
		if errors.Is(err, ErrNotRegistered) {
			return nil
		}
		return err
	}
	if p.Status != Active {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE budget_ledger SET child_spend = ?, updated_at = ? WHERE thread_id = ?`,
		p.ChildSpend.Add(amount).String(), now, parentID)
	return err
}
