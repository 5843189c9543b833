package budget

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestReserveDeniedPastRemaining(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	require.NoError(t, l.Register(ctx, "parent", d("1.00")))
	require.NoError(t, l.Reserve(ctx, "a", d("0.60"), "parent"))

	err := l.Reserve(ctx, "b", d("0.50"), "parent")
	var ib *InsufficientBudgetError
	require.True(t, errors.As(err, &ib), "got %v", err)
	assert.True(t, ib.Remaining.Equal(d("0.40")), "remaining %s", ib.Remaining)
	assert.True(t, ib.Requested.Equal(d("0.50")))

	require.NoError(t, l.Reserve(ctx, "b", d("0.40"), "parent"))
	rem, err := l.Remaining(ctx, "parent")
	require.NoError(t, err)
	assert.True(t, rem.IsZero())
}

func TestReserveUnknownParent(t *testing.T) {
	l := newLedger(t)
	err := l.Reserve(context.Background(), "child", d("0.10"), "ghost")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestReportActualClamps(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Register(ctx, "p", d("1")))
	require.NoError(t, l.Reserve(ctx, "c", d("0.25"), "p"))

	got, err := l.ReportActual(ctx, "c", d("0.10"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("0.10")))

	got, err = l.ReportActual(ctx, "c", d("0.90"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("0.25")), "clamped to reservation, got %s", got)

	e, err := l.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, e.Actual.Equal(d("0.25")))

	_, err = l.ReportActual(ctx, "ghost", d("1"))
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestReleaseReturnsUnusedAndRollsUpSpend(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Register(ctx, "p", d("1.00")))
	require.NoError(t, l.Reserve(ctx, "c", d("0.60"), "p"))
	_, err := l.ReportActual(ctx, "c", d("0.20"))
	require.NoError(t, err)

	rem, err := l.Remaining(ctx, "p")
	require.NoError(t, err)
	assert.True(t, rem.Equal(d("0.40")))

	require.NoError(t, l.Release(ctx, "c", Completed))
	rem, err = l.Remaining(ctx, "p")
	require.NoError(t, err)
	assert.True(t, rem.Equal(d("0.80")), "unused 0.40 returned, spent 0.20 kept; got %s", rem)

	// A second release changes nothing.
	require.NoError(t, l.Release(ctx, "c", Errored))
	e, err := l.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, Completed, e.Status)
	assert.True(t, e.Reserved.Equal(d("0.20")))

	rem, err = l.Remaining(ctx, "p")
	require.NoError(t, err)
	assert.True(t, rem.Equal(d("0.80")))
}

func TestConcurrentReserveNeverOvercommits(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Register(ctx, "p", d("1.00")))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Reserve(ctx, fmt.Sprintf("c%d", i), d("0.30"), "p")
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				return
			}
			var ib *InsufficientBudgetError
			assert.True(t, errors.As(err, &ib), "unexpected error %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, granted)
	ts, err := l.TreeSpend(ctx, "p")
	require.NoError(t, err)
	children := ts.Reserved.Sub(d("1.00"))
	assert.True(t, children.LessThanOrEqual(d("1.00")), "children reserved %s", children)
}

func TestTreeSpend(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Register(ctx, "root", d("2")))
	require.NoError(t, l.Reserve(ctx, "a", d("1"), "root"))
	require.NoError(t, l.Reserve(ctx, "a1", d("0.5"), "a"))
	_, err := l.ReportActual(ctx, "root", d("0.10"))
	require.NoError(t, err)
	_, err = l.ReportActual(ctx, "a", d("0.20"))
	require.NoError(t, err)
	_, err = l.ReportActual(ctx, "a1", d("0.30"))
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "a1", Completed))

	ts, err := l.TreeSpend(ctx, "root")
	require.NoError(t, err)
	assert.True(t, ts.Actual.Equal(d("0.60")), "got %s", ts.Actual)
	assert.Equal(t, 3, ts.Threads)
	assert.Equal(t, 2, ts.Active)

	entries, err := l.Tree(ctx, "root")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "root", entries[0].ThreadID)

	a, err := l.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.ChildSpend.Equal(d("0.30")))

	ok, rem, err := l.CanSpawn(ctx, "a", d("0.5"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, rem.Equal(d("0.50")), "1 - 0.20 - 0.30 = %s", rem)

	ok, _, err = l.CanSpawn(ctx, "a", d("0.51"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterReplacesOnlyItsOwnTerminalTree(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Register(ctx, "old", d("1")))
	require.NoError(t, l.Reserve(ctx, "old-child", d("0.4"), "old"))
	_, err := l.ReportActual(ctx, "old-child", d("0.25"))
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "old-child", Completed))
	require.NoError(t, l.Release(ctx, "old", Completed))

	before, err := l.TreeSpend(ctx, "old")
	require.NoError(t, err)

	require.NoError(t, l.Register(ctx, "new", d("1")))

	after, err := l.TreeSpend(ctx, "old")
	require.NoError(t, err, "another tree's rows survive a root registration")
	assert.True(t, after.Actual.Equal(before.Actual), "actual %s, was %s", after.Actual, before.Actual)
	assert.True(t, after.Reserved.Equal(before.Reserved))
	assert.Equal(t, 2, after.Threads)
	assert.Equal(t, 0, after.Active)

	// Re-registering the finished root starts it over.
	require.NoError(t, l.Register(ctx, "old", d("2")))
	e, err := l.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, Active, e.Status)
	assert.True(t, e.Max.Equal(d("2")))
	_, err = l.Get(ctx, "old-child")
	assert.ErrorIs(t, err, ErrNotRegistered)

	// Registering an active id changes nothing.
	require.NoError(t, l.Register(ctx, "new", d("5")))
	e, err = l.Get(ctx, "new")
	require.NoError(t, err)
	assert.True(t, e.Max.Equal(d("1")))
}

func TestReserveUnderReleasedParentDenied(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Register(ctx, "root", d("1")))
	require.NoError(t, l.Reserve(ctx, "p", d("0.6"), "root"))
	_, err := l.ReportActual(ctx, "p", d("0.1"))
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "p", Completed))

	rem, err := l.Remaining(ctx, "p")
	require.NoError(t, err)
	assert.True(t, rem.IsZero(), "remaining %s", rem)

	err = l.Reserve(ctx, "late", d("0.5"), "p")
	var ib *InsufficientBudgetError
	require.True(t, errors.As(err, &ib), "got %v", err)
	assert.True(t, ib.Remaining.IsZero())

	// The root got back everything p did not spend.
	rem, err = l.Remaining(ctx, "root")
	require.NoError(t, err)
	assert.True(t, rem.Equal(d("0.9")), "remaining %s", rem)
}

func TestReserveNegative(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Register(ctx, "p", d("1")))
	assert.Error(t, l.Reserve(ctx, "c", d("-1"), "p"))
}
