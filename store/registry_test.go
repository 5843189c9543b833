package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/threads/harness"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "threads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	require.NoError(t, r.Register(ctx, Record{ThreadID: "T-1", Directive: "research"}))
	err := r.Register(ctx, Record{ThreadID: "T-1"})
	assert.ErrorIs(t, err, ErrExists)

	rec, err := r.Get(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, "research", rec.Directive)
	assert.Equal(t, harness.StatusCreated, rec.Status)
	assert.True(t, rec.Spend.IsZero())
	assert.Nil(t, rec.CompletedAt)
	assert.False(t, rec.CreatedAt.IsZero())

	_, err = r.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusEnforcesStateMachine(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	require.NoError(t, r.Register(ctx, Record{ThreadID: "T-1"}))

	require.NoError(t, r.UpdateStatus(ctx, "T-1", harness.StatusRunning))
	require.NoError(t, r.UpdateStatus(ctx, "T-1", harness.StatusRunning))
	require.NoError(t, r.UpdateStatus(ctx, "T-1", harness.StatusSuspended))
	require.NoError(t, r.UpdateStatus(ctx, "T-1", harness.StatusRunning))

	require.NoError(t, r.Complete(ctx, "T-1", harness.StatusCompleted, "done", ""))
	rec, err := r.Get(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, harness.StatusCompleted, rec.Status)
	assert.Equal(t, "done", rec.Result)
	assert.NotNil(t, rec.CompletedAt)

	err = r.UpdateStatus(ctx, "T-1", harness.StatusRunning)
	assert.ErrorIs(t, err, harness.ErrInvalidTransition)

	err = r.UpdateStatus(ctx, "missing", harness.StatusRunning)
	assert.ErrorIs(t, err, ErrNotFound)

	err = r.Complete(ctx, "T-1", harness.StatusRunning, "", "")
	assert.Error(t, err)
}

func TestUpdateUsage(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	require.NoError(t, r.Register(ctx, Record{ThreadID: "T-1"}))

	require.NoError(t, r.UpdateUsage(ctx, "T-1", harness.Usage{
		Turns: 3, InputTokens: 1200, OutputTokens: 300,
		Spend: decimal.RequireFromString("0.0421"), Spawns: 2,
	}))
	rec, err := r.Get(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Turns)
	assert.Equal(t, 1500, rec.InputTokens+rec.OutputTokens)
	assert.Equal(t, "0.0421", rec.Spend.String())
	assert.Equal(t, 2, rec.SpawnCount)

	assert.ErrorIs(t, r.UpdateUsage(ctx, "missing", harness.Usage{}), ErrNotFound)
}

func TestChildrenAndListByStatus(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	require.NoError(t, r.Register(ctx, Record{ThreadID: "root"}))
	require.NoError(t, r.Register(ctx, Record{ThreadID: "a", ParentID: "root"}))
	require.NoError(t, r.Register(ctx, Record{ThreadID: "b", ParentID: "root"}))
	require.NoError(t, r.UpdateStatus(ctx, "a", harness.StatusRunning))

	kids, err := r.Children(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, kids, 2)

	running, err := r.ListByStatus(ctx, harness.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a", running[0].ThreadID)

	all, err := r.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestContinuationChain(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	for _, id := range []string{"T-1", "T-2", "T-3"} {
		require.NoError(t, r.Register(ctx, Record{ThreadID: id, Directive: "long"}))
	}
	require.NoError(t, r.SetContinuation(ctx, "T-1", "T-2"))
	require.NoError(t, r.SetContinuation(ctx, "T-2", "T-3"))

	for _, from := range []string{"T-1", "T-2", "T-3"} {
		chain, err := r.Chain(ctx, from)
		require.NoError(t, err)
		var ids []string
		for _, rec := range chain {
			ids = append(ids, rec.ThreadID)
		}
		assert.Equal(t, []string{"T-1", "T-2", "T-3"}, ids, "from %s", from)
	}

	assert.ErrorIs(t, r.SetContinuation(ctx, "T-3", "ghost"), ErrNotFound)
	rec, err := r.Get(ctx, "T-3")
	require.NoError(t, err)
	assert.Empty(t, rec.ContinuationThreadID, "failed link must roll back")
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	require.NoError(t, r.AppendEvent(ctx, "T-1", "started", ""))
	require.NoError(t, r.AppendEvent(ctx, "T-1", "completed", `{"turns":2}`))
	require.NoError(t, r.AppendEvent(ctx, "T-2", "started", ""))

	events, err := r.Events(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Type)
	assert.Equal(t, `{"turns":2}`, events[1].Data)
}
