package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/threads/capability"
)

func TestFromSpec(t *testing.T) {
	tests := []struct {
		name string
		spec map[string]any
		want Action
		err  bool
	}{
		{
			name: "execute defaults",
			spec: map[string]any{"item_id": "fs/read", "params": map[string]any{"path": "/tmp"}},
			want: Execute{ItemID: "fs/read", Params: map[string]any{"path": "/tmp"}},
		},
		{
			name: "search with limit",
			spec: map[string]any{"primary": "search", "item_type": "knowledge", "query": "go", "limit": 5},
			want: Search{Kind: capability.Knowledge, Query: "go", Limit: 5},
		},
		{
			name: "load",
			spec: map[string]any{"primary": "load", "item_type": "knowledge", "item_id": "rules/style"},
			want: Load{Kind: capability.Knowledge, ItemID: "rules/style"},
		},
		{
			name: "sign",
			spec: map[string]any{"primary": "sign", "item_id": "x"},
			want: Sign{ItemID: "x"},
		},
		{name: "empty", spec: nil, err: true},
		{name: "execute without id", spec: map[string]any{"primary": "execute"}, err: true},
		{name: "bad primary", spec: map[string]any{"primary": "delete", "item_id": "x"}, err: true},
		{name: "bad kind", spec: map[string]any{"item_type": "widget", "item_id": "x"}, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromSpec(tt.spec)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidSpec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActionTargets(t *testing.T) {
	assert.Equal(t, capability.Tool, Execute{ItemID: "a"}.ItemKind())
	assert.Equal(t, "a", Execute{ItemID: "a"}.Target())
	assert.Equal(t, "", Search{Query: "q"}.Target())
	assert.Equal(t, capability.Search, Search{}.Verb())
	assert.Equal(t, capability.Sign, Sign{}.Verb())
}

func TestInterpolate(t *testing.T) {
	ctx := map[string]any{
		"limit_code":    "turns_exceeded",
		"current_value": 25,
		"thread":        map[string]any{"id": "t-1"},
	}
	a := Execute{
		ItemID: ControlID,
		Params: map[string]any{
			"action":        "escalate",
			"limit_type":    "${limit_code}",
			"current_value": "${current_value}",
			"note":          "thread ${thread.id} costs $$5",
		},
	}
	got := Interpolate(a, ctx).(Execute)
	assert.Equal(t, "turns_exceeded", got.Params["limit_type"])
	assert.Equal(t, 25, got.Params["current_value"])
	assert.Equal(t, "thread t-1 costs $5", got.Params["note"])
	assert.Equal(t, "${limit_code}", a.Params["limit_type"], "original untouched")

	l := Interpolate(Load{ItemID: "identity/${thread.id}"}, ctx).(Load)
	assert.Equal(t, "identity/t-1", l.ItemID)
}

type fakeLoader struct{ content string }

func (f fakeLoader) Load(_ context.Context, a Load) (*Result, error) {
	return Success(map[string]any{"content": f.content, "id": a.ItemID}), nil
}

func TestDispatch(t *testing.T) {
	var executed []string
	d := NewDispatcher(
		WithExecutor(ExecutorFunc(func(_ context.Context, a Execute) (*Result, error) {
			executed = append(executed, a.ItemID)
			return Success(map[string]any{"ok": true}), nil
		})),
		WithLoader(fakeLoader{content: "be concise"}),
	)

	res, err := d.Dispatch(context.Background(), Execute{ItemID: "fs/read"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, []string{"fs/read"}, executed)

	res, err = d.Dispatch(context.Background(), Load{ItemID: "style"})
	require.NoError(t, err)
	assert.Equal(t, "be concise", res.Content())

	_, err = d.Dispatch(context.Background(), Search{Query: "x"})
	assert.True(t, errors.Is(err, ErrNoHandler))

	// Control calls never reach the general executor.
	res, err = d.Dispatch(context.Background(), Execute{ItemID: ControlID, Params: map[string]any{"action": "retry"}})
	require.NoError(t, err)
	assert.Equal(t, "retry", res.Data["action"])
	assert.Equal(t, []string{"fs/read"}, executed)
}

func TestControlExecutor(t *testing.T) {
	run := func(params map[string]any) *Result {
		res, err := ControlExecutor{}.Execute(context.Background(), Execute{ItemID: ControlID, Params: params})
		require.NoError(t, err)
		return res
	}

	assert.Nil(t, run(map[string]any{"action": "continue"}).Data)
	assert.Nil(t, run(map[string]any{"action": "skip"}).Data)
	assert.Nil(t, run(nil).Data)

	fail := run(map[string]any{"action": "fail"})
	assert.Equal(t, false, fail.Data["success"])
	assert.Equal(t, "Hook triggered failure", fail.Data["error"])

	esc := run(map[string]any{"action": "escalate", "limit_type": "turns_exceeded", "current_value": 10})
	assert.Equal(t, true, esc.Data["escalated"])
	assert.Equal(t, map[string]any{"limit_type": "turns_exceeded", "current_value": 10}, esc.Data["escalation"])

	sus := run(map[string]any{"action": "suspend", "suspend_reason": "waiting on review"})
	assert.Equal(t, "waiting on review", sus.Data["error"])

	bad := run(map[string]any{"action": "explode"})
	assert.False(t, bad.OK())
}

func TestResultContent(t *testing.T) {
	assert.Equal(t, "b", Success(map[string]any{"content": "  ", "body": "b"}).Content())
	assert.Equal(t, "r", Success(map[string]any{"raw": "r"}).Content())
	var nilResult *Result
	assert.Equal(t, "", nilResult.Content())
}
