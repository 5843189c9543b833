package threads

import (
	"context"
	"fmt"
	"time"

	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/condition"
	"github.com/everydev1618/threads/primitive"
)

// Item ids of the coordination tools every orchestrator serves. Threads see
// them only when granted execute on the id.
const (
	SpawnToolID = "threads/spawn"
	WaitToolID  = "threads/wait"
)

var (
	spawnToolDef = Tool{
		ItemID:      SpawnToolID,
		Description: "Start a child thread running a directive. Set async to return immediately with its id.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"directive": map[string]any{"type": "string", "description": "Directive id"},
				"inputs":    map[string]any{"type": "object", "description": "Directive inputs"},
				"async":     map[string]any{"type": "boolean", "description": "Return without waiting"},
			},
			"required": []string{"directive"},
		},
	}
	waitToolDef = Tool{
		ItemID:      WaitToolID,
		Description: "Wait for child threads to finish and collect their results.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"thread_ids":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"timeout_seconds": map[string]any{"type": "number"},
			},
			"required": []string{"thread_ids"},
		},
	}
)

// toolByName finds a catalog tool by the name the model used.
func (o *Orchestrator) toolByName(name string) (Tool, bool) {
	for _, t := range o.tools {
		if t.Name() == name || t.ItemID == name {
			return t, true
		}
	}
	return Tool{}, false
}

// callerThread resolves the thread a tool call came from.
func (o *Orchestrator) callerThread(ctx context.Context) (*Thread, error) {
	id := primitive.ThreadID(ctx)
	if id == "" {
		return nil, fmt.Errorf("%w: no calling thread", ErrThreadNotFound)
	}
	t := o.Get(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return t, nil
}

func (o *Orchestrator) spawnTool(ctx context.Context, a action.Execute) (*action.Result, error) {
	parent, err := o.callerThread(ctx)
	if err != nil {
		return nil, err
	}
	directive := condition.Stringify(a.Params["directive"])
	if directive == "" {
		return action.Failure("directive is required"), nil
	}
	if d := parent.harness.CheckPermission(capability.Execute, capability.Directive, directive); d != nil {
		return &action.Result{Status: action.StatusError, Error: d.Message(), Data: d.Fields()}, nil
	}
	inputs, _ := a.Params["inputs"].(map[string]any)
	async, _ := a.Params["async"].(bool)

	child, err := o.Spawn(ctx, SpawnRequest{
		Directive: directive,
		Inputs:    inputs,
		ParentID:  parent.ID,
		Async:     async,
	})
	if err != nil {
		return action.Failure("spawn %s: %v", directive, err), nil
	}
	res := child.snapshot()
	data := map[string]any{
		"thread_id": child.ID,
		"status":    string(res.Status),
	}
	if !async {
		data["result"] = res.Text
		if res.Error != "" {
			data["error"] = res.Error
		}
	}
	return action.Success(data), nil
}

func (o *Orchestrator) waitTool(ctx context.Context, a action.Execute) (*action.Result, error) {
	var ids []string
	switch v := a.Params["thread_ids"].(type) {
	case []string:
		ids = v
	case []any:
		for _, id := range v {
			ids = append(ids, condition.Stringify(id))
		}
	case string:
		ids = []string{v}
	}
	if len(ids) == 0 {
		return action.Failure("thread_ids is required"), nil
	}
	var timeout time.Duration
	if secs, ok := a.Params["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	w := o.Wait(ctx, ids, timeout)
	completed := make(map[string]any, len(w.Completed))
	for id, r := range w.Completed {
		entry := map[string]any{"thread_id": r.ThreadID, "status": string(r.Status), "result": r.Text}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		completed[id] = entry
	}
	return action.Success(map[string]any{
		"success":   w.Success(),
		"completed": completed,
		"timed_out": w.TimedOut,
		"not_found": w.NotFound,
	}), nil
}
