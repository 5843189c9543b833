// Package action defines the four primary operations a thread or hook can
// request (execute, search, load, sign) as a closed set of typed values,
// and dispatches them to one handler per kind.
package action

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/condition"
)

// Action is one of Execute, Search, Load or Sign.
type Action interface {
	Verb() capability.Action
	ItemKind() capability.Kind
	// Target is the item id the permission check runs against; empty for search.
	Target() string
	isAction()
}

// Execute runs an item.
type Execute struct {
	Kind   capability.Kind
	ItemID string
	Params map[string]any
}

// Search queries items of a kind.
type Search struct {
	Kind  capability.Kind
	Query string
	Limit int
}

// Load reads an item's content.
type Load struct {
	Kind   capability.Kind
	ItemID string
}

// Sign signs an item.
type Sign struct {
	Kind   capability.Kind
	ItemID string
}

func (Execute) Verb() capability.Action { return capability.Execute }
func (Search) Verb() capability.Action  { return capability.Search }
func (Load) Verb() capability.Action    { return capability.Load }
func (Sign) Verb() capability.Action    { return capability.Sign }

func (a Execute) ItemKind() capability.Kind { return kindOr(a.Kind) }
func (a Search) ItemKind() capability.Kind  { return kindOr(a.Kind) }
func (a Load) ItemKind() capability.Kind    { return kindOr(a.Kind) }
func (a Sign) ItemKind() capability.Kind    { return kindOr(a.Kind) }

func (a Execute) Target() string { return a.ItemID }
func (Search) Target() string    { return "" }
func (a Load) Target() string    { return a.ItemID }
func (a Sign) Target() string    { return a.ItemID }

func (Execute) isAction() {}
func (Search) isAction()  {}
func (Load) isAction()    {}
func (Sign) isAction()    {}

func kindOr(k capability.Kind) capability.Kind {
	if k == "" {
		return capability.Tool
	}
	return k
}

// ErrInvalidSpec is returned by FromSpec for unusable action maps.
var ErrInvalidSpec = errors.New("invalid action spec")

// FromSpec converts a declarative action map, as written in hook
// definitions, into a typed Action. Recognised keys are primary,
// item_type, item_id, params, query and limit.
func FromSpec(spec map[string]any) (Action, error) {
	if len(spec) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSpec)
	}
	primary := capability.Action(str(spec["primary"]))
	if primary == "" {
		primary = capability.Execute
	}
	kind := capability.Kind(str(spec["item_type"]))
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown item_type %q", ErrInvalidSpec, kind)
	}
	id := str(spec["item_id"])

	switch primary {
	case capability.Execute:
		if id == "" {
			return nil, fmt.Errorf("%w: execute needs item_id", ErrInvalidSpec)
		}
		params, _ := spec["params"].(map[string]any)
		return Execute{Kind: kind, ItemID: id, Params: params}, nil
	case capability.Search:
		limit := 0
		switch n := spec["limit"].(type) {
		case int:
			limit = n
		case int64:
			limit = int(n)
		case float64:
			limit = int(n)
		case string:
			limit, _ = strconv.Atoi(n)
		}
		return Search{Kind: kind, Query: str(spec["query"]), Limit: limit}, nil
	case capability.Load:
		if id == "" {
			return nil, fmt.Errorf("%w: load needs item_id", ErrInvalidSpec)
		}
		return Load{Kind: kind, ItemID: id}, nil
	case capability.Sign:
		if id == "" {
			return nil, fmt.Errorf("%w: sign needs item_id", ErrInvalidSpec)
		}
		return Sign{Kind: kind, ItemID: id}, nil
	}
	return nil, fmt.Errorf("%w: unknown primary %q", ErrInvalidSpec, primary)
}

// Interpolate substitutes ${path} references from ctx into the action's
// string fields and params.
func Interpolate(a Action, ctx any) Action {
	switch a := a.(type) {
	case Execute:
		a.ItemID = condition.Render(a.ItemID, ctx)
		if a.Params != nil {
			a.Params, _ = condition.Interpolate(a.Params, ctx).(map[string]any)
		}
		return a
	case Search:
		a.Query = condition.Render(a.Query, ctx)
		return a
	case Load:
		a.ItemID = condition.Render(a.ItemID, ctx)
		return a
	case Sign:
		a.ItemID = condition.Render(a.ItemID, ctx)
		return a
	}
	return a
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return condition.Stringify(v)
}
