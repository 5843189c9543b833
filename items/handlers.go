package items

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"

	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/chain"
)

const defaultSearchLimit = 20

// Handlers answers search, load and sign actions from a Store. Sign is only
// available when Key is set.
type Handlers struct {
	Store *Store
	Key   ed25519.PrivateKey
}

// Options registers the handlers on a dispatcher.
func (h *Handlers) Options() []action.DispatcherOption {
	return []action.DispatcherOption{
		action.WithSearcher(h),
		action.WithLoader(h),
		action.WithSigner(h),
	}
}

// Search implements action.Searcher. Items match when the query appears in
// their id or description; an empty query matches everything.
func (h *Handlers) Search(ctx context.Context, a action.Search) (*action.Result, error) {
	entries, err := h.Store.List(ctx, a.ItemKind())
	if err != nil {
		return nil, err
	}
	limit := a.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	q := strings.ToLower(a.Query)
	var found []any
	for _, e := range entries {
		if len(found) == limit {
			break
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(e.Item.ID), q) &&
			!strings.Contains(strings.ToLower(e.Manifest.Description), q) {
			continue
		}
		found = append(found, map[string]any{
			"item_id":     e.Item.ID,
			"space":       string(e.Item.Space),
			"description": e.Manifest.Description,
			"signed":      e.Item.Signature != nil,
		})
	}
	return action.Success(map[string]any{"results": found, "count": len(found)}), nil
}

// Load implements action.Loader.
func (h *Handlers) Load(ctx context.Context, a action.Load) (*action.Result, error) {
	it, m, err := h.Store.Manifest(ctx, a.ItemKind(), a.ItemID)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return action.Failure("%s %s not found", a.ItemKind(), a.ItemID), nil
		}
		return nil, err
	}
	data := map[string]any{
		"item_id": it.ID,
		"space":   string(it.Space),
		"raw":     string(it.Content),
	}
	if m.Body != "" {
		data["content"] = m.Body
	}
	if m.Description != "" {
		data["description"] = m.Description
	}
	return action.Success(data), nil
}

// Sign implements action.Signer. It signs the highest-precedence file for
// the item.
func (h *Handlers) Sign(ctx context.Context, a action.Sign) (*action.Result, error) {
	if h.Key == nil {
		return action.Failure("no signing key configured"), nil
	}
	it, _, err := h.Store.Manifest(ctx, a.ItemKind(), a.ItemID)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return action.Failure("%s %s not found", a.ItemKind(), a.ItemID), nil
		}
		return nil, err
	}
	path, err := h.Store.Path(it.Space, kindOf(it), it.ID)
	if err != nil {
		return nil, err
	}
	sig, err := SignFile(path, h.Key)
	if err != nil {
		return nil, err
	}
	return action.Success(map[string]any{
		"item_id":     it.ID,
		"path":        path,
		"hash":        sig.Hash,
		"fingerprint": sig.Fingerprint,
	}), nil
}

func kindOf(it *chain.Item) capability.Kind {
	if it.Kind == "" {
		return capability.Tool
	}
	return it.Kind
}
