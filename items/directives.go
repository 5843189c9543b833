package items

import (
	"context"
	"errors"
	"fmt"

	"github.com/everydev1618/threads"
	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/chain"
)

// Directives serves directive and tool items from a Store. When Trust is
// set, every directive must carry a valid signature from a trusted key.
type Directives struct {
	Store    *Store
	Trust    chain.Trust
	Verifier chain.Verifier
}

// Directive implements threads.DirectiveSource.
func (d *Directives) Directive(ctx context.Context, id string) (*threads.Directive, error) {
	it, m, err := d.Store.Manifest(ctx, capability.Directive, id)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", threads.ErrDirectiveNotFound, id)
		}
		return nil, err
	}
	if m.ID != id {
		return nil, fmt.Errorf("directive file declares id %q, expected %q", m.ID, id)
	}
	if d.Trust != nil {
		if _, err := chain.Verify(it, d.Trust, d.Verifier); err != nil {
			return nil, err
		}
	}
	limits, err := m.Limits.ToLimits()
	if err != nil {
		return nil, fmt.Errorf("directive %s: %w", id, err)
	}
	return &threads.Directive{
		ID:                m.ID,
		Description:       m.Description,
		Body:              m.Body,
		Capabilities:      m.Capabilities,
		AcknowledgedRisks: m.AcknowledgedRisks,
		Limits:            limits,
		Hooks:             m.Hooks,
		Model:             m.Model,
	}, nil
}

// Tools lists the tool items visible in the store as model-callable tools.
// Permission filtering happens per thread.
func (d *Directives) Tools(ctx context.Context) ([]threads.Tool, error) {
	entries, err := d.Store.List(ctx, capability.Tool)
	if err != nil {
		return nil, err
	}
	out := make([]threads.Tool, 0, len(entries))
	for _, e := range entries {
		schema := e.Manifest.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, threads.Tool{
			ItemID:      e.Item.ID,
			Kind:        capability.Tool,
			Description: e.Manifest.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}
