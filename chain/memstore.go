package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/everydev1618/threads/capability"
)

var spaceOrder = []Space{SpaceProject, SpaceUser, SpaceSystem}

// MemoryStore is an in-process ItemStore keyed by space and id.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[Space]map[string]*Item
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[Space]map[string]*Item)}
}

// Put adds or replaces an item in its space. Items without a space land in
// the project space.
func (m *MemoryStore) Put(it *Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it.Space == "" {
		it.Space = SpaceProject
	}
	if m.items[it.Space] == nil {
		m.items[it.Space] = make(map[string]*Item)
	}
	m.items[it.Space][it.ID] = it
}

// Remove deletes an item from a space.
func (m *MemoryStore) Remove(space Space, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items[space], id)
}

// Lookup implements ItemStore.
func (m *MemoryStore) Lookup(_ context.Context, kind capability.Kind, id string, from Space) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range spaceOrder {
		if from != "" && s.Precedence() > from.Precedence() {
			continue
		}
		if it, ok := m.items[s][id]; ok && (it.Kind == "" || it.Kind == kind) {
			return it, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}
