package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps chains in process. Saved and loaded chains are copies.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string]*Chain
	saves  int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string]*Chain)}
}

// SaveChain implements Store.
func (m *MemoryStore) SaveChain(_ context.Context, c *Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[c.ID] = c.Clone()
	m.saves++
	return nil
}

// LoadChain implements Store.
func (m *MemoryStore) LoadChain(_ context.Context, id string) (*Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// ListChains returns all stored chains, newest first.
func (m *MemoryStore) ListChains(_ context.Context) ([]*Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Chain, 0, len(m.chains))
	for _, c := range m.chains {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Saves reports how many times SaveChain has been called.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
