package poller

import (
	"context"
	"sync"
	"time"
)

// MemorySource is an in-process StateSource. It suits embedded runs where the
// starter and the state reporter live in the same process.
type MemorySource struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{records: make(map[string]Record)}
}

// Set records the state of key, replacing any earlier record.
func (m *MemorySource) Set(key string, state State, reference, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = Record{
		Key:       key,
		State:     state,
		Reference: reference,
		Error:     errMsg,
		UpdatedAt: time.Now(),
	}
}

// Delete forgets key.
func (m *MemorySource) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
}

// Lookup implements StateSource.
func (m *MemorySource) Lookup(_ context.Context, key string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok, nil
}
