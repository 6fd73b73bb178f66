package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is the last-resort engine: process-local and lost on exit,
// but always available. With this at the end of a chain the reconciler
// keeps functioning statelessly when every durable engine is broken.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory engine.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get implements Store.Get.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set implements Store.Set.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = stored
	return nil
}

// Remove implements Store.Remove.
func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Close implements Store.Close.
func (m *MemoryStore) Close() error {
	return nil
}
