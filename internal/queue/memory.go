package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps items in process memory. Used by tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]map[string]json.RawMessage)}
}

func (m *MemoryStore) Push(_ context.Context, path string, item json.RawMessage) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[path] == nil {
		m.items[path] = make(map[string]json.RawMessage)
	}
	m.items[path][id.String()] = clone(item)
	return id.String(), nil
}

func (m *MemoryStore) Get(_ context.Context, path, id string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[path][id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(item), nil
}

func (m *MemoryStore) ReadAll(_ context.Context, path string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.items[path]))
	for id, item := range m.items[path] {
		out[id] = clone(item)
	}
	return out, nil
}

func (m *MemoryStore) Remove(_ context.Context, path, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items[path], id)
	return nil
}

func (m *MemoryStore) SetField(_ context.Context, path, id, field string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[path][id]
	if !ok {
		return ErrNotFound
	}
	updated, err := WithField(item, field, value)
	if err != nil {
		return err
	}
	m.items[path][id] = updated
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of items under path.
func (m *MemoryStore) Len(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items[path])
}

func clone(b json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}
