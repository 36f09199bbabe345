package store

import (
	"context"
	"encoding/json"
	"sync"
)

type memorySession struct {
	values map[string]json.RawMessage
	lists  map[string][]json.RawMessage
}

// MemoryStore keeps session logs in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

// NewMemory creates an empty in-memory SessionLog.
func NewMemory() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (m *MemoryStore) session(sessionID string) *memorySession {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &memorySession{
			values: make(map[string]json.RawMessage),
			lists:  make(map[string][]json.RawMessage),
		}
		m.sessions[sessionID] = s
	}
	return s
}

// Get returns the value or list stored at key.
func (m *MemoryStore) Get(_ context.Context, sessionID, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if v, ok := s.values[key]; ok {
		return clone(v), nil
	}
	if items, ok := s.lists[key]; ok && len(items) > 0 {
		return joinItems(items), nil
	}
	return nil, ErrNotFound
}

// Set replaces the value stored at key.
func (m *MemoryStore) Set(_ context.Context, sessionID, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(sessionID).values[key] = clone(value)
	return nil
}

// Push appends an item to the list at key.
func (m *MemoryStore) Push(_ context.Context, sessionID, key string, item json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	s.lists[key] = append(s.lists[key], clone(item))
	return nil
}

// List returns the last limit items at key.
func (m *MemoryStore) List(_ context.Context, sessionID, key string, limit int) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	items := tail(s.lists[key], limit)
	out := make([]json.RawMessage, len(items))
	for i, it := range items {
		out[i] = clone(it)
	}
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func clone(b json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}
