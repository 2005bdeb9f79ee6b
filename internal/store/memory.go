package store

import (
	"context"
	"maps"
	"sync"
)

// Memory keeps the record in process memory. Nothing survives a restart.
type Memory struct {
	mu     sync.Mutex
	fields map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{fields: map[string]string{}}
}

// Load implements Store.
func (m *Memory) Load(_ context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RecordFromFields(m.fields), nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields = merge(m.fields, rec)
	return nil
}

// Clear implements Store.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.fields)
	return nil
}

// Ping implements Store.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Snapshot returns a copy of the raw persisted fields.
func (m *Memory) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.fields)
}
