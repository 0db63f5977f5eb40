package session

import (
	"context"
	"sync"
)

// MemoryRepository is an in-process Repository. Records do not survive a
// restart; it is meant for development and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*Record),
	}
}

// Find returns a copy of the stored record, or nil if absent.
func (m *MemoryRepository) Find(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrRepositoryClosed
	}
	return cloneRecord(m.records[id]), nil
}

// Upsert stores a copy of rec.
func (m *MemoryRepository) Upsert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrRepositoryClosed
	}
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Close marks the repository closed and drops its records.
func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	return nil
}

// Count returns the number of stored records.
// This is for monitoring/testing purposes.
func (m *MemoryRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
