package auth

import (
	"context"
	"sync"
)

// Storage holds the current credential snapshot. Implementations do no
// validation; the Session derives everything it needs.
type Storage interface {
	// Get returns the stored snapshot, or the zero snapshot if nothing is stored
	Get(ctx context.Context) (AuthenticationData, error)

	// Set replaces the stored snapshot wholesale
	Set(ctx context.Context, data AuthenticationData) error
}

// MemoryStorage keeps the snapshot in process memory
type MemoryStorage struct {
	mu   sync.RWMutex
	data AuthenticationData
}

// NewMemoryStorage returns an empty in-memory slot
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Get returns the stored snapshot
func (m *MemoryStorage) Get(_ context.Context) (AuthenticationData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data, nil
}

// Set replaces the stored snapshot
func (m *MemoryStorage) Set(_ context.Context, data AuthenticationData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	return nil
}

var _ Storage = (*MemoryStorage)(nil)
