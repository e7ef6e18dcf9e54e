// Package memory provides in-memory storage implementations for tests and
// single-process runs without external dependencies.
package memory

import (
	"context"
	"sync"

	"dexfeed/internal/domain"
	"dexfeed/internal/storage"
)

// CursorStore is an in-memory implementation of storage.CursorStore.
type CursorStore struct {
	mu      sync.RWMutex
	cursors map[string]domain.ChainCursor
}

// Compile-time interface check.
var _ storage.CursorStore = (*CursorStore)(nil)

// NewCursorStore creates an empty in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]domain.ChainCursor)}
}

// Save upserts the cursor for its chain.
func (s *CursorStore) Save(_ context.Context, cursor domain.ChainCursor) error {
	if cursor.ChainID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursor.ChainID] = cursor
	return nil
}

// Load returns the cursor for a chain, or ErrNotFound.
func (s *CursorStore) Load(_ context.Context, chainID string) (domain.ChainCursor, error) {
	if chainID == "" {
		return domain.ChainCursor{}, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cursor, ok := s.cursors[chainID]
	if !ok {
		return domain.ChainCursor{}, storage.ErrNotFound
	}
	return cursor, nil
}
