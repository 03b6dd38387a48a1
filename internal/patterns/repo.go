package patterns

import (
	"context"
	"sync"

	"github.com/miradorstack/mirador-watchdog/internal/models"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, patterns []models.FailurePattern) error

// StorePatterns implements Store.
func (f StoreFunc) StorePatterns(ctx context.Context, patterns []models.FailurePattern) error {
	return f(ctx, patterns)
}

// MemoryStore keeps the most recently mined pattern set.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns []models.FailurePattern
}

// StorePatterns replaces the retained set.
func (s *MemoryStore) StorePatterns(_ context.Context, patterns []models.FailurePattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append([]models.FailurePattern(nil), patterns...)
	return nil
}

// Patterns returns a copy of the retained set.
func (s *MemoryStore) Patterns() []models.FailurePattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.FailurePattern(nil), s.patterns...)
}
