package memory

import (
	"context"
	"sync"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/storage"
)

// CycleStore is an in-memory implementation of storage.CycleStore.
// Records are kept in append order.
type CycleStore struct {
	mu     sync.RWMutex
	cycles []*domain.ImprovementCycleResults
	ids    map[string]struct{}
}

// NewCycleStore creates a new in-memory cycle store.
func NewCycleStore() *CycleStore {
	return &CycleStore{ids: make(map[string]struct{})}
}

// Compile-time interface check.
var _ storage.CycleStore = (*CycleStore)(nil)

// Append adds a cycle record. Returns ErrDuplicateKey if cycle_id exists.
func (s *CycleStore) Append(_ context.Context, c *domain.ImprovementCycleResults) error {
	if c == nil || c.CycleID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[c.CycleID]; exists {
		return storage.ErrDuplicateKey
	}
	s.ids[c.CycleID] = struct{}{}
	s.cycles = append(s.cycles, copyCycle(c))
	return nil
}

// GetAll retrieves all cycles in append order.
func (s *CycleStore) GetAll(_ context.Context) ([]*domain.ImprovementCycleResults, error) {
	return s.tail(-1), nil
}

// GetRecent retrieves the last n cycles.
func (s *CycleStore) GetRecent(_ context.Context, n int) ([]*domain.ImprovementCycleResults, error) {
	if n < 0 {
		return nil, storage.ErrInvalidInput
	}
	return s.tail(n), nil
}

func (s *CycleStore) tail(n int) []*domain.ImprovementCycleResults {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if n >= 0 && n < len(s.cycles) {
		start = len(s.cycles) - n
	}
	result := make([]*domain.ImprovementCycleResults, 0, len(s.cycles)-start)
	for _, c := range s.cycles[start:] {
		result = append(result, copyCycle(c))
	}
	return result
}

func copyCycle(c *domain.ImprovementCycleResults) *domain.ImprovementCycleResults {
	cp := *c
	cp.Errors = append([]string(nil), c.Errors...)
	return &cp
}
