package memory

import (
	"context"
	"sort"
	"sync"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/storage"
)

// TestStore is an in-memory implementation of storage.TestStore.
type TestStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ImprovementTest // keyed by test_id
}

// NewTestStore creates a new in-memory test store.
func NewTestStore() *TestStore {
	return &TestStore{
		data: make(map[string]*domain.ImprovementTest),
	}
}

// Compile-time interface check.
var _ storage.TestStore = (*TestStore)(nil)

// Insert adds a new test. Returns ErrDuplicateKey if test_id exists.
func (s *TestStore) Insert(_ context.Context, t *domain.ImprovementTest) error {
	if t == nil || t.TestID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.TestID]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[t.TestID] = t.Clone()
	return nil
}

// Update replaces a stored test. Returns ErrNotFound if test_id is unknown.
func (s *TestStore) Update(_ context.Context, t *domain.ImprovementTest) error {
	if t == nil || t.TestID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.TestID]; !exists {
		return storage.ErrNotFound
	}
	s.data[t.TestID] = t.Clone()
	return nil
}

// GetByID retrieves a test by its ID. Returns ErrNotFound if not exists.
func (s *TestStore) GetByID(_ context.Context, testID string) (*domain.ImprovementTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.data[testID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// GetActive retrieves all non-terminal tests.
func (s *TestStore) GetActive(_ context.Context) ([]*domain.ImprovementTest, error) {
	return s.filter(func(t *domain.ImprovementTest) bool { return t.IsActive() }), nil
}

// GetByPhase retrieves all tests in a phase.
func (s *TestStore) GetByPhase(_ context.Context, phase domain.Phase) ([]*domain.ImprovementTest, error) {
	return s.filter(func(t *domain.ImprovementTest) bool { return t.CurrentPhase == phase }), nil
}

func (s *TestStore) filter(keep func(*domain.ImprovementTest) bool) []*domain.ImprovementTest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ImprovementTest
	for _, t := range s.data {
		if keep(t) {
			result = append(result, t.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].TestID < result[j].TestID
	})
	return result
}
