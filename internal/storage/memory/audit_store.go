package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/storage"
)

// AuditStore is an in-memory implementation of storage.AuditStore.
type AuditStore struct {
	mu     sync.RWMutex
	byID   map[string]struct{}
	byTest map[string][]*domain.AuditEvent
}

// NewAuditStore creates a new in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{
		byID:   make(map[string]struct{}),
		byTest: make(map[string][]*domain.AuditEvent),
	}
}

// Compile-time interface check.
var _ storage.AuditStore = (*AuditStore)(nil)

// Insert adds an event. Returns ErrDuplicateKey if event_id exists.
func (s *AuditStore) Insert(_ context.Context, e *domain.AuditEvent) error {
	if e == nil || e.EventID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[e.EventID]; exists {
		return storage.ErrDuplicateKey
	}
	s.byID[e.EventID] = struct{}{}
	s.byTest[e.TestID] = append(s.byTest[e.TestID], copyEvent(e))
	return nil
}

// GetByTestID retrieves a test's events ordered by timestamp, then event_id.
func (s *AuditStore) GetByTestID(_ context.Context, testID string) ([]*domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byTest[testID]
	result := make([]*domain.AuditEvent, 0, len(events))
	for _, e := range events {
		result = append(result, copyEvent(e))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.Before(result[j].Timestamp)
		}
		return result[i].EventID < result[j].EventID
	})
	return result, nil
}

func copyEvent(e *domain.AuditEvent) *domain.AuditEvent {
	cp := *e
	cp.Details = maps.Clone(e.Details)
	return &cp
}
