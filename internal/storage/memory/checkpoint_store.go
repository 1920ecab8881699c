package memory

import (
	"context"
	"slices"
	"sync"

	"canary-pipeline/internal/storage"
)

// CheckpointStore is an in-memory implementation of storage.CheckpointStore.
type CheckpointStore struct {
	mu         sync.RWMutex
	checkpoint *storage.Checkpoint
	seen       map[string]bool
}

// NewCheckpointStore creates a new in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		seen: make(map[string]bool),
	}
}

// Compile-time interface check.
var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// GetCheckpoint returns the last saved checkpoint.
func (s *CheckpointStore) GetCheckpoint(_ context.Context) (*storage.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.checkpoint == nil {
		return nil, storage.ErrNotFound
	}
	cp := *s.checkpoint
	cp.Pending = slices.Clone(cp.Pending)
	return &cp, nil
}

// SetCheckpoint saves the checkpoint.
func (s *CheckpointStore) SetCheckpoint(_ context.Context, c *storage.Checkpoint) error {
	if c == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	cp.Pending = slices.Clone(c.Pending)
	s.checkpoint = &cp
	return nil
}

// IsSuggestionSeen checks if a suggestion id has been handled.
func (s *CheckpointStore) IsSuggestionSeen(_ context.Context, suggestionID string) (bool, error) {
	if suggestionID == "" {
		return false, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.seen[suggestionID], nil
}

// MarkSuggestionSeen records that a suggestion id has been handled.
func (s *CheckpointStore) MarkSuggestionSeen(_ context.Context, suggestionID string) error {
	if suggestionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen[suggestionID] = true
	return nil
}
