package storage

import (
	"context"

	"canary-pipeline/internal/domain"
)

// Checkpoint is the orchestrator position persisted across restarts.
type Checkpoint struct {
	CycleCount  int    // cycles executed so far
	LastCycleID string // id of the most recent cycle

	// Pending holds suggestions already taken from the source but not yet
	// turned into tests.
	Pending []domain.ImprovementSuggestion
}

// CheckpointStore persists orchestrator progress so a restarted process
// neither resets its cycle counter nor turns an already-seen suggestion
// into a second test.
type CheckpointStore interface {
	// GetCheckpoint returns the last saved checkpoint.
	// Returns ErrNotFound if none has been saved yet.
	GetCheckpoint(ctx context.Context) (*Checkpoint, error)

	// SetCheckpoint saves the checkpoint.
	SetCheckpoint(ctx context.Context, c *Checkpoint) error

	// IsSuggestionSeen checks if a suggestion id has been accepted or rejected.
	IsSuggestionSeen(ctx context.Context, suggestionID string) (bool, error)

	// MarkSuggestionSeen records that a suggestion id has been handled.
	MarkSuggestionSeen(ctx context.Context, suggestionID string) error
}
