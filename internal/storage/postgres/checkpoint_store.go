package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/storage"
)

// CheckpointStore is a PostgreSQL implementation of storage.CheckpointStore.
// Uses two tables:
//   - pipeline_checkpoint: single row with (cycle_count, last_cycle_id,
//     pending_suggestions as JSONB)
//   - seen_suggestions: set of handled suggestion ids
type CheckpointStore struct {
	pool *Pool
}

// NewCheckpointStore creates a new PostgreSQL checkpoint store.
func NewCheckpointStore(pool *Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// GetCheckpoint returns the last saved checkpoint.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context) (*storage.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT cycle_count, last_cycle_id, pending_suggestions
		FROM pipeline_checkpoint
		WHERE id = 1
	`)

	var (
		cp      storage.Checkpoint
		pending []byte
	)
	if err := row.Scan(&cp.CycleCount, &cp.LastCycleID, &pending); err != nil {
		return nil, mapError("get checkpoint", err)
	}
	if err := json.Unmarshal(pending, &cp.Pending); err != nil {
		return nil, fmt.Errorf("decode pending suggestions: %w", err)
	}
	return &cp, nil
}

// SetCheckpoint upserts the single checkpoint row.
func (s *CheckpointStore) SetCheckpoint(ctx context.Context, c *storage.Checkpoint) error {
	if c == nil {
		return storage.ErrInvalidInput
	}

	pending := c.Pending
	if pending == nil {
		pending = []domain.ImprovementSuggestion{}
	}
	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encode pending suggestions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_checkpoint (id, cycle_count, last_cycle_id, pending_suggestions, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET cycle_count = EXCLUDED.cycle_count,
		    last_cycle_id = EXCLUDED.last_cycle_id,
		    pending_suggestions = EXCLUDED.pending_suggestions,
		    updated_at = NOW()
	`, c.CycleCount, c.LastCycleID, payload)
	return mapError("set checkpoint", err)
}

// IsSuggestionSeen checks if a suggestion id has been handled.
func (s *CheckpointStore) IsSuggestionSeen(ctx context.Context, suggestionID string) (bool, error) {
	if suggestionID == "" {
		return false, storage.ErrInvalidInput
	}

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM seen_suggestions WHERE suggestion_id = $1)
	`, suggestionID).Scan(&exists)
	if err != nil {
		return false, mapError("check seen suggestion", err)
	}
	return exists, nil
}

// MarkSuggestionSeen records that a suggestion id has been handled.
func (s *CheckpointStore) MarkSuggestionSeen(ctx context.Context, suggestionID string) error {
	if suggestionID == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO seen_suggestions (suggestion_id, seen_at)
		VALUES ($1, NOW())
		ON CONFLICT (suggestion_id) DO NOTHING
	`, suggestionID)
	return mapError("mark suggestion seen", err)
}
