package storage

import (
	"context"

	"canary-pipeline/internal/domain"
)

// TestStore persists ImprovementTests. It is the source of truth for test
// state; every read returns a copy the caller may mutate freely.
type TestStore interface {
	// Insert adds a new test. Returns ErrDuplicateKey if test_id exists.
	Insert(ctx context.Context, t *domain.ImprovementTest) error

	// Update replaces a stored test. Returns ErrNotFound if test_id is unknown.
	Update(ctx context.Context, t *domain.ImprovementTest) error

	// GetByID retrieves a test by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, testID string) (*domain.ImprovementTest, error)

	// GetActive retrieves all non-terminal tests, ordered by created_at ASC, test_id ASC.
	GetActive(ctx context.Context) ([]*domain.ImprovementTest, error)

	// GetByPhase retrieves all tests in a phase, ordered by created_at ASC, test_id ASC.
	GetByPhase(ctx context.Context, phase domain.Phase) ([]*domain.ImprovementTest, error)
}

// CycleStore is an append-only log of cycle results.
type CycleStore interface {
	// Append adds a cycle record. Returns ErrDuplicateKey if cycle_id exists.
	Append(ctx context.Context, c *domain.ImprovementCycleResults) error

	// GetAll retrieves all cycles, ordered by execution_time ASC.
	GetAll(ctx context.Context) ([]*domain.ImprovementCycleResults, error)

	// GetRecent retrieves the last n cycles, ordered by execution_time ASC.
	GetRecent(ctx context.Context, n int) ([]*domain.ImprovementCycleResults, error)
}

// AuditStore is an append-only log of audit events.
type AuditStore interface {
	// Insert adds an event. Returns ErrDuplicateKey if event_id exists.
	Insert(ctx context.Context, e *domain.AuditEvent) error

	// GetByTestID retrieves a test's events, ordered by timestamp ASC, event_id ASC.
	GetByTestID(ctx context.Context, testID string) ([]*domain.AuditEvent, error)
}
