package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/storage"
)

// TestStore implements storage.TestStore using PostgreSQL.
// Tests are stored as JSONB documents with indexed projections.
type TestStore struct {
	pool *Pool
}

// NewTestStore creates a new TestStore.
func NewTestStore(pool *Pool) *TestStore {
	return &TestStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TestStore = (*TestStore)(nil)

// Insert adds a new test. Returns ErrDuplicateKey if test_id exists.
func (s *TestStore) Insert(ctx context.Context, t *domain.ImprovementTest) error {
	if t == nil || t.TestID == "" {
		return storage.ErrInvalidInput
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal test: %w", err)
	}

	query := `
		INSERT INTO improvement_tests (
			test_id, name, improvement_type, current_phase, revert_pending,
			created_at, updated_at, completed_at, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.pool.Exec(ctx, query,
		t.TestID, t.Name, t.ImprovementType, string(t.CurrentPhase), t.RevertPending,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt, payload,
	)
	return mapError("insert improvement test", err)
}

// Update replaces a stored test. Returns ErrNotFound if test_id is unknown.
func (s *TestStore) Update(ctx context.Context, t *domain.ImprovementTest) error {
	if t == nil || t.TestID == "" {
		return storage.ErrInvalidInput
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal test: %w", err)
	}

	query := `
		UPDATE improvement_tests
		SET name = $2, improvement_type = $3, current_phase = $4, revert_pending = $5,
		    updated_at = $6, completed_at = $7, payload = $8
		WHERE test_id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		t.TestID, t.Name, t.ImprovementType, string(t.CurrentPhase), t.RevertPending,
		t.UpdatedAt, t.CompletedAt, payload,
	)
	if err != nil {
		return fmt.Errorf("update improvement test: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByID retrieves a test by its ID. Returns ErrNotFound if not exists.
func (s *TestStore) GetByID(ctx context.Context, testID string) (*domain.ImprovementTest, error) {
	row := s.pool.QueryRow(ctx, `SELECT payload FROM improvement_tests WHERE test_id = $1`, testID)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return nil, mapError("get improvement test by id", err)
	}
	return decodeTest(payload)
}

// GetActive retrieves all non-terminal tests.
func (s *TestStore) GetActive(ctx context.Context) ([]*domain.ImprovementTest, error) {
	query := `
		SELECT payload FROM improvement_tests
		WHERE current_phase NOT IN ($1, $2)
		ORDER BY created_at ASC, test_id ASC
	`
	rows, err := s.pool.Query(ctx, query, string(domain.PhaseCompleted), string(domain.PhaseRolledBack))
	if err != nil {
		return nil, fmt.Errorf("get active improvement tests: %w", err)
	}
	defer rows.Close()

	return scanTests(rows)
}

// GetByPhase retrieves all tests in a phase.
func (s *TestStore) GetByPhase(ctx context.Context, phase domain.Phase) ([]*domain.ImprovementTest, error) {
	query := `
		SELECT payload FROM improvement_tests
		WHERE current_phase = $1
		ORDER BY created_at ASC, test_id ASC
	`
	rows, err := s.pool.Query(ctx, query, string(phase))
	if err != nil {
		return nil, fmt.Errorf("get improvement tests by phase: %w", err)
	}
	defer rows.Close()

	return scanTests(rows)
}

func scanTests(rows pgx.Rows) ([]*domain.ImprovementTest, error) {
	var result []*domain.ImprovementTest
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan improvement test: %w", err)
		}
		t, err := decodeTest(payload)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate improvement tests: %w", err)
	}
	return result, nil
}

func decodeTest(payload []byte) (*domain.ImprovementTest, error) {
	var t domain.ImprovementTest
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode improvement test: %w", err)
	}
	return &t, nil
}
