package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/storage"
)

// CycleStore implements storage.CycleStore using ClickHouse.
type CycleStore struct {
	conn *Conn
}

// NewCycleStore creates a new CycleStore.
func NewCycleStore(conn *Conn) *CycleStore {
	return &CycleStore{conn: conn}
}

// Compile-time interface check.
var _ storage.CycleStore = (*CycleStore)(nil)

const cycleColumns = `
	cycle_id, execution_time,
	tests_processed, suggestions_generated, new_tests_created,
	rollback_actions, tests_completed, tests_advanced, test_errors,
	duration_ms, errors
`

// Append adds a cycle record. Returns ErrDuplicateKey if cycle_id exists.
func (s *CycleStore) Append(ctx context.Context, c *domain.ImprovementCycleResults) error {
	if c == nil || c.CycleID == "" {
		return storage.ErrInvalidInput
	}

	// MergeTree does not enforce keys.
	var count uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM cycle_results WHERE cycle_id = ?`, c.CycleID).Scan(&count); err != nil {
		return fmt.Errorf("check cycle exists: %w", err)
	}
	if count > 0 {
		return storage.ErrDuplicateKey
	}

	errs := c.Errors
	if errs == nil {
		errs = []string{}
	}
	err := s.conn.Exec(ctx, `INSERT INTO cycle_results (`+cycleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CycleID, c.ExecutionTime.UTC(),
		uint32(c.TestsProcessed), uint32(c.SuggestionsGenerated), uint32(c.NewTestsCreated),
		uint32(c.RollbackActions), uint32(c.TestsCompleted), uint32(c.TestsAdvanced), uint32(c.TestErrors),
		c.Duration.Milliseconds(), errs,
	)
	if err != nil {
		return fmt.Errorf("insert cycle result: %w", err)
	}
	return nil
}

// GetAll retrieves all cycles ordered by execution_time ASC.
func (s *CycleStore) GetAll(ctx context.Context) ([]*domain.ImprovementCycleResults, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+cycleColumns+` FROM cycle_results ORDER BY execution_time ASC, cycle_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("get all cycles: %w", err)
	}
	defer rows.Close()

	return scanCycles(rows)
}

// GetRecent retrieves the last n cycles ordered by execution_time ASC.
func (s *CycleStore) GetRecent(ctx context.Context, n int) ([]*domain.ImprovementCycleResults, error) {
	if n < 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT * FROM (
			SELECT ` + cycleColumns + ` FROM cycle_results
			ORDER BY execution_time DESC, cycle_id DESC
			LIMIT ?
		) ORDER BY execution_time ASC, cycle_id ASC
	`
	rows, err := s.conn.Query(ctx, query, uint64(n))
	if err != nil {
		return nil, fmt.Errorf("get recent cycles: %w", err)
	}
	defer rows.Close()

	return scanCycles(rows)
}

func scanCycles(rows driver.Rows) ([]*domain.ImprovementCycleResults, error) {
	var result []*domain.ImprovementCycleResults
	for rows.Next() {
		var (
			c                                                  domain.ImprovementCycleResults
			processed, generated, created, rollbacks, complete uint32
			advanced, testErrors                               uint32
			durationMs                                         int64
		)
		if err := rows.Scan(
			&c.CycleID, &c.ExecutionTime,
			&processed, &generated, &created,
			&rollbacks, &complete, &advanced, &testErrors,
			&durationMs, &c.Errors,
		); err != nil {
			return nil, fmt.Errorf("scan cycle result: %w", err)
		}
		c.TestsProcessed = int(processed)
		c.SuggestionsGenerated = int(generated)
		c.NewTestsCreated = int(created)
		c.RollbackActions = int(rollbacks)
		c.TestsCompleted = int(complete)
		c.TestsAdvanced = int(advanced)
		c.TestErrors = int(testErrors)
		c.Duration = time.Duration(durationMs) * time.Millisecond
		if len(c.Errors) == 0 {
			c.Errors = nil
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle results: %w", err)
	}
	return result, nil
}
