package clickhouse

import (
	"context"
	"fmt"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/storage"
)

// AuditStore implements storage.AuditStore using ClickHouse.
type AuditStore struct {
	conn *Conn
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(conn *Conn) *AuditStore {
	return &AuditStore{conn: conn}
}

// Compile-time interface check.
var _ storage.AuditStore = (*AuditStore)(nil)

// Insert adds an event. Returns ErrDuplicateKey if event_id exists.
func (s *AuditStore) Insert(ctx context.Context, e *domain.AuditEvent) error {
	if e == nil || e.EventID == "" {
		return storage.ErrInvalidInput
	}

	var count uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM audit_events WHERE event_id = ?`, e.EventID).Scan(&count); err != nil {
		return fmt.Errorf("check event exists: %w", err)
	}
	if count > 0 {
		return storage.ErrDuplicateKey
	}

	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	err := s.conn.Exec(ctx, `
		INSERT INTO audit_events (
			event_id, test_id, event_type, severity, message,
			from_phase, to_phase, details, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.EventID, e.TestID, e.Type, string(e.Severity), e.Message,
		string(e.FromPhase), string(e.ToPhase), details, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// GetByTestID retrieves a test's events ordered by timestamp, then event_id.
func (s *AuditStore) GetByTestID(ctx context.Context, testID string) ([]*domain.AuditEvent, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT
			event_id, test_id, event_type, severity, message,
			from_phase, to_phase, details, timestamp
		FROM audit_events
		WHERE test_id = ?
		ORDER BY timestamp ASC, event_id ASC
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("get audit events by test id: %w", err)
	}
	defer rows.Close()

	var result []*domain.AuditEvent
	for rows.Next() {
		var (
			e                  domain.AuditEvent
			severity, from, to string
		)
		if err := rows.Scan(
			&e.EventID, &e.TestID, &e.Type, &severity, &e.Message,
			&from, &to, &e.Details, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Severity = domain.Severity(severity)
		e.FromPhase = domain.Phase(from)
		e.ToPhase = domain.Phase(to)
		if len(e.Details) == 0 {
			e.Details = nil
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return result, nil
}
