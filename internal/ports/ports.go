// Package ports declares the external collaborators the pipeline consumes.
// Implementations live in feed, intake, audit and orchestrator/stub.
package ports

import (
	"context"

	"canary-pipeline/internal/domain"
)

// SuggestionSource yields candidate improvements. Poll removes and returns at
// most limit suggestions; anything beyond stays buffered in the source.
type SuggestionSource interface {
	Poll(ctx context.Context, limit int) ([]domain.ImprovementSuggestion, error)
}

// PerformanceDataProvider supplies realized trade outcomes for live accounts.
type PerformanceDataProvider interface {
	GetOutcomes(ctx context.Context, accountIDs []string, window domain.TimeRange) ([]domain.TradeOutcome, error)
}

// ChangeExecutor applies and reverts changes on the live system.
// Revert must be idempotent.
type ChangeExecutor interface {
	Apply(ctx context.Context, change domain.Change) error
	Revert(ctx context.Context, change domain.Change) error
}

// AuditSink records events. Record must not block the caller.
type AuditSink interface {
	Record(event domain.AuditEvent)
}

// CorrelationMonitor reports how strongly a test's treatment activity
// correlates with external flow. ok is false when no reading is available.
type CorrelationMonitor interface {
	Correlation(ctx context.Context, testID string) (value float64, ok bool, err error)
}
