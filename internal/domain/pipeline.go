package domain

import "time"

// ImprovementSuggestion is an opaque proposal from the suggestion source.
type ImprovementSuggestion struct {
	SuggestionID   string   `json:"suggestion_id"`
	Title          string   `json:"title" validate:"required"`
	Rationale      string   `json:"rationale"`
	SuggestionType string   `json:"suggestion_type" validate:"required"`
	Priority       int      `json:"priority" validate:"gte=0"`
	Changes        []Change `json:"changes" validate:"required,min=1,dive"`
}

// ImprovementCycleResults is appended once per cycle and never mutated.
type ImprovementCycleResults struct {
	CycleID              string        `json:"cycle_id"`
	ExecutionTime        time.Time     `json:"execution_time"`
	TestsProcessed       int           `json:"tests_processed"`
	SuggestionsGenerated int           `json:"suggestions_generated"`
	NewTestsCreated      int           `json:"new_tests_created"`
	RollbackActions      int           `json:"rollback_actions"`
	TestsCompleted       int           `json:"tests_completed"`
	TestsAdvanced        int           `json:"tests_advanced"`
	TestErrors           int           `json:"test_errors"`
	Duration             time.Duration `json:"duration"`
	Errors               []string      `json:"errors,omitempty"`
}

// PipelineStatus is a point-in-time view of the orchestrator.
type PipelineStatus struct {
	Running            bool                     `json:"running"`
	CycleCount         int                      `json:"cycle_count"`
	ActiveTests        int                      `json:"active_tests"`
	PendingSuggestions int                      `json:"pending_suggestions"`
	ErroredTests       int                      `json:"errored_tests"`
	TestErrors         map[string]string        `json:"test_errors,omitempty"` // test id -> last error
	PendingReverts     int                      `json:"pending_reverts"`
	PhaseCounts        map[Phase]int            `json:"phase_counts"`
	AvailableAccounts  int                      `json:"available_accounts"`
	LastCycle          *ImprovementCycleResults `json:"last_cycle,omitempty"`
}

// Audit event types.
const (
	AuditTestCreated         = "test_created"
	AuditPhaseTransition     = "phase_transition"
	AuditStageDecision       = "stage_decision"
	AuditRollbackWarning     = "rollback_warning"
	AuditRollback            = "rollback"
	AuditRevertFailed        = "revert_failed"
	AuditSuggestionRejected  = "suggestion_rejected"
	AuditEmergencyStop       = "emergency_stop"
	AuditTestError           = "test_error"
	AuditShadowEvaluated     = "shadow_evaluated"
	AuditChangeApplyDeferred = "change_apply_deferred"
)

// AuditEvent is one fire-and-forget audit record.
type AuditEvent struct {
	EventID   string            `json:"event_id"`
	TestID    string            `json:"test_id,omitempty"`
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	FromPhase Phase             `json:"from_phase,omitempty"`
	ToPhase   Phase             `json:"to_phase,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
