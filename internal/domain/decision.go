package domain

import "time"

// StageDecisionType is the verdict of the stage manager.
type StageDecisionType string

const (
	DecisionAdvance  StageDecisionType = "ADVANCE"
	DecisionHold     StageDecisionType = "HOLD"
	DecisionRollback StageDecisionType = "ROLLBACK"
)

// DecisionMakerAutomatic marks decisions taken by the control loop.
const DecisionMakerAutomatic = "automatic"

// CriterionResult is one line of a decision checklist.
type CriterionResult struct {
	Name      string `json:"name"`
	Threshold string `json:"threshold"`
	Actual    string `json:"actual"`
	Pass      bool   `json:"pass"`
}

// StageDecision is the outcome of evaluating a rollout stage.
type StageDecision struct {
	Decision        StageDecisionType `json:"decision"`
	Reason          string            `json:"reason"`
	DecisionMaker   string            `json:"decision_maker"`
	ConfidenceLevel float64           `json:"confidence_level"` // [0,1]
	Criteria        []CriterionResult `json:"criteria"`
	DecidedAt       time.Time         `json:"decided_at"`
}

// Severity tiers for rollback triggers and audit events.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityAutomatic Severity = "automatic"
	SeverityCritical  Severity = "critical"
)

// Rank orders severities for comparison.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityAutomatic:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// RollbackThresholds are the per-test trigger limits. Drop thresholds are
// positive magnitudes; a breach is a decline of at least that size.
type RollbackThresholds struct {
	PerformanceDrop  float64 `json:"performance_drop"`  // relative expectancy decline, 0.10 = 10%
	DrawdownIncrease float64 `json:"drawdown_increase"` // relative max drawdown increase
	WinRateCollapse  float64 `json:"win_rate_collapse"` // absolute win-rate decline
	CorrelationSpike float64 `json:"correlation_spike"` // correlation ceiling from the external monitor
	MinSamples       int     `json:"min_samples"`       // treatment trades before metric triggers apply
}

// Rollback trigger names.
const (
	TriggerPerformanceDrop  = "performance_drop"
	TriggerDrawdownIncrease = "drawdown_increase"
	TriggerWinRateCollapse  = "win_rate_collapse"
	TriggerCorrelationSpike = "correlation_spike"
	TriggerStageDecision    = "stage_decision"
	TriggerShadowValidation = "shadow_validation"
	TriggerEmergencyStop    = "emergency_stop"
)

// RollbackDecision describes a detected breach.
type RollbackDecision struct {
	TestID       string    `json:"test_id"`
	Trigger      string    `json:"trigger"`
	TriggerValue float64   `json:"trigger_value"`
	Threshold    float64   `json:"threshold"`
	Severity     Severity  `json:"severity"`
	Immediate    bool      `json:"immediate"`
	Reason       string    `json:"reason"`
	DetectedAt   time.Time `json:"detected_at"`
}

// RollbackResult reports a rollback execution attempt.
type RollbackResult struct {
	TestID             string        `json:"test_id"`
	RollbackSuccessful bool          `json:"rollback_successful"`
	ChangesReverted    int           `json:"changes_reverted"`
	Duration           time.Duration `json:"duration"`
	Errors             []string      `json:"errors,omitempty"`
}
