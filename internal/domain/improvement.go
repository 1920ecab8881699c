package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ImprovementTest is the unit of work: one candidate change moving through
// shadow validation and staged rollout.
type ImprovementTest struct {
	TestID          string `json:"test_id"` // uuid
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	ImprovementType string `json:"improvement_type"` // e.g. "parameter_optimization", "risk_adjustment"
	SuggestionID    string `json:"suggestion_id,omitempty"`

	CurrentPhase   Phase              `json:"current_phase"`
	ControlGroup   TestGroup          `json:"control_group"`
	TreatmentGroup TestGroup          `json:"treatment_group"`
	Thresholds     RollbackThresholds `json:"thresholds"` // copied from config at creation

	ShadowResults  *ShadowTestResults    `json:"shadow_results,omitempty"` // set once when shadow completes
	StageResults   []RolloutStageResults `json:"stage_results,omitempty"`  // one entry per entered stage
	PhaseHistory   []PhaseTransition     `json:"phase_history,omitempty"`
	RollbackReason string                `json:"rollback_reason,omitempty"`

	// RevertPending is set while a rolled-back test still has changes
	// whose physical revert has not succeeded.
	RevertPending bool   `json:"revert_pending"`
	LastError     string `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"` // set on COMPLETED or ROLLED_BACK
}

// IsActive reports whether the test counts against the concurrency budget.
func (t *ImprovementTest) IsActive() bool {
	return !t.CurrentPhase.IsTerminal()
}

// Transition moves the test to phase to. Forward moves must follow plan
// exactly; ROLLED_BACK is reachable from any non-terminal phase.
func (t *ImprovementTest) Transition(to Phase, plan StagePlan, now time.Time, reason string) error {
	if t.CurrentPhase.IsTerminal() {
		return fmt.Errorf("%w: test %s is %s", ErrTerminalPhase, t.TestID, t.CurrentPhase)
	}
	if to != PhaseRolledBack {
		next, ok := plan.Next(t.CurrentPhase)
		if !ok || next != to {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.CurrentPhase, to)
		}
	}

	t.PhaseHistory = append(t.PhaseHistory, PhaseTransition{
		From:   t.CurrentPhase,
		To:     to,
		At:     now,
		Reason: reason,
	})
	t.CurrentPhase = to
	t.UpdatedAt = now
	if to.IsTerminal() {
		completed := now
		t.CompletedAt = &completed
	}
	return nil
}

// CurrentStage returns the results entry of the stage the test is in.
func (t *ImprovementTest) CurrentStage() *RolloutStageResults {
	pct, ok := t.CurrentPhase.Percentage()
	if !ok {
		return nil
	}
	for i := len(t.StageResults) - 1; i >= 0; i-- {
		if t.StageResults[i].Stage.Equal(pct) {
			return &t.StageResults[i]
		}
	}
	return nil
}

// AccountIDs returns every account reserved by the test.
func (t *ImprovementTest) AccountIDs() []string {
	ids := make([]string, 0, len(t.ControlGroup.AccountIDs)+len(t.TreatmentGroup.AccountIDs))
	ids = append(ids, t.ControlGroup.AccountIDs...)
	return append(ids, t.TreatmentGroup.AccountIDs...)
}

// Clone returns a deep copy. Stores hand out clones so callers never share
// mutable state with the store.
func (t *ImprovementTest) Clone() *ImprovementTest {
	if t == nil {
		return nil
	}
	c := *t
	c.ControlGroup = t.ControlGroup.clone()
	c.TreatmentGroup = t.TreatmentGroup.clone()
	if t.ShadowResults != nil {
		sr := *t.ShadowResults
		c.ShadowResults = &sr
	}
	if t.StageResults != nil {
		c.StageResults = make([]RolloutStageResults, len(t.StageResults))
		for i, sr := range t.StageResults {
			c.StageResults[i] = sr.clone()
		}
	}
	if t.PhaseHistory != nil {
		c.PhaseHistory = append([]PhaseTransition(nil), t.PhaseHistory...)
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// GroupType distinguishes baseline from candidate populations.
type GroupType string

const (
	GroupControl   GroupType = "control"
	GroupTreatment GroupType = "treatment"
)

// TestGroup is one side of a test.
type TestGroup struct {
	GroupType        GroupType       `json:"group_type"`
	AccountIDs       []string        `json:"account_ids"`        // reserved from the shared pool
	ActiveAccountIDs []string        `json:"active_account_ids"` // treatment accounts running the change at the current stage
	AllocationPct    decimal.Decimal `json:"allocation_pct"`     // 0-100
	Changes          []Change        `json:"changes"`            // empty for control
}

func (g TestGroup) clone() TestGroup {
	c := g
	if g.AccountIDs != nil {
		c.AccountIDs = append([]string(nil), g.AccountIDs...)
	}
	if g.ActiveAccountIDs != nil {
		c.ActiveAccountIDs = append([]string(nil), g.ActiveAccountIDs...)
	}
	if g.Changes != nil {
		c.Changes = make([]Change, len(g.Changes))
		for i, ch := range g.Changes {
			c.Changes[i] = ch.Clone()
		}
	}
	return c
}

// LiveAccountIDs returns the accounts whose outcomes represent the group
// at the current stage. Control always reports all its accounts.
func (g TestGroup) LiveAccountIDs() []string {
	if g.GroupType == GroupTreatment {
		return g.ActiveAccountIDs
	}
	return g.AccountIDs
}

// RolloutStageResults records one stage of live allocation.
type RolloutStageResults struct {
	Stage      decimal.Decimal        `json:"stage"`
	StartDate  time.Time              `json:"start_date"`
	Comparison *PerformanceComparison `json:"comparison,omitempty"`
	Decision   *StageDecision         `json:"decision,omitempty"`
}

func (r RolloutStageResults) clone() RolloutStageResults {
	c := r
	if r.Comparison != nil {
		cmp := *r.Comparison
		c.Comparison = &cmp
	}
	if r.Decision != nil {
		d := *r.Decision
		d.Criteria = append([]CriterionResult(nil), r.Decision.Criteria...)
		c.Decision = &d
	}
	return c
}
