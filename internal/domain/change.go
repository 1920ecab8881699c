package domain

// ChangeType classifies a Change for shadow-testability.
type ChangeType string

const (
	ChangeTypeParameter      ChangeType = "parameter"
	ChangeTypeRiskAdjustment ChangeType = "risk_adjustment"
	ChangeTypeThreshold      ChangeType = "threshold"
	ChangeTypeStrategyLogic  ChangeType = "strategy_logic"
	ChangeTypeInfrastructure ChangeType = "infrastructure"
	ChangeTypeIntegration    ChangeType = "external_integration"
)

// Change is one concrete modification under test.
type Change struct {
	ChangeID     string            `json:"change_id" validate:"omitempty"`
	Component    string            `json:"component" validate:"required"`
	Description  string            `json:"description"`
	ChangeType   ChangeType        `json:"change_type" validate:"required"`
	OldValue     string            `json:"old_value"`
	NewValue     string            `json:"new_value"`
	Config       map[string]string `json:"config,omitempty"`
	SystemImpact string            `json:"system_impact,omitempty"` // free text; mentions of external deps block shadow testing

	Applied  bool `json:"applied"`  // set once Apply succeeded
	Reverted bool `json:"reverted"` // set once Revert succeeded
}

// Clone returns a deep copy.
func (c Change) Clone() Change {
	out := c
	if c.Config != nil {
		out.Config = make(map[string]string, len(c.Config))
		for k, v := range c.Config {
			out.Config[k] = v
		}
	}
	return out
}

// NeedsRevert reports whether the change is live and not yet undone.
func (c Change) NeedsRevert() bool {
	return c.Applied && !c.Reverted
}
