package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the lifecycle state of an ImprovementTest.
type Phase string

// Fixed phases. Rollout phases are derived from the stage plan (see RolloutPhase).
const (
	PhaseShadow     Phase = "SHADOW"
	PhaseCompleted  Phase = "COMPLETED"
	PhaseRolledBack Phase = "ROLLED_BACK"
)

const rolloutPrefix = "ROLLOUT_"

// RolloutPhase returns the phase name for a rollout stage, e.g. ROLLOUT_25.
func RolloutPhase(pct decimal.Decimal) Phase {
	return Phase(rolloutPrefix + pct.String())
}

// IsTerminal reports whether no further transitions are allowed.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseRolledBack
}

// IsRollout reports whether p is a live allocation stage.
func (p Phase) IsRollout() bool {
	return strings.HasPrefix(string(p), rolloutPrefix)
}

// Percentage parses the allocation percentage of a rollout phase.
func (p Phase) Percentage() (decimal.Decimal, bool) {
	if !p.IsRollout() {
		return decimal.Zero, false
	}
	pct, err := decimal.NewFromString(strings.TrimPrefix(string(p), rolloutPrefix))
	if err != nil {
		return decimal.Zero, false
	}
	return pct, true
}

// StageConfig describes one rollout stage.
type StageConfig struct {
	Percentage    decimal.Decimal `json:"percentage"`      // treatment allocation, (0, 100]
	MinSampleSize int             `json:"min_sample_size"` // per group, before ADVANCE
	MinDwell      time.Duration   `json:"min_dwell"`       // time in stage before ADVANCE
}

// StagePlan is the ordered sequence of rollout stages.
// It must be strictly increasing and end at 100.
type StagePlan []StageConfig

var hundred = decimal.NewFromInt(100)

// DefaultStagePlan returns the 10/25/50/100 canary plan.
// Later stages require more samples and longer dwell.
func DefaultStagePlan() StagePlan {
	return StagePlan{
		{Percentage: decimal.NewFromInt(10), MinSampleSize: 30, MinDwell: 24 * time.Hour},
		{Percentage: decimal.NewFromInt(25), MinSampleSize: 50, MinDwell: 24 * time.Hour},
		{Percentage: decimal.NewFromInt(50), MinSampleSize: 100, MinDwell: 48 * time.Hour},
		{Percentage: decimal.NewFromInt(100), MinSampleSize: 200, MinDwell: 72 * time.Hour},
	}
}

// Validate checks ordering and bounds. Returns *ConfigurationError.
func (p StagePlan) Validate() error {
	if len(p) == 0 {
		return &ConfigurationError{Field: "stages", Reason: "at least one stage is required"}
	}
	prev := decimal.Zero
	for i, s := range p {
		field := fmt.Sprintf("stages[%d]", i)
		if !s.Percentage.GreaterThan(prev) {
			return &ConfigurationError{Field: field, Reason: "stage percentages must be strictly increasing and positive"}
		}
		if s.Percentage.GreaterThan(hundred) {
			return &ConfigurationError{Field: field, Reason: "stage percentage exceeds 100"}
		}
		if s.MinSampleSize < 2 {
			return &ConfigurationError{Field: field + ".min_sample_size", Reason: "must be at least 2"}
		}
		if s.MinDwell < 0 {
			return &ConfigurationError{Field: field + ".min_dwell", Reason: "must not be negative"}
		}
		prev = s.Percentage
	}
	if !prev.Equal(hundred) {
		return &ConfigurationError{Field: "stages", Reason: "final stage must be 100"}
	}
	return nil
}

// Phases returns the full forward order: SHADOW, rollout stages, COMPLETED.
func (p StagePlan) Phases() []Phase {
	out := make([]Phase, 0, len(p)+2)
	out = append(out, PhaseShadow)
	for _, s := range p {
		out = append(out, RolloutPhase(s.Percentage))
	}
	return append(out, PhaseCompleted)
}

// Index returns the position of ph in the forward order, or -1.
// ROLLED_BACK is not part of the forward order.
func (p StagePlan) Index(ph Phase) int {
	if ph == PhaseShadow {
		return 0
	}
	if ph == PhaseCompleted {
		return len(p) + 1
	}
	pct, ok := ph.Percentage()
	if !ok {
		return -1
	}
	for i, s := range p {
		if s.Percentage.Equal(pct) {
			return i + 1
		}
	}
	return -1
}

// Next returns the phase following ph in the forward order.
func (p StagePlan) Next(ph Phase) (Phase, bool) {
	idx := p.Index(ph)
	if idx < 0 || ph.IsTerminal() {
		return "", false
	}
	return p.Phases()[idx+1], true
}

// Stage returns the stage config for a rollout phase.
func (p StagePlan) Stage(ph Phase) (StageConfig, bool) {
	idx := p.Index(ph)
	if idx < 1 || idx > len(p) {
		return StageConfig{}, false
	}
	return p[idx-1], true
}

// First returns the first rollout stage.
func (p StagePlan) First() StageConfig {
	return p[0]
}

// IsFinal reports whether ph is the last rollout stage.
func (p StagePlan) IsFinal(ph Phase) bool {
	return len(p) > 0 && p.Index(ph) == len(p)
}

// PhaseTransition is one recorded state change.
type PhaseTransition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}
