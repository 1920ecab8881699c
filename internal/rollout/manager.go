// Package rollout owns the staged allocation sequence and decides whether a
// live test advances, holds or rolls back.
package rollout

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"canary-pipeline/internal/domain"
)

// Config holds stage gating thresholds.
type Config struct {
	Stages            domain.StagePlan
	MaxPValue         float64
	MinImprovementPct float64 // percentage points, e.g. 2 = +2%
	DropTolerancePct  float64 // precautionary rollback at or below -DropTolerancePct
	MinRollbackSample int     // treatment trades before a precautionary rollback
}

// DefaultConfig returns the default 10/25/50/100 plan with 2% minimum gain.
func DefaultConfig() Config {
	return Config{
		Stages:            domain.DefaultStagePlan(),
		MaxPValue:         0.05,
		MinImprovementPct: 2,
		DropTolerancePct:  10,
		MinRollbackSample: 10,
	}
}

// Manager evaluates rollout stages. It holds no per-test state.
type Manager struct {
	cfg Config
	now func() time.Time
	log zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "rollout").Logger() }
}

// NewManager creates a Manager. The stage plan must already be validated.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Plan returns the stage plan.
func (m *Manager) Plan() domain.StagePlan {
	return m.cfg.Stages
}

// NextPhase returns the phase after ph, or false at the end.
func (m *Manager) NextPhase(ph domain.Phase) (domain.Phase, bool) {
	return m.cfg.Stages.Next(ph)
}

// AdvanceDecision decides ADVANCE, HOLD or ROLLBACK for a test in a rollout
// stage. ADVANCE requires the stage's dwell time, the stage's minimum sample
// size in both groups, significance and the minimum improvement. A decline
// beyond the drop tolerance rolls back without waiting for significance.
func (m *Manager) AdvanceDecision(test *domain.ImprovementTest, cmp domain.PerformanceComparison) domain.StageDecision {
	now := m.now()
	a := cmp.Analysis
	decision := domain.StageDecision{
		DecisionMaker:   domain.DecisionMakerAutomatic,
		ConfidenceLevel: clamp01(1 - a.PValue),
		DecidedAt:       now,
	}

	stage, ok := m.cfg.Stages.Stage(test.CurrentPhase)
	if !ok {
		decision.Decision = domain.DecisionHold
		decision.Reason = fmt.Sprintf("phase %s is not a rollout stage", test.CurrentPhase)
		return decision
	}

	var dwell time.Duration
	if sr := test.CurrentStage(); sr != nil {
		dwell = now.Sub(sr.StartDate)
	}
	minSamples := min(a.ControlSampleSize, a.TreatmentSampleSize)

	dropBreached := cmp.PercentageImprovement <= -m.cfg.DropTolerancePct &&
		a.TreatmentSampleSize >= m.cfg.MinRollbackSample
	decision.Criteria = []domain.CriterionResult{
		{
			Name:      "no_precautionary_drop",
			Threshold: fmt.Sprintf("> -%.2f%% (n >= %d)", m.cfg.DropTolerancePct, m.cfg.MinRollbackSample),
			Actual:    fmt.Sprintf("%.2f%% (n = %d)", cmp.PercentageImprovement, a.TreatmentSampleSize),
			Pass:      !dropBreached,
		},
		{
			Name:      "min_dwell",
			Threshold: stage.MinDwell.String(),
			Actual:    dwell.Truncate(time.Second).String(),
			Pass:      dwell >= stage.MinDwell,
		},
		{
			Name:      "min_sample_size",
			Threshold: fmt.Sprintf(">= %d per group", stage.MinSampleSize),
			Actual:    fmt.Sprintf("control %d, treatment %d", a.ControlSampleSize, a.TreatmentSampleSize),
			Pass:      minSamples >= stage.MinSampleSize,
		},
		{
			Name:      "statistically_significant",
			Threshold: fmt.Sprintf("p < %.4f", m.cfg.MaxPValue),
			Actual:    fmt.Sprintf("p = %.4f", a.PValue),
			Pass:      a.StatisticallySignificant,
		},
		{
			Name:      "min_improvement",
			Threshold: fmt.Sprintf(">= %.2f%%", m.cfg.MinImprovementPct),
			Actual:    fmt.Sprintf("%.2f%%", cmp.PercentageImprovement),
			Pass:      cmp.PercentageImprovement >= m.cfg.MinImprovementPct,
		},
	}

	// The first failing criterion decides; a breached drop rolls back.
	decision.Decision = domain.DecisionAdvance
	decision.Reason = fmt.Sprintf("stage %s healthy: %.2f%% improvement, p = %.4f", stage.Percentage, cmp.PercentageImprovement, a.PValue)
	for _, c := range decision.Criteria {
		if c.Pass {
			continue
		}
		if c.Name == "no_precautionary_drop" {
			decision.Decision = domain.DecisionRollback
			decision.Reason = fmt.Sprintf("improvement %s breaches drop tolerance", c.Actual)
		} else {
			decision.Decision = domain.DecisionHold
			decision.Reason = fmt.Sprintf("%s not met: %s (need %s)", c.Name, c.Actual, c.Threshold)
		}
		break
	}

	m.log.Debug().
		Str("test_id", test.TestID).
		Str("phase", string(test.CurrentPhase)).
		Str("decision", string(decision.Decision)).
		Str("reason", decision.Reason).
		Msg("stage decision")
	return decision
}

// StartStage reallocates the treatment group to pct of its reserved accounts
// and records the stage start. The phase itself is moved by the caller.
func (m *Manager) StartStage(test *domain.ImprovementTest, pct decimal.Decimal) error {
	if pct.LessThanOrEqual(decimal.Zero) || pct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("start stage %s for %s: percentage out of range", pct, test.TestID)
	}
	if test.CurrentPhase.IsTerminal() {
		return fmt.Errorf("start stage for %s: %w", test.TestID, domain.ErrTerminalPhase)
	}

	reserved := test.TreatmentGroup.AccountIDs
	k := ActiveCount(len(reserved), pct)
	test.TreatmentGroup.ActiveAccountIDs = append([]string(nil), reserved[:k]...)
	test.TreatmentGroup.AllocationPct = pct
	test.ControlGroup.AllocationPct = decimal.NewFromInt(100)

	now := m.now()
	test.StageResults = append(test.StageResults, domain.RolloutStageResults{
		Stage:     pct,
		StartDate: now,
	})
	test.UpdatedAt = now

	m.log.Info().
		Str("test_id", test.TestID).
		Str("stage", pct.String()).
		Int("active_accounts", k).
		Msg("stage started")
	return nil
}

// ActiveCount is ceil(n * pct / 100), at least 1 when n > 0.
func ActiveCount(n int, pct decimal.Decimal) int {
	if n == 0 {
		return 0
	}
	k := int(decimal.NewFromInt(int64(n)).Mul(pct).Div(decimal.NewFromInt(100)).Ceil().IntPart())
	return max(1, min(n, k))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
