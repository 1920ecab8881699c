// Package metrics computes trade-population metrics and control-vs-treatment
// comparisons.
package metrics

import (
	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/stats"
)

// Comparator contrasts two outcome populations. It holds no mutable state
// and is safe for concurrent use.
type Comparator struct {
	maxPValue float64
}

// NewComparator creates a Comparator using maxPValue as the significance level.
func NewComparator(maxPValue float64) *Comparator {
	return &Comparator{maxPValue: maxPValue}
}

// Compare computes metrics for both sides, runs Welch's t-test on the
// per-trade P&L series and derives the improvement figures.
func (c *Comparator) Compare(control, treatment []domain.TradeOutcome) domain.PerformanceComparison {
	cm := ComputePerformance(control)
	tm := ComputePerformance(treatment)
	analysis := stats.Evaluate(PnLSeries(control), PnLSeries(treatment), c.maxPValue)

	rel, zeroBase := stats.ImprovementPct(analysis.ControlMean, analysis.TreatmentMean)

	cmp := domain.PerformanceComparison{
		Control:                 cm,
		Treatment:               tm,
		RelativeImprovement:     rel,
		AbsoluteDifference:      analysis.TreatmentMean - analysis.ControlMean,
		PercentageImprovement:   rel * 100,
		RiskAdjustedImprovement: riskAdjusted(rel, cm, tm),
		Analysis:                analysis,
	}
	if zeroBase {
		cmp.Warning = stats.WarnZeroBaseline
	}
	return cmp
}

// riskAdjusted scales a positive improvement down by how much the treatment's
// volatility and drawdown exceed the control's. Declines are not softened.
func riskAdjusted(rel float64, control, treatment domain.PerformanceMetrics) float64 {
	if rel <= 0 {
		return rel
	}
	factor := 1.0
	if treatment.Volatility > control.Volatility {
		factor *= control.Volatility / treatment.Volatility
	}
	if treatment.MaxDrawdown > control.MaxDrawdown {
		factor *= control.MaxDrawdown / treatment.MaxDrawdown
	}
	return rel * factor
}
