package metrics

import (
	"math"
	"testing"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/stats"
)

func around(mean float64, n int) []domain.TradeOutcome {
	pnl := make([]float64, n)
	for i := range pnl {
		pnl[i] = mean + float64(i%5-2)
	}
	return outcomes(pnl...)
}

func TestComparator_Improvement(t *testing.T) {
	c := NewComparator(0.05)
	cmp := c.Compare(around(100, 90), around(120, 35))

	if math.Abs(cmp.PercentageImprovement-20) > 1e-9 {
		t.Errorf("expected 20%% improvement, got %f", cmp.PercentageImprovement)
	}
	if math.Abs(cmp.RelativeImprovement-0.2) > 1e-9 {
		t.Errorf("expected relative 0.2, got %f", cmp.RelativeImprovement)
	}
	if math.Abs(cmp.AbsoluteDifference-20) > 1e-9 {
		t.Errorf("expected absolute 20, got %f", cmp.AbsoluteDifference)
	}
	if !cmp.StatisticallySignificant() {
		t.Errorf("expected significant, p=%g", cmp.Analysis.PValue)
	}
	if cmp.Control.TotalTrades != 90 || cmp.Treatment.TotalTrades != 35 {
		t.Errorf("trade counts %d/%d", cmp.Control.TotalTrades, cmp.Treatment.TotalTrades)
	}
}

func TestComparator_ZeroBaseline(t *testing.T) {
	cmp := NewComparator(0.05).Compare(around(0, 10), around(5, 10))
	if cmp.PercentageImprovement != 0 {
		t.Errorf("expected 0 improvement on zero baseline, got %f", cmp.PercentageImprovement)
	}
	if cmp.Warning != stats.WarnZeroBaseline {
		t.Errorf("expected zero baseline warning, got %q", cmp.Warning)
	}
}

func TestRiskAdjusted(t *testing.T) {
	calm := domain.PerformanceMetrics{Volatility: 1, MaxDrawdown: 10}
	wild := domain.PerformanceMetrics{Volatility: 2, MaxDrawdown: 20}

	tests := []struct {
		name      string
		rel       float64
		control   domain.PerformanceMetrics
		treatment domain.PerformanceMetrics
		want      float64
	}{
		{"no extra risk", 0.2, calm, calm, 0.2},
		{"less risk is not rewarded", 0.2, wild, calm, 0.2},
		{"double vol and drawdown", 0.2, calm, wild, 0.05},
		{"decline untouched", -0.1, calm, wild, -0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := riskAdjusted(tt.rel, tt.control, tt.treatment)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("riskAdjusted = %f, want %f", got, tt.want)
			}
		})
	}
}
