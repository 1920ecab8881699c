package metrics

import (
	"math"
	"testing"
	"time"

	"canary-pipeline/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func outcomes(pnl ...float64) []domain.TradeOutcome {
	out := make([]domain.TradeOutcome, len(pnl))
	for i, p := range pnl {
		out[i] = domain.TradeOutcome{
			TradeID:   string(rune('a' + i)),
			AccountID: "acc-1",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			PnL:       p,
		}
	}
	return out
}

func TestComputePerformance_Empty(t *testing.T) {
	m := ComputePerformance(nil)
	if m != (domain.PerformanceMetrics{}) {
		t.Errorf("expected zero metrics, got %+v", m)
	}
}

func TestComputePerformance_Basic(t *testing.T) {
	m := ComputePerformance(outcomes(10, -5, 20, -10, 5))

	if m.TotalTrades != 5 {
		t.Errorf("expected 5 trades, got %d", m.TotalTrades)
	}
	if m.WinRate != 0.6 {
		t.Errorf("expected win rate 0.6, got %f", m.WinRate)
	}
	if m.Expectancy != 4 {
		t.Errorf("expected expectancy 4, got %f", m.Expectancy)
	}
	// gross profit 35 / gross loss 15
	if math.Abs(m.ProfitFactor-35.0/15.0) > 1e-12 {
		t.Errorf("expected profit factor 2.333, got %f", m.ProfitFactor)
	}
	// cumulative: 10, 5, 25, 15, 20 -> worst drop 25 -> 15
	if m.MaxDrawdown != 10 {
		t.Errorf("expected max drawdown 10, got %f", m.MaxDrawdown)
	}
	if m.Volatility <= 0 || m.SharpeRatio <= 0 {
		t.Errorf("expected positive volatility and sharpe, got %+v", m)
	}
}

func TestComputePerformance_SortsChronologically(t *testing.T) {
	in := outcomes(10, -30, 40)
	// Reverse input order; drawdown must still follow timestamps.
	reversed := []domain.TradeOutcome{in[2], in[1], in[0]}

	if got := ComputePerformance(reversed).MaxDrawdown; got != 30 {
		t.Errorf("expected drawdown 30, got %f", got)
	}
}

func TestComputePerformance_Bounds(t *testing.T) {
	tests := []struct {
		name string
		pnl  []float64
		pf   float64
	}{
		{"all wins", []float64{1, 2, 3}, MaxProfitFactor},
		{"all losses", []float64{-1, -2}, 0},
		{"single flat", []float64{0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ComputePerformance(outcomes(tt.pnl...))
			if m.ProfitFactor != tt.pf {
				t.Errorf("profit factor = %f, want %f", m.ProfitFactor, tt.pf)
			}
			if m.WinRate < 0 || m.WinRate > 1 {
				t.Errorf("win rate out of range: %f", m.WinRate)
			}
			for _, v := range []float64{m.Expectancy, m.SharpeRatio, m.MaxDrawdown, m.Volatility, m.ProfitFactor} {
				if math.IsInf(v, 0) || math.IsNaN(v) {
					t.Errorf("non-finite metric in %+v", m)
				}
			}
		})
	}
}
