package metrics

import (
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/stat"

	"canary-pipeline/internal/domain"
)

// MaxProfitFactor caps the profit factor when there are no losing trades.
const MaxProfitFactor = 999.0

// ComputePerformance reduces a group's trade outcomes to PerformanceMetrics.
// Drawdown is measured on the equity curve in (Timestamp, TradeID) order,
// whatever order the outcomes arrive in.
func ComputePerformance(outcomes []domain.TradeOutcome) domain.PerformanceMetrics {
	if len(outcomes) == 0 {
		return domain.PerformanceMetrics{}
	}

	ordered := slices.Clone(outcomes)
	slices.SortStableFunc(ordered, func(a, b domain.TradeOutcome) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.TradeID, b.TradeID)
	})

	var (
		wins                int
		grossWin, grossLoss float64
		equity, peak, maxDD float64
	)
	pnl := PnLSeries(ordered)
	for i, p := range pnl {
		if ordered[i].IsWin() {
			wins++
		}
		if p > 0 {
			grossWin += p
		} else {
			grossLoss -= p
		}
		equity += p
		peak = max(peak, equity)
		maxDD = max(maxDD, peak-equity)
	}

	mean, sd := stat.Mean(pnl, nil), 0.0
	if len(pnl) > 1 {
		sd = stat.StdDev(pnl, nil)
	}
	sharpe := 0.0
	if sd > 0 {
		sharpe = mean / sd
	}

	return domain.PerformanceMetrics{
		TotalTrades:  len(ordered),
		WinRate:      float64(wins) / float64(len(ordered)),
		Expectancy:   mean,
		SharpeRatio:  sharpe,
		MaxDrawdown:  maxDD,
		Volatility:   sd,
		ProfitFactor: profitFactor(grossWin, grossLoss),
	}
}

// PnLSeries extracts P&L values in input order.
func PnLSeries(outcomes []domain.TradeOutcome) []float64 {
	out := make([]float64, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.PnL
	}
	return out
}

// profitFactor is gross win over gross loss. Without losses it is
// MaxProfitFactor when anything was won and 0 otherwise.
func profitFactor(win, loss float64) float64 {
	if loss == 0 {
		if win > 0 {
			return MaxProfitFactor
		}
		return 0
	}
	return math.Min(win/loss, MaxProfitFactor)
}
