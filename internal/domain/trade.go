package domain

import "time"

// TradeOutcome is one realized trade result, live or simulated.
type TradeOutcome struct {
	TradeID   string    `json:"trade_id"`
	AccountID string    `json:"account_id"`
	Timestamp time.Time `json:"timestamp"` // exit time; order-dependent metrics sort by it
	PnL       float64   `json:"pnl"`       // after costs
}

// IsWin reports whether the trade closed with positive P&L.
func (t TradeOutcome) IsWin() bool {
	return t.PnL > 0
}

// TimeRange is a half-open window [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PerformanceMetrics summarizes a population of trade outcomes.
// All fields are finite; WinRate is in [0,1].
type PerformanceMetrics struct {
	TotalTrades  int     `json:"total_trades"`
	WinRate      float64 `json:"win_rate"`
	Expectancy   float64 `json:"expectancy"`    // mean P&L per trade
	SharpeRatio  float64 `json:"sharpe_ratio"`  // per-trade, mean / stddev
	MaxDrawdown  float64 `json:"max_drawdown"`  // peak-to-trough of cumulative P&L, >= 0
	Volatility   float64 `json:"volatility"`    // sample stddev of P&L
	ProfitFactor float64 `json:"profit_factor"` // gross profit / gross loss, capped
}
