package shadow

import (
	"math"
	"math/rand/v2"
	"strconv"

	"canary-pipeline/internal/domain"
)

// Market regimes produced by HeuristicModel.
const (
	RegimeTrending = "trending"
	RegimeRanging  = "ranging"
	RegimeVolatile = "volatile"
)

// MarketState is the simulated environment for one tick.
type MarketState struct {
	Regime        string
	TrendStrength float64 // [0,1]
	Volatility    float64 // [0,1]
}

// MarketModel drives the shadow simulation. Implementations must only draw
// randomness from the rng they are given so runs are reproducible.
type MarketModel interface {
	// Step advances the market from prev. prev is zero on the first tick.
	Step(rng *rand.Rand, prev MarketState) MarketState
	// SignalProbability is the chance one opportunity produces a signal.
	SignalProbability(s MarketState) float64
	// SimulateTrade returns paired baseline and treatment P&L for a signal.
	// executed is false when the signal did not result in a trade.
	SimulateTrade(rng *rand.Rand, s MarketState, changes []domain.Change) (baseline, treatment float64, executed bool)
}

// ExpectedEffectKey is the Change.Config key HeuristicModel reads as the
// per-trade P&L shift a change is expected to produce.
const ExpectedEffectKey = "expected_effect"

// HeuristicModel is an uncalibrated regime model. Its constants are not
// trading logic; swap the model for anything calibrated.
type HeuristicModel struct {
	BaseProbability float64 // signal probability in a neutral market
	ExecutionRate   float64 // fraction of signals that fill
	RegimeSwitch    float64 // per-tick chance of a regime change
}

// DefaultHeuristicModel returns the model used when none is injected.
func DefaultHeuristicModel() *HeuristicModel {
	return &HeuristicModel{BaseProbability: 0.3, ExecutionRate: 0.8, RegimeSwitch: 0.1}
}

var regimes = []string{RegimeTrending, RegimeRanging, RegimeVolatile}

// Step implements MarketModel.
func (m *HeuristicModel) Step(rng *rand.Rand, prev MarketState) MarketState {
	if prev.Regime == "" {
		return MarketState{Regime: regimes[rng.IntN(len(regimes))], TrendStrength: 0.5, Volatility: 0.3}
	}
	next := prev
	if rng.Float64() < m.RegimeSwitch {
		next.Regime = regimes[rng.IntN(len(regimes))]
	}
	next.TrendStrength = clamp(prev.TrendStrength+rng.NormFloat64()*0.05, 0, 1)
	vol := prev.Volatility + rng.NormFloat64()*0.05
	if next.Regime == RegimeVolatile {
		vol += 0.02
	}
	next.Volatility = clamp(vol, 0.05, 1)
	return next
}

// SignalProbability implements MarketModel.
func (m *HeuristicModel) SignalProbability(s MarketState) float64 {
	p := m.BaseProbability + 0.4*(s.TrendStrength-0.5) - 0.3*math.Max(0, s.Volatility-0.6)
	if s.Regime == RegimeRanging {
		p *= 0.7
	}
	return clamp(p, 0.02, 0.95)
}

// SimulateTrade implements MarketModel.
func (m *HeuristicModel) SimulateTrade(rng *rand.Rand, s MarketState, changes []domain.Change) (float64, float64, bool) {
	if rng.Float64() >= m.ExecutionRate {
		return 0, 0, false
	}
	edge := 0.5*s.TrendStrength - 0.1
	noise := rng.NormFloat64() * s.Volatility
	baseline := edge + noise
	treatment := baseline + expectedEffect(changes) + rng.NormFloat64()*s.Volatility*0.1
	return baseline, treatment, true
}

func expectedEffect(changes []domain.Change) float64 {
	total := 0.0
	for _, c := range changes {
		if v, err := strconv.ParseFloat(c.Config[ExpectedEffectKey], 64); err == nil {
			total += v
		}
	}
	return total
}

// FixedModel emits the same outcome for every signal. Used in tests.
type FixedModel struct {
	Probability float64
	Baseline    float64
	Treatment   float64
	Jitter      float64 // uniform +/- added to both sides
}

// Step implements MarketModel.
func (FixedModel) Step(_ *rand.Rand, _ MarketState) MarketState {
	return MarketState{Regime: RegimeTrending, TrendStrength: 0.5, Volatility: 0.1}
}

// SignalProbability implements MarketModel.
func (f FixedModel) SignalProbability(MarketState) float64 {
	return f.Probability
}

// SimulateTrade implements MarketModel.
func (f FixedModel) SimulateTrade(rng *rand.Rand, _ MarketState, _ []domain.Change) (float64, float64, bool) {
	j := 0.0
	if f.Jitter > 0 {
		j = (rng.Float64()*2 - 1) * f.Jitter
	}
	return f.Baseline + j, f.Treatment + j, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
