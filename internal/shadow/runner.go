// Package shadow runs candidate changes against a simulated market and
// decides when enough evidence has been gathered to go live.
package shadow

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/idhash"
	"canary-pipeline/internal/metrics"
)

// CompletionStatus reports whether a shadow run has gathered enough evidence.
type CompletionStatus string

const (
	StatusInsufficientDuration CompletionStatus = "insufficient_duration"
	StatusInsufficientSignals  CompletionStatus = "insufficient_signals"
	StatusInsufficientTrades   CompletionStatus = "insufficient_trades"
	StatusComplete             CompletionStatus = "complete"
	StatusNotFound             CompletionStatus = "not_found"
)

// Config holds shadow-phase thresholds.
type Config struct {
	MinDurationDays      int
	MinSignalThreshold   int
	MinTradeThreshold    int
	OpportunitiesPerTick int                 // signal draws per Update
	AllowedChangeTypes   []domain.ChangeType // shadow-testable change types
	ForbiddenImpactTerms []string            // SystemImpact mentions that block shadow testing
	MaxPValue            float64
	DropTolerancePct     float64 // abort when treatment trails baseline by this many percent
}

// DefaultConfig returns a one-week shadow run.
func DefaultConfig() Config {
	return Config{
		MinDurationDays:      7,
		MinSignalThreshold:   50,
		MinTradeThreshold:    30,
		OpportunitiesPerTick: 10,
		AllowedChangeTypes: []domain.ChangeType{
			domain.ChangeTypeParameter,
			domain.ChangeTypeRiskAdjustment,
			domain.ChangeTypeThreshold,
			domain.ChangeTypeStrategyLogic,
		},
		ForbiddenImpactTerms: []string{"external_api", "external api", "external dependency", "third_party", "third-party"},
		MaxPValue:            0.05,
		DropTolerancePct:     5,
	}
}

// UpdateSummary describes one simulation tick.
type UpdateSummary struct {
	TestID       string
	Tick         int
	NewSignals   int
	NewTrades    int
	TotalSignals int
	TotalTrades  int
	Market       MarketState
}

// simContext is the isolated simulation state of one test.
type simContext struct {
	mu sync.Mutex

	testID  string
	changes []domain.Change
	start   time.Time
	active  bool
	reason  string
	rng     *rand.Rand
	market  MarketState

	ticks     int
	signals   int
	trades    int
	baseline  []domain.TradeOutcome
	treatment []domain.TradeOutcome
	results   *domain.ShadowTestResults
}

// Runner manages shadow simulations keyed by test id. Ticks for different
// tests are independent and may run in parallel.
type Runner struct {
	cfg        Config
	model      MarketModel
	comparator *metrics.Comparator
	now        func() time.Time
	seed       uint64
	log        zerolog.Logger

	mu       sync.RWMutex
	contexts map[string]*simContext
}

// Option configures a Runner.
type Option func(*Runner)

// WithModel sets the market model.
func WithModel(m MarketModel) Option {
	return func(r *Runner) { r.model = m }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithSeed mixes seed into every per-test RNG.
func WithSeed(seed uint64) Option {
	return func(r *Runner) { r.seed = seed }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l.With().Str("component", "shadow").Logger() }
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:        cfg,
		model:      DefaultHeuristicModel(),
		comparator: metrics.NewComparator(cfg.MaxPValue),
		now:        time.Now,
		log:        zerolog.Nop(),
		contexts:   make(map[string]*simContext),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate checks that test can be shadow tested. Returns *domain.ValidationError.
func (r *Runner) Validate(test *domain.ImprovementTest) error {
	subject := "test " + test.TestID
	if test.TreatmentGroup.GroupType != domain.GroupTreatment || len(test.TreatmentGroup.Changes) == 0 {
		return &domain.ValidationError{Subject: subject, Reason: "no treatment group"}
	}
	if len(test.TreatmentGroup.AccountIDs) == 0 || len(test.ControlGroup.AccountIDs) == 0 {
		return &domain.ValidationError{Subject: subject, Reason: "empty account set"}
	}
	for _, c := range test.TreatmentGroup.Changes {
		if !r.allowed(c.ChangeType) {
			return &domain.ValidationError{
				Subject: subject,
				Reason:  fmt.Sprintf("change %s: type %q is not shadow-testable", c.Component, c.ChangeType),
			}
		}
		impact := strings.ToLower(c.SystemImpact)
		for _, term := range r.cfg.ForbiddenImpactTerms {
			if strings.Contains(impact, term) {
				return &domain.ValidationError{
					Subject: subject,
					Reason:  fmt.Sprintf("change %s: system impact mentions %q", c.Component, term),
				}
			}
		}
	}
	return nil
}

func (r *Runner) allowed(ct domain.ChangeType) bool {
	for _, a := range r.cfg.AllowedChangeTypes {
		if a == ct {
			return true
		}
	}
	return false
}

// Start validates test and allocates its simulation context. The run is
// timed from test.CreatedAt so a restarted process keeps the original
// start. Starting an already running test is a no-op.
func (r *Runner) Start(test *domain.ImprovementTest) error {
	if err := r.Validate(test); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sc, ok := r.contexts[test.TestID]; ok && sc.active {
		return nil
	}

	start := test.CreatedAt
	if start.IsZero() {
		start = r.now()
	}
	changes := make([]domain.Change, len(test.TreatmentGroup.Changes))
	for i, c := range test.TreatmentGroup.Changes {
		changes[i] = c.Clone()
	}

	r.contexts[test.TestID] = &simContext{
		testID:  test.TestID,
		changes: changes,
		start:   start,
		active:  true,
		rng:     rand.New(rand.NewPCG(r.seed, idhash.Seed(test.TestID))),
	}
	r.log.Info().Str("test_id", test.TestID).Time("start", start).Msg("shadow run started")
	return nil
}

// Has reports whether a simulation context exists for testID.
func (r *Runner) Has(testID string) bool {
	_, ok := r.get(testID)
	return ok
}

func (r *Runner) get(testID string) (*simContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.contexts[testID]
	return sc, ok
}

// Update advances the simulation of testID by one tick. Unknown or stopped
// tests return nil without error.
func (r *Runner) Update(testID string) (*UpdateSummary, error) {
	sc, ok := r.get(testID)
	if !ok {
		return nil, nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.active || sc.results != nil {
		return nil, nil
	}

	now := r.now()
	sc.ticks++
	sc.market = r.model.Step(sc.rng, sc.market)
	prob := r.model.SignalProbability(sc.market)

	summary := &UpdateSummary{TestID: testID, Tick: sc.ticks, Market: sc.market}
	for i := 0; i < r.cfg.OpportunitiesPerTick; i++ {
		if sc.rng.Float64() >= prob {
			continue
		}
		sc.signals++
		summary.NewSignals++

		base, treat, executed := r.model.SimulateTrade(sc.rng, sc.market, sc.changes)
		if !executed {
			continue
		}
		sc.trades++
		summary.NewTrades++
		id := fmt.Sprintf("%s-%d-%d", testID, sc.ticks, i)
		ts := now.Add(time.Duration(i) * time.Millisecond)
		sc.baseline = append(sc.baseline, domain.TradeOutcome{TradeID: id, AccountID: "shadow-baseline", Timestamp: ts, PnL: base})
		sc.treatment = append(sc.treatment, domain.TradeOutcome{TradeID: id, AccountID: "shadow-treatment", Timestamp: ts, PnL: treat})
	}
	summary.TotalSignals = sc.signals
	summary.TotalTrades = sc.trades

	r.log.Debug().
		Str("test_id", testID).
		Int("tick", sc.ticks).
		Str("regime", sc.market.Regime).
		Int("signals", sc.signals).
		Int("trades", sc.trades).
		Msg("shadow tick")
	return summary, nil
}

// CheckCompletion reports whether testID has run long enough and gathered
// enough signals and trades.
func (r *Runner) CheckCompletion(testID string) CompletionStatus {
	sc, ok := r.get(testID)
	if !ok {
		return StatusNotFound
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	return r.completion(sc)
}

func (r *Runner) completion(sc *simContext) CompletionStatus {
	minDuration := time.Duration(r.cfg.MinDurationDays) * 24 * time.Hour
	switch {
	case r.now().Sub(sc.start) < minDuration:
		return StatusInsufficientDuration
	case sc.signals < r.cfg.MinSignalThreshold:
		return StatusInsufficientSignals
	case sc.trades < r.cfg.MinTradeThreshold:
		return StatusInsufficientTrades
	default:
		return StatusComplete
	}
}

// Evaluate snapshots a completed run into ShadowTestResults. It returns
// *domain.InsufficientDataError until CheckCompletion reports complete.
// The first result is frozen; later calls return it unchanged.
func (r *Runner) Evaluate(test *domain.ImprovementTest) (domain.ShadowTestResults, error) {
	sc, ok := r.get(test.TestID)
	if !ok {
		return domain.ShadowTestResults{}, fmt.Errorf("shadow evaluate %s: %w", test.TestID, domain.ErrTestNotFound)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.results != nil {
		return *sc.results, nil
	}
	if status := r.completion(sc); status != StatusComplete {
		return domain.ShadowTestResults{}, &domain.InsufficientDataError{Reason: string(status)}
	}

	end := r.now()
	cmp := r.comparator.Compare(sc.baseline, sc.treatment)
	passed := sc.trades >= r.cfg.MinTradeThreshold && len(sc.treatment) >= 2

	res := domain.ShadowTestResults{
		TestID:           test.TestID,
		StartTime:        sc.start,
		EndTime:          end,
		Duration:         end.Sub(sc.start),
		TotalSignals:     sc.signals,
		TradesExecuted:   sc.trades,
		ValidationPassed: passed,
		Recommendation:   r.recommend(passed, cmp),
		Comparison:       cmp,
	}
	sc.results = &res

	r.log.Info().
		Str("test_id", test.TestID).
		Str("recommendation", res.Recommendation).
		Float64("improvement_pct", cmp.PercentageImprovement).
		Float64("p_value", cmp.Analysis.PValue).
		Msg("shadow run evaluated")
	return res, nil
}

// recommend maps the quality check and statistics verdict to a recommendation.
// A large negative point estimate aborts even without significance.
func (r *Runner) recommend(passed bool, cmp domain.PerformanceComparison) string {
	switch {
	case !passed:
		return domain.RecommendInsufficient
	case cmp.PercentageImprovement <= -r.cfg.DropTolerancePct:
		return domain.RecommendAbort
	case cmp.StatisticallySignificant() && cmp.AbsoluteDifference < 0:
		return domain.RecommendAbort
	default:
		return domain.RecommendProceed
	}
}

// Stop marks the run inactive. Stopping an unknown or stopped run succeeds.
func (r *Runner) Stop(testID, reason string) error {
	sc, ok := r.get(testID)
	if !ok {
		return nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.active {
		return nil
	}
	sc.active = false
	sc.reason = reason
	r.log.Info().Str("test_id", testID).Str("reason", reason).Msg("shadow run stopped")
	return nil
}

// Remove drops the context of a finished test.
func (r *Runner) Remove(testID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, testID)
}

// Outcomes returns copies of the simulated baseline and treatment trades.
func (r *Runner) Outcomes(testID string) (baseline, treatment []domain.TradeOutcome, ok bool) {
	sc, found := r.get(testID)
	if !found {
		return nil, nil, false
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]domain.TradeOutcome(nil), sc.baseline...),
		append([]domain.TradeOutcome(nil), sc.treatment...),
		true
}
