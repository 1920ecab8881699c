package shadow

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"canary-pipeline/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func testFixture(id string, created time.Time, changes ...domain.Change) *domain.ImprovementTest {
	if len(changes) == 0 {
		changes = []domain.Change{{ChangeID: "c1", Component: "entry_filter", ChangeType: domain.ChangeTypeParameter, OldValue: "0.5", NewValue: "0.6"}}
	}
	return &domain.ImprovementTest{
		TestID:       id,
		CurrentPhase: domain.PhaseShadow,
		ControlGroup: domain.TestGroup{GroupType: domain.GroupControl, AccountIDs: []string{"c-1"}},
		TreatmentGroup: domain.TestGroup{
			GroupType:  domain.GroupTreatment,
			AccountIDs: []string{"t-1"},
			Changes:    changes,
		},
		CreatedAt: created,
	}
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.MinDurationDays = 7
	cfg.MinSignalThreshold = 20
	cfg.MinTradeThreshold = 20
	cfg.OpportunitiesPerTick = 5
	return cfg
}

func TestRunner_StartValidation(t *testing.T) {
	clock := newClock()
	r := NewRunner(smallConfig(), WithClock(clock.Now))

	tests := []struct {
		name   string
		mutate func(*domain.ImprovementTest)
	}{
		{"no treatment changes", func(tt *domain.ImprovementTest) { tt.TreatmentGroup.Changes = nil }},
		{"empty treatment accounts", func(tt *domain.ImprovementTest) { tt.TreatmentGroup.AccountIDs = nil }},
		{"empty control accounts", func(tt *domain.ImprovementTest) { tt.ControlGroup.AccountIDs = nil }},
		{"infrastructure change", func(tt *domain.ImprovementTest) {
			tt.TreatmentGroup.Changes[0].ChangeType = domain.ChangeTypeInfrastructure
		}},
		{"external api impact", func(tt *domain.ImprovementTest) {
			tt.TreatmentGroup.Changes[0].SystemImpact = "Requires new External_API integration"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			test := testFixture("t-"+tt.name, clock.Now())
			tt.mutate(test)

			err := r.Start(test)
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if r.Has(test.TestID) {
				t.Error("rejected test must not get a simulation context")
			}
		})
	}
}

func TestRunner_InsufficientDuration(t *testing.T) {
	clock := newClock()
	r := NewRunner(smallConfig(), WithClock(clock.Now), WithModel(FixedModel{Probability: 1, Baseline: 1, Treatment: 2}))

	test := testFixture("t1", clock.Now().Add(-3*24*time.Hour))
	if err := r.Start(test); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := r.Update("t1"); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	if got := r.CheckCompletion("t1"); got != StatusInsufficientDuration {
		t.Fatalf("expected insufficient_duration, got %s", got)
	}

	_, err := r.Evaluate(test)
	var idErr *domain.InsufficientDataError
	if !errors.As(err, &idErr) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
}

func TestRunner_CompletionProgression(t *testing.T) {
	clock := newClock()
	r := NewRunner(smallConfig(), WithClock(clock.Now), WithModel(FixedModel{Probability: 1, Baseline: 1, Treatment: 2}))

	test := testFixture("t1", clock.Now())
	if err := r.Start(test); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clock.Advance(8 * 24 * time.Hour)
	if got := r.CheckCompletion("t1"); got != StatusInsufficientSignals {
		t.Fatalf("expected insufficient_signals, got %s", got)
	}

	for i := 0; i < 4; i++ {
		sum, err := r.Update("t1")
		if err != nil || sum == nil {
			t.Fatalf("Update: %v, %v", sum, err)
		}
	}
	if got := r.CheckCompletion("t1"); got != StatusComplete {
		t.Fatalf("expected complete after 20 signals, got %s", got)
	}
}

func TestRunner_InsufficientTrades(t *testing.T) {
	clock := newClock()
	cfg := smallConfig()
	cfg.MinSignalThreshold = 5
	r := NewRunner(cfg, WithClock(clock.Now), WithModel(noFillModel{}))

	test := testFixture("t1", clock.Now().Add(-10*24*time.Hour))
	if err := r.Start(test); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = r.Update("t1")
	}
	if got := r.CheckCompletion("t1"); got != StatusInsufficientTrades {
		t.Fatalf("expected insufficient_trades, got %s", got)
	}
}

func TestRunner_EvaluateRecommendations(t *testing.T) {
	tests := []struct {
		name      string
		model     FixedModel
		wantRec   string
		wantValid bool
	}{
		{"clear gain", FixedModel{Probability: 1, Baseline: 1, Treatment: 1.5, Jitter: 0.2}, domain.RecommendProceed, true},
		{"clear loss", FixedModel{Probability: 1, Baseline: 1, Treatment: 0.5, Jitter: 0.2}, domain.RecommendAbort, true},
		{"flat", FixedModel{Probability: 1, Baseline: 1, Treatment: 1, Jitter: 0.2}, domain.RecommendProceed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newClock()
			r := NewRunner(smallConfig(), WithClock(clock.Now), WithModel(tt.model), WithSeed(7))

			test := testFixture("t1", clock.Now().Add(-8*24*time.Hour))
			if err := r.Start(test); err != nil {
				t.Fatalf("Start: %v", err)
			}
			for r.CheckCompletion("t1") != StatusComplete {
				if _, err := r.Update("t1"); err != nil {
					t.Fatalf("Update: %v", err)
				}
			}

			res, err := r.Evaluate(test)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if res.Recommendation != tt.wantRec {
				t.Errorf("recommendation = %s, want %s (improvement %.2f%%, p=%g)",
					res.Recommendation, tt.wantRec, res.Comparison.PercentageImprovement, res.Comparison.Analysis.PValue)
			}
			if res.ValidationPassed != tt.wantValid {
				t.Errorf("validation_passed = %v, want %v", res.ValidationPassed, tt.wantValid)
			}
			if res.TradesExecuted < 20 || res.TotalSignals < 20 {
				t.Errorf("counters too low: %+v", res)
			}
			if res.StartTime != test.CreatedAt {
				t.Errorf("start time %v, want %v", res.StartTime, test.CreatedAt)
			}

			// Results are frozen once produced.
			clock.Advance(time.Hour)
			again, _ := r.Evaluate(test)
			if again.EndTime != res.EndTime || again.Recommendation != res.Recommendation {
				t.Error("second Evaluate changed the frozen results")
			}
			if sum, _ := r.Update("t1"); sum != nil {
				t.Error("Update after evaluation should be a no-op")
			}
		})
	}
}

func TestRunner_UnknownAndStop(t *testing.T) {
	clock := newClock()
	r := NewRunner(smallConfig(), WithClock(clock.Now))

	sum, err := r.Update("missing")
	if sum != nil || err != nil {
		t.Errorf("Update(unknown) = %v, %v; want nil, nil", sum, err)
	}
	if got := r.CheckCompletion("missing"); got != StatusNotFound {
		t.Errorf("expected not_found, got %s", got)
	}

	test := testFixture("t1", clock.Now())
	if err := r.Start(test); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop("t1", "operator"); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := r.Stop("t1", "operator"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if sum, _ := r.Update("t1"); sum != nil {
		t.Error("stopped run must not tick")
	}
	if err := r.Stop("missing", "x"); err != nil {
		t.Errorf("Stop(unknown): %v", err)
	}
}

func TestRunner_DeterministicWithSeed(t *testing.T) {
	run := func() (int, int, []domain.TradeOutcome) {
		clock := newClock()
		r := NewRunner(smallConfig(), WithClock(clock.Now), WithSeed(99))
		test := testFixture("t-seeded", clock.Now())
		if err := r.Start(test); err != nil {
			t.Fatalf("Start: %v", err)
		}
		var last *UpdateSummary
		for i := 0; i < 25; i++ {
			last, _ = r.Update("t-seeded")
		}
		_, treatment, _ := r.Outcomes("t-seeded")
		return last.TotalSignals, last.TotalTrades, treatment
	}

	s1, t1, o1 := run()
	s2, t2, o2 := run()
	if s1 != s2 || t1 != t2 || len(o1) != len(o2) {
		t.Fatalf("runs diverged: %d/%d vs %d/%d", s1, t1, s2, t2)
	}
	for i := range o1 {
		if o1[i].PnL != o2[i].PnL {
			t.Fatalf("outcome %d diverged: %f vs %f", i, o1[i].PnL, o2[i].PnL)
		}
	}
}

func TestHeuristicModel_Bounds(t *testing.T) {
	m := DefaultHeuristicModel()
	for _, s := range []MarketState{
		{Regime: RegimeTrending, TrendStrength: 1, Volatility: 0.05},
		{Regime: RegimeRanging, TrendStrength: 0, Volatility: 1},
		{Regime: RegimeVolatile, TrendStrength: 0.5, Volatility: 0.9},
	} {
		p := m.SignalProbability(s)
		if p < 0.02 || p > 0.95 {
			t.Errorf("probability %f out of bounds for %+v", p, s)
		}
	}

	changes := []domain.Change{{Config: map[string]string{ExpectedEffectKey: "0.25"}}, {Config: map[string]string{ExpectedEffectKey: "oops"}}}
	if got := expectedEffect(changes); got != 0.25 {
		t.Errorf("expectedEffect = %f, want 0.25", got)
	}
}

// noFillModel signals on every opportunity but never fills.
type noFillModel struct{ FixedModel }

func (noFillModel) SignalProbability(MarketState) float64 { return 1 }

func (noFillModel) SimulateTrade(_ *rand.Rand, _ MarketState, _ []domain.Change) (float64, float64, bool) {
	return 0, 0, false
}
