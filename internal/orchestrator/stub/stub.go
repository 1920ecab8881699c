// Package stub provides deterministic stand-ins for the orchestrator's
// components and external collaborators. Every stub is safe for
// concurrent use.
package stub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/shadow"
)

// ErrUnavailable is the error injected by failing stubs.
var ErrUnavailable = errors.New("stub: service unavailable")

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

// Now returns the current stub time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// SuggestionSource returns at most one queued batch per Poll. A batch larger
// than the limit is split and its rest returned by later polls.
type SuggestionSource struct {
	mu      sync.Mutex
	batches [][]domain.ImprovementSuggestion
	Err     error
}

// NewSuggestionSource queues batches in order.
func NewSuggestionSource(batches ...[]domain.ImprovementSuggestion) *SuggestionSource {
	return &SuggestionSource{batches: batches}
}

// Add queues another batch.
func (s *SuggestionSource) Add(batch ...domain.ImprovementSuggestion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
}

// Poll implements ports.SuggestionSource.
func (s *SuggestionSource) Poll(_ context.Context, limit int) ([]domain.ImprovementSuggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.batches) == 0 || limit <= 0 {
		return nil, nil
	}
	b := s.batches[0]
	if len(b) > limit {
		s.batches[0] = b[limit:]
		return b[:limit], nil
	}
	s.batches = s.batches[1:]
	return b, nil
}

// Remaining returns the number of suggestions not yet polled.
func (s *SuggestionSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

// PerformanceProvider serves canned outcomes per account.
type PerformanceProvider struct {
	mu       sync.Mutex
	outcomes map[string][]domain.TradeOutcome
	failing  map[string]bool // account id -> fail every call
	calls    int
}

// NewPerformanceProvider creates an empty provider.
func NewPerformanceProvider() *PerformanceProvider {
	return &PerformanceProvider{
		outcomes: make(map[string][]domain.TradeOutcome),
		failing:  make(map[string]bool),
	}
}

// Set replaces the outcomes of accountID.
func (p *PerformanceProvider) Set(accountID string, outcomes ...domain.TradeOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[accountID] = outcomes
}

// SetSeries assigns pnl values to accountID, one trade per minute from start.
func (p *PerformanceProvider) SetSeries(accountID string, start time.Time, pnl ...float64) {
	out := make([]domain.TradeOutcome, len(pnl))
	for i, v := range pnl {
		out[i] = domain.TradeOutcome{
			TradeID:   fmt.Sprintf("%s-%d", accountID, i),
			AccountID: accountID,
			Timestamp: start.Add(time.Duration(i+1) * time.Minute),
			PnL:       v,
		}
	}
	p.Set(accountID, out...)
}

// Fail makes every request that includes accountID fail.
func (p *PerformanceProvider) Fail(accountID string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[accountID] = fail
}

// Calls returns the number of GetOutcomes calls.
func (p *PerformanceProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// GetOutcomes implements ports.PerformanceDataProvider.
func (p *PerformanceProvider) GetOutcomes(_ context.Context, accountIDs []string, window domain.TimeRange) ([]domain.TradeOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	var out []domain.TradeOutcome
	for _, id := range accountIDs {
		if p.failing[id] {
			return nil, &domain.ExternalServiceError{Service: "performance_feed", Op: "get_outcomes", Err: ErrUnavailable}
		}
		for _, o := range p.outcomes[id] {
			if !o.Timestamp.Before(window.Start) && o.Timestamp.Before(window.End) {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

// ChangeExecutor keeps a live configuration map: Apply writes NewValue,
// Revert writes OldValue back. Revert of an unapplied change is a no-op.
type ChangeExecutor struct {
	mu       sync.Mutex
	config   map[string]string // component -> live value
	applied  map[string]bool   // change id -> live
	failures map[string]int    // change id -> remaining failures
	applies  int
	reverts  int
}

// NewChangeExecutor starts from the given live configuration.
func NewChangeExecutor(config map[string]string) *ChangeExecutor {
	c := make(map[string]string, len(config))
	for k, v := range config {
		c[k] = v
	}
	return &ChangeExecutor{
		config:   c,
		applied:  make(map[string]bool),
		failures: make(map[string]int),
	}
}

// FailNext makes the next n calls for changeID fail.
func (e *ChangeExecutor) FailNext(changeID string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[changeID] = n
}

// Config returns a copy of the live configuration.
func (e *ChangeExecutor) Config() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.config))
	for k, v := range e.config {
		out[k] = v
	}
	return out
}

// Counts returns successful applies and reverts.
func (e *ChangeExecutor) Counts() (applies, reverts int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applies, e.reverts
}

func (e *ChangeExecutor) fail(changeID string) bool {
	if e.failures[changeID] > 0 {
		e.failures[changeID]--
		return true
	}
	return false
}

// Apply implements ports.ChangeExecutor.
func (e *ChangeExecutor) Apply(_ context.Context, ch domain.Change) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail(ch.ChangeID) {
		return &domain.ExternalServiceError{Service: "change_executor", Op: "apply", Err: ErrUnavailable}
	}
	e.config[ch.Component] = ch.NewValue
	e.applied[ch.ChangeID] = true
	e.applies++
	return nil
}

// Revert implements ports.ChangeExecutor.
func (e *ChangeExecutor) Revert(_ context.Context, ch domain.Change) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail(ch.ChangeID) {
		return &domain.ExternalServiceError{Service: "change_executor", Op: "revert", Err: ErrUnavailable}
	}
	if !e.applied[ch.ChangeID] {
		return nil
	}
	e.config[ch.Component] = ch.OldValue
	delete(e.applied, ch.ChangeID)
	e.reverts++
	return nil
}

// Shadow is a scripted ShadowTester. Runs report the configured status
// and results; the default is an incomplete run.
type Shadow struct {
	mu       sync.Mutex
	running  map[string]bool
	status   map[string]shadow.CompletionStatus
	results  map[string]domain.ShadowTestResults
	outcomes map[string][2][]domain.TradeOutcome
	startErr map[string]error
	updates  map[string]int
}

// NewShadow creates an empty scripted shadow tester.
func NewShadow() *Shadow {
	return &Shadow{
		running:  make(map[string]bool),
		status:   make(map[string]shadow.CompletionStatus),
		results:  make(map[string]domain.ShadowTestResults),
		outcomes: make(map[string][2][]domain.TradeOutcome),
		startErr: make(map[string]error),
		updates:  make(map[string]int),
	}
}

// Complete makes testID report complete with the given recommendation.
func (s *Shadow) Complete(testID, recommendation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[testID] = shadow.StatusComplete
	s.results[testID] = domain.ShadowTestResults{
		TestID:           testID,
		TotalSignals:     100,
		TradesExecuted:   60,
		ValidationPassed: recommendation != domain.RecommendInsufficient,
		Recommendation:   recommendation,
	}
}

// SetOutcomes sets the simulated outcomes returned for testID.
func (s *Shadow) SetOutcomes(testID string, baseline, treatment []domain.TradeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[testID] = [2][]domain.TradeOutcome{baseline, treatment}
}

// FailStart makes Start of testID return err.
func (s *Shadow) FailStart(testID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr[testID] = err
}

// Updates returns how often testID was ticked.
func (s *Shadow) Updates(testID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[testID]
}

// Start implements ShadowTester.
func (s *Shadow) Start(test *domain.ImprovementTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startErr[test.TestID]; err != nil {
		return err
	}
	s.running[test.TestID] = true
	return nil
}

// Has implements ShadowTester.
func (s *Shadow) Has(testID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[testID]
	return ok
}

// Update implements ShadowTester.
func (s *Shadow) Update(testID string) (*shadow.UpdateSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running[testID] {
		return nil, nil
	}
	s.updates[testID]++
	return &shadow.UpdateSummary{TestID: testID, Tick: s.updates[testID]}, nil
}

// CheckCompletion implements ShadowTester.
func (s *Shadow) CheckCompletion(testID string) shadow.CompletionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[testID]; !ok {
		return shadow.StatusNotFound
	}
	if st, ok := s.status[testID]; ok {
		return st
	}
	return shadow.StatusInsufficientDuration
}

// Evaluate implements ShadowTester.
func (s *Shadow) Evaluate(test *domain.ImprovementTest) (domain.ShadowTestResults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[test.TestID]
	if !ok {
		return domain.ShadowTestResults{}, &domain.InsufficientDataError{Reason: string(shadow.StatusInsufficientDuration)}
	}
	return res, nil
}

// Outcomes implements ShadowTester.
func (s *Shadow) Outcomes(testID string) (baseline, treatment []domain.TradeOutcome, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[testID]
	if !ok {
		_, ok = s.running[testID]
		return nil, nil, ok
	}
	return o[0], o[1], true
}

// Stop implements ShadowTester.
func (s *Shadow) Stop(testID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[testID]; ok {
		s.running[testID] = false
	}
	return nil
}

// Remove implements ShadowTester.
func (s *Shadow) Remove(testID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, testID)
}

// Comparator returns a fixed comparison, or calls Fn when set.
type Comparator struct {
	Result domain.PerformanceComparison
	Fn     func(control, treatment []domain.TradeOutcome) domain.PerformanceComparison
}

// Compare implements the orchestrator Comparator.
func (c *Comparator) Compare(control, treatment []domain.TradeOutcome) domain.PerformanceComparison {
	if c.Fn != nil {
		return c.Fn(control, treatment)
	}
	return c.Result
}

// StageManager returns scripted decisions per test and walks the plan
// without dwell or sample gates.
type StageManager struct {
	plan domain.StagePlan

	mu        sync.Mutex
	decisions map[string]domain.StageDecisionType
	panics    map[string]bool
	calls     map[string]int
}

// NewStageManager creates a stage manager over plan. Undecided tests HOLD.
func NewStageManager(plan domain.StagePlan) *StageManager {
	return &StageManager{
		plan:      plan,
		decisions: make(map[string]domain.StageDecisionType),
		panics:    make(map[string]bool),
		calls:     make(map[string]int),
	}
}

// Decide scripts the verdict for testID.
func (m *StageManager) Decide(testID string, d domain.StageDecisionType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[testID] = d
}

// PanicOn makes AdvanceDecision panic for testID.
func (m *StageManager) PanicOn(testID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics[testID] = true
}

// Calls returns how often AdvanceDecision ran for testID.
func (m *StageManager) Calls(testID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[testID]
}

// Plan implements StageManager.
func (m *StageManager) Plan() domain.StagePlan { return m.plan }

// NextPhase implements StageManager.
func (m *StageManager) NextPhase(ph domain.Phase) (domain.Phase, bool) { return m.plan.Next(ph) }

// AdvanceDecision implements StageManager.
func (m *StageManager) AdvanceDecision(test *domain.ImprovementTest, _ domain.PerformanceComparison) domain.StageDecision {
	m.mu.Lock()
	m.calls[test.TestID]++
	d, ok := m.decisions[test.TestID]
	panics := m.panics[test.TestID]
	m.mu.Unlock()

	if panics {
		panic("stub: stage manager failure for " + test.TestID)
	}
	if !ok {
		d = domain.DecisionHold
	}
	return domain.StageDecision{
		Decision:        d,
		Reason:          "scripted " + string(d),
		DecisionMaker:   domain.DecisionMakerAutomatic,
		ConfidenceLevel: 1,
	}
}

// StartStage implements StageManager.
func (m *StageManager) StartStage(test *domain.ImprovementTest, pct decimal.Decimal) error {
	test.TreatmentGroup.ActiveAccountIDs = append([]string(nil), test.TreatmentGroup.AccountIDs...)
	test.TreatmentGroup.AllocationPct = pct
	test.StageResults = append(test.StageResults, domain.RolloutStageResults{Stage: pct, StartDate: test.UpdatedAt})
	return nil
}

// RollbackManager returns scripted decisions and performs rollbacks
// without an executor. Accounts go back to Releaser when set.
type RollbackManager struct {
	Releaser interface{ Release(testID string) int }

	mu        sync.Mutex
	decisions map[string]domain.RollbackDecision
	executed  map[string]int
}

// NewRollbackManager creates a rollback manager with no breaches.
func NewRollbackManager() *RollbackManager {
	return &RollbackManager{
		decisions: make(map[string]domain.RollbackDecision),
		executed:  make(map[string]int),
	}
}

// Trigger scripts a breach for testID.
func (m *RollbackManager) Trigger(testID string, severity domain.Severity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[testID] = domain.RollbackDecision{
		TestID:    testID,
		Trigger:   domain.TriggerPerformanceDrop,
		Severity:  severity,
		Immediate: severity.Rank() >= domain.SeverityAutomatic.Rank(),
		Reason:    "scripted " + string(severity),
	}
}

// Executed returns how often testID was rolled back.
func (m *RollbackManager) Executed(testID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executed[testID]
}

// CheckConditions implements RollbackManager.
func (m *RollbackManager) CheckConditions(_ context.Context, test *domain.ImprovementTest, _ domain.PerformanceComparison) *domain.RollbackDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[test.TestID]
	if !ok {
		return nil
	}
	return &d
}

// Execute implements RollbackManager.
func (m *RollbackManager) Execute(_ context.Context, test *domain.ImprovementTest, d domain.RollbackDecision) domain.RollbackResult {
	m.mu.Lock()
	m.executed[test.TestID]++
	m.mu.Unlock()

	res := domain.RollbackResult{TestID: test.TestID}
	if test.CurrentPhase != domain.PhaseRolledBack {
		if err := test.Transition(domain.PhaseRolledBack, nil, test.UpdatedAt, d.Reason); err != nil {
			res.Errors = []string{err.Error()}
			return res
		}
		test.RollbackReason = d.Reason
	}
	for i := range test.TreatmentGroup.Changes {
		ch := &test.TreatmentGroup.Changes[i]
		if !ch.Reverted {
			ch.Reverted = true
			if ch.Applied {
				res.ChangesReverted++
			}
		}
	}
	res.RollbackSuccessful = true
	if m.Releaser != nil {
		m.Releaser.Release(test.TestID)
	}
	return res
}

// RetryReverts implements RollbackManager.
func (m *RollbackManager) RetryReverts(_ context.Context, test *domain.ImprovementTest) domain.RollbackResult {
	test.RevertPending = false
	return domain.RollbackResult{TestID: test.TestID, RollbackSuccessful: true}
}
