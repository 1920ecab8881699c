// Package orchestrator drives improvement tests through shadow validation,
// staged rollout and rollback.
// Each cycle runs: pending reverts → per-test processing → intake → record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/observability"
	"canary-pipeline/internal/ports"
	"canary-pipeline/internal/retry"
	"canary-pipeline/internal/shadow"
	"canary-pipeline/internal/storage"
	"canary-pipeline/internal/storage/memory"
)

// ShadowTester runs tests against the simulated market.
type ShadowTester interface {
	Start(test *domain.ImprovementTest) error
	Has(testID string) bool
	Update(testID string) (*shadow.UpdateSummary, error)
	CheckCompletion(testID string) shadow.CompletionStatus
	Evaluate(test *domain.ImprovementTest) (domain.ShadowTestResults, error)
	Outcomes(testID string) (baseline, treatment []domain.TradeOutcome, ok bool)
	Stop(testID, reason string) error
	Remove(testID string)
}

// StageManager decides rollout stage moves.
type StageManager interface {
	Plan() domain.StagePlan
	NextPhase(ph domain.Phase) (domain.Phase, bool)
	AdvanceDecision(test *domain.ImprovementTest, cmp domain.PerformanceComparison) domain.StageDecision
	StartStage(test *domain.ImprovementTest, pct decimal.Decimal) error
}

// Comparator contrasts control and treatment outcomes.
type Comparator interface {
	Compare(control, treatment []domain.TradeOutcome) domain.PerformanceComparison
}

// RollbackManager detects breaches and reverts changes.
type RollbackManager interface {
	CheckConditions(ctx context.Context, test *domain.ImprovementTest, cmp domain.PerformanceComparison) *domain.RollbackDecision
	Execute(ctx context.Context, test *domain.ImprovementTest, decision domain.RollbackDecision) domain.RollbackResult
	RetryReverts(ctx context.Context, test *domain.ImprovementTest) domain.RollbackResult
}

// AccountPool hands out live accounts to tests.
type AccountPool interface {
	Reserve(testID string, control, treatment int) (controlIDs, treatmentIDs []string, err error)
	Restore(testID string, accountIDs []string) error
	Release(testID string) int
	Available() int
}

// Default values.
const (
	DefaultCycleInterval = time.Hour
	DefaultMaxPending    = 256
)

// saveTimeout bounds state writes that outlive the caller's context.
const saveTimeout = 10 * time.Second

// Options for creating Orchestrator.
type Options struct {
	// Required components
	Shadow     ShadowTester
	Stages     StageManager
	Comparator Comparator
	Rollback   RollbackManager
	Accounts   AccountPool

	// Required collaborators
	Performance ports.PerformanceDataProvider
	Executor    ports.ChangeExecutor

	// Optional collaborators
	Source ports.SuggestionSource
	Audit  ports.AuditSink

	// Stores. Checkpoints default to an in-memory store.
	Tests       storage.TestStore
	Cycles      storage.CycleStore
	Checkpoints storage.CheckpointStore

	Metrics *observability.Metrics

	// Pipeline configuration
	MaxConcurrentTests int
	ControlAccounts    int // accounts reserved per test for the control group
	TreatmentAccounts  int // accounts reserved per test for the treatment group
	Workers            int // parallel per-test workers; defaults to MaxConcurrentTests
	MaxPending         int // suggestions held back for later cycles
	CycleInterval      time.Duration
	Thresholds         domain.RollbackThresholds
	RetryPolicy        *retry.Policy // nil uses retry.DefaultPolicy

	Clock  func() time.Time
	Logger zerolog.Logger
}

// Orchestrator coordinates the improvement pipeline. One instance owns every
// test it loads; per-test state is only written under that test's lock.
type Orchestrator struct {
	shadow     ShadowTester
	stages     StageManager
	comparator Comparator
	rollback   RollbackManager
	pool       AccountPool

	performance ports.PerformanceDataProvider
	executor    ports.ChangeExecutor
	source      ports.SuggestionSource
	audit       ports.AuditSink

	tests       storage.TestStore
	cycles      storage.CycleStore
	checkpoints storage.CheckpointStore
	metrics     *observability.Metrics

	maxConcurrent int
	controlSize   int
	treatmentSize int
	workers       int
	maxPending    int
	interval      time.Duration
	thresholds    domain.RollbackThresholds
	policy        retry.Policy
	validate      *validator.Validate
	now           func() time.Time
	log           zerolog.Logger

	cycleMu sync.Mutex // one cycle at a time

	testLocks sync.Map // test id -> *sync.Mutex
	stops     sync.Map // test id -> stop reason

	statusMu   sync.Mutex
	cycleCount int
	lastCycle  *domain.ImprovementCycleResults
	pending    []domain.ImprovementSuggestion
	testErrors map[string]string

	runMu   sync.Mutex // serializes start and stop
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates opts, restores the state of persisted tests and returns a
// ready orchestrator. Invalid options return *domain.ConfigurationError.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		shadow:        opts.Shadow,
		stages:        opts.Stages,
		comparator:    opts.Comparator,
		rollback:      opts.Rollback,
		pool:          opts.Accounts,
		performance:   opts.Performance,
		executor:      opts.Executor,
		source:        opts.Source,
		audit:         opts.Audit,
		tests:         opts.Tests,
		cycles:        opts.Cycles,
		checkpoints:   opts.Checkpoints,
		metrics:       opts.Metrics,
		maxConcurrent: opts.MaxConcurrentTests,
		controlSize:   opts.ControlAccounts,
		treatmentSize: opts.TreatmentAccounts,
		workers:       opts.Workers,
		maxPending:    opts.MaxPending,
		interval:      opts.CycleInterval,
		thresholds:    opts.Thresholds,
		policy:        retry.DefaultPolicy(),
		validate:      validator.New(),
		now:           opts.Clock,
		log:           opts.Logger.With().Str("component", "orchestrator").Logger(),
		testErrors:    make(map[string]string),
	}
	if o.checkpoints == nil {
		o.checkpoints = memory.NewCheckpointStore()
	}
	if o.workers <= 0 {
		o.workers = o.maxConcurrent
	}
	if o.maxPending <= 0 {
		o.maxPending = DefaultMaxPending
	}
	if o.interval <= 0 {
		o.interval = DefaultCycleInterval
	}
	if opts.RetryPolicy != nil {
		o.policy = *opts.RetryPolicy
	}
	if o.now == nil {
		o.now = time.Now
	}

	if err := o.restore(ctx); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	return o, nil
}

func validateOptions(opts Options) error {
	required := []struct {
		field string
		ok    bool
	}{
		{"shadow", opts.Shadow != nil},
		{"stages", opts.Stages != nil},
		{"comparator", opts.Comparator != nil},
		{"rollback", opts.Rollback != nil},
		{"accounts", opts.Accounts != nil},
		{"performance", opts.Performance != nil},
		{"executor", opts.Executor != nil},
		{"tests", opts.Tests != nil},
		{"cycles", opts.Cycles != nil},
	}
	for _, r := range required {
		if !r.ok {
			return &domain.ConfigurationError{Field: r.field, Reason: "is required"}
		}
	}
	if opts.MaxConcurrentTests <= 0 {
		return &domain.ConfigurationError{Field: "max_concurrent_tests", Reason: "must be positive"}
	}
	if opts.ControlAccounts <= 0 || opts.TreatmentAccounts <= 0 {
		return &domain.ConfigurationError{Field: "accounts_per_group", Reason: "must be positive"}
	}
	th := opts.Thresholds
	if th.PerformanceDrop <= 0 || th.DrawdownIncrease <= 0 || th.WinRateCollapse <= 0 {
		return &domain.ConfigurationError{Field: "rollback_threshold", Reason: "must be greater than zero"}
	}
	if th.MinSamples < 0 {
		return &domain.ConfigurationError{Field: "rollback.min_samples", Reason: "must not be negative"}
	}
	return opts.Stages.Plan().Validate()
}

// restore re-reserves accounts of persisted tests, resumes shadow runs that
// lost their simulation context and loads the cycle counter.
func (o *Orchestrator) restore(ctx context.Context) error {
	active, err := o.tests.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("load active tests: %w", err)
	}
	rolledBack, err := o.tests.GetByPhase(ctx, domain.PhaseRolledBack)
	if err != nil {
		return fmt.Errorf("load rolled back tests: %w", err)
	}

	for _, t := range rolledBack {
		if t.RevertPending {
			active = append(active, t)
		}
	}
	for _, t := range active {
		if err := o.pool.Restore(t.TestID, t.AccountIDs()); err != nil {
			return fmt.Errorf("restore accounts of %s: %w", t.TestID, err)
		}
		if t.CurrentPhase == domain.PhaseShadow && t.ShadowResults == nil && !o.shadow.Has(t.TestID) {
			if err := o.shadow.Start(t); err != nil {
				o.noteError(t.TestID, err)
				o.log.Warn().Err(err).Str("test_id", t.TestID).Msg("shadow run not resumed")
			}
		}
	}

	cp, err := o.checkpoints.GetCheckpoint(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load checkpoint: %w", err)
	default:
		o.cycleCount = cp.CycleCount
		o.pending = cp.Pending
	}

	o.log.Info().
		Int("active_tests", len(active)).
		Int("cycle_count", o.cycleCount).
		Int("pending_suggestions", len(o.pending)).
		Msg("state restored")
	return nil
}

// StartPipeline starts the periodic cycle loop. The first cycle runs
// immediately. Returns whether the pipeline is running.
func (o *Orchestrator) StartPipeline() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.running.Load() {
		return true
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running.Store(true)
	go o.loop(ctx, o.done)

	o.log.Info().Dur("interval", o.interval).Msg("pipeline started")
	return true
}

// StopPipeline stops the loop and waits for an in-flight cycle to return.
// Returns whether the pipeline is running.
func (o *Orchestrator) StopPipeline() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if !o.running.Load() {
		return false
	}
	o.cancel()
	<-o.done
	o.running.Store(false)
	o.log.Info().Msg("pipeline stopped")
	return false
}

func (o *Orchestrator) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		o.ExecuteCycleOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) isRunning() bool {
	return o.running.Load()
}

// EmergencyStopTest rolls testID back immediately, outside the cycle.
// A worker currently processing the test stops at its next step. Returns
// false when the test is unknown, already terminal or already being stopped.
func (o *Orchestrator) EmergencyStopTest(ctx context.Context, testID, reason string) bool {
	test, err := o.tests.GetByID(ctx, testID)
	if err != nil || test.CurrentPhase.IsTerminal() {
		return false
	}
	if _, loaded := o.stops.LoadOrStore(testID, reason); loaded {
		return false
	}
	defer o.stops.Delete(testID)

	lock := o.lockFor(testID)
	lock.Lock()
	defer lock.Unlock()

	// Reload: a worker may have saved progress while we waited.
	test, err = o.tests.GetByID(ctx, testID)
	if err != nil {
		return false
	}
	switch test.CurrentPhase {
	case domain.PhaseRolledBack:
		return true
	case domain.PhaseCompleted:
		return false
	}

	from := test.CurrentPhase
	decision := domain.RollbackDecision{
		TestID:     testID,
		Trigger:    domain.TriggerEmergencyStop,
		Severity:   domain.SeverityCritical,
		Immediate:  true,
		Reason:     "emergency stop: " + reason,
		DetectedAt: o.now(),
	}
	o.record(domain.AuditEvent{
		TestID:    testID,
		Type:      domain.AuditEmergencyStop,
		Severity:  domain.SeverityCritical,
		Message:   decision.Reason,
		FromPhase: from,
	})
	res := o.rollback.Execute(context.WithoutCancel(ctx), test, decision)
	o.finishShadow(testID, "emergency stop")
	if err := o.save(ctx, test); err != nil {
		o.noteError(testID, err)
		o.log.Error().Err(err).Str("test_id", testID).Msg("emergency stop not persisted")
		return false
	}
	o.metrics.RecordRollback(string(domain.SeverityCritical))
	if test.CurrentPhase == domain.PhaseRolledBack {
		o.metrics.RecordTransition(string(from), string(domain.PhaseRolledBack))
	}

	o.log.Warn().
		Str("test_id", testID).
		Str("phase", string(from)).
		Str("reason", reason).
		Bool("reverted", res.RollbackSuccessful).
		Msg("emergency stop")
	return test.CurrentPhase == domain.PhaseRolledBack
}

// GetStatus returns a point-in-time view of the pipeline.
func (o *Orchestrator) GetStatus(ctx context.Context) domain.PipelineStatus {
	status := domain.PipelineStatus{
		Running:           o.isRunning(),
		PhaseCounts:       make(map[domain.Phase]int),
		AvailableAccounts: o.pool.Available(),
	}

	if active, err := o.tests.GetActive(ctx); err == nil {
		status.ActiveTests = len(active)
		for _, t := range active {
			status.PhaseCounts[t.CurrentPhase]++
		}
	} else {
		o.log.Warn().Err(err).Msg("status: load active tests")
	}
	if rolled, err := o.tests.GetByPhase(ctx, domain.PhaseRolledBack); err == nil {
		for _, t := range rolled {
			if t.RevertPending {
				status.PendingReverts++
			}
		}
	}

	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	status.CycleCount = o.cycleCount
	status.PendingSuggestions = len(o.pending)
	status.ErroredTests = len(o.testErrors)
	if len(o.testErrors) > 0 {
		status.TestErrors = make(map[string]string, len(o.testErrors))
		for id, msg := range o.testErrors {
			status.TestErrors[id] = msg
		}
	}
	if o.lastCycle != nil {
		last := *o.lastCycle
		last.Errors = append([]string(nil), o.lastCycle.Errors...)
		status.LastCycle = &last
	}
	return status
}

// save writes test through a context detached from ctx. Once the live
// system has been touched, the stored state must follow it even if the
// caller has gone away.
func (o *Orchestrator) save(ctx context.Context, test *domain.ImprovementTest) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	return o.tests.Update(ctx, test)
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
}

func (o *Orchestrator) lockFor(testID string) *sync.Mutex {
	l, _ := o.testLocks.LoadOrStore(testID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (o *Orchestrator) stopRequested(testID string) bool {
	_, ok := o.stops.Load(testID)
	return ok
}

func (o *Orchestrator) noteError(testID string, err error) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	if err == nil {
		delete(o.testErrors, testID)
		return
	}
	o.testErrors[testID] = err.Error()
}

func (o *Orchestrator) finishShadow(testID, reason string) {
	_ = o.shadow.Stop(testID, reason)
	o.shadow.Remove(testID)
}
