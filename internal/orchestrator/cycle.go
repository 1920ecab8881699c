package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/idhash"
	"canary-pipeline/internal/shadow"
	"canary-pipeline/internal/storage"
)

// outcomeKind is what happened to one test in one cycle.
type outcomeKind int

const (
	outcomeHeld outcomeKind = iota
	outcomeAdvanced
	outcomeCompleted
	outcomeRolledBack
	outcomeStopped // emergency stop pending, state saved as is
	outcomeSkipped // terminal or gone
	outcomeFailed
)

type testOutcome struct {
	kind outcomeKind
	err  error
}

// tally aggregates worker outcomes into the cycle record.
type tally struct {
	mu  sync.Mutex
	res *domain.ImprovementCycleResults
}

func (t *tally) add(testID string, out testOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch out.kind {
	case outcomeSkipped:
		return
	case outcomeAdvanced:
		t.res.TestsAdvanced++
	case outcomeCompleted:
		t.res.TestsCompleted++
	case outcomeRolledBack:
		t.res.RollbackActions++
	}
	t.res.TestsProcessed++
	if out.err != nil {
		t.res.TestErrors++
		t.res.Errors = append(t.res.Errors, fmt.Sprintf("test %s: %v", testID, out.err))
	}
}

func (t *tally) fail(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.Errors = append(t.res.Errors, fmt.Sprintf(format, args...))
}

// ExecuteCycleOnce runs exactly one cycle and returns its record. Errors of
// single tests are contained and reported in the record; a cycle never
// fails as a whole.
func (o *Orchestrator) ExecuteCycleOnce(ctx context.Context) domain.ImprovementCycleResults {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := o.now()
	res := &domain.ImprovementCycleResults{
		CycleID:       uuid.NewString(),
		ExecutionTime: start,
	}
	t := &tally{res: res}
	log := o.log.With().Str("cycle_id", res.CycleID).Logger()

	o.retryPendingReverts(ctx, t)

	active, err := o.tests.GetActive(ctx)
	if err != nil {
		t.fail("load active tests: %v", err)
	} else {
		var g errgroup.Group
		g.SetLimit(o.workers)
		for _, test := range active {
			id := test.TestID
			g.Go(func() error {
				out := o.processTest(ctx, id)
				t.add(id, out)
				if out.kind != outcomeSkipped {
					o.noteError(id, out.err)
				}
				if out.err != nil {
					o.metrics.RecordTestError()
					log.Error().Err(out.err).Str("test_id", id).Msg("test processing failed")
				}
				return nil
			})
		}
		_ = g.Wait()

		o.intake(ctx, t)
	}

	res.Duration = o.now().Sub(start)
	if err := o.cycles.Append(ctx, res); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("append cycle: %v", err))
	}

	o.statusMu.Lock()
	o.cycleCount++
	count := o.cycleCount
	snapshot := *res
	o.lastCycle = &snapshot
	pending := slices.Clone(o.pending)
	o.statusMu.Unlock()

	// Polled suggestions are gone from the source; the backlog is saved
	// even when ctx was cancelled mid-cycle.
	saveCtx, cancel := detached(ctx)
	err = o.checkpoints.SetCheckpoint(saveCtx, &storage.Checkpoint{
		CycleCount:  count,
		LastCycleID: res.CycleID,
		Pending:     pending,
	})
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("checkpoint not saved")
	}

	activeNow := 0
	if now, err := o.tests.GetActive(ctx); err == nil {
		activeNow = len(now)
	}
	o.metrics.RecordCycle(res.Duration, len(res.Errors), start)
	o.metrics.SetGauges(activeNow, len(pending), o.pool.Available())

	log.Info().
		Int("cycle", count).
		Int("tests_processed", res.TestsProcessed).
		Int("advanced", res.TestsAdvanced).
		Int("completed", res.TestsCompleted).
		Int("rollbacks", res.RollbackActions).
		Int("new_tests", res.NewTestsCreated).
		Int("errors", len(res.Errors)).
		Dur("duration", res.Duration).
		Msg("cycle finished")
	return *res
}

// retryPendingReverts re-attempts reverts of rolled-back tests whose
// changes are still live.
func (o *Orchestrator) retryPendingReverts(ctx context.Context, t *tally) {
	rolled, err := o.tests.GetByPhase(ctx, domain.PhaseRolledBack)
	if err != nil {
		t.fail("load rolled back tests: %v", err)
		return
	}
	for _, test := range rolled {
		if !test.RevertPending {
			continue
		}
		o.retryReverts(ctx, test.TestID, t)
	}
}

func (o *Orchestrator) retryReverts(ctx context.Context, testID string, t *tally) {
	lock := o.lockFor(testID)
	lock.Lock()
	defer lock.Unlock()

	test, err := o.tests.GetByID(ctx, testID)
	if err != nil || !test.RevertPending {
		return
	}
	res := o.rollback.RetryReverts(ctx, test)
	if err := o.save(ctx, test); err != nil {
		t.fail("test %s: save after revert retry: %v", testID, err)
		return
	}
	if !res.RollbackSuccessful {
		t.fail("test %s: revert still pending: %v", testID, res.Errors)
		return
	}
	o.noteError(testID, nil)
	o.log.Info().Str("test_id", testID).Int("changes_reverted", res.ChangesReverted).Msg("pending reverts completed")
}

// processTest advances one test by one step under its lock. Panics are
// recovered into a failed outcome.
func (o *Orchestrator) processTest(ctx context.Context, testID string) (out testOutcome) {
	lock := o.lockFor(testID)
	lock.Lock()
	defer lock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			out = testOutcome{kind: outcomeFailed, err: fmt.Errorf("panic: %v", r)}
			o.log.Error().Str("test_id", testID).Bytes("stack", debug.Stack()).Msg("recovered panic")
		}
	}()

	test, err := o.tests.GetByID(ctx, testID)
	if err != nil {
		return testOutcome{kind: outcomeFailed, err: fmt.Errorf("load: %w", err)}
	}
	if test.CurrentPhase.IsTerminal() || o.stopRequested(testID) {
		return testOutcome{kind: outcomeSkipped}
	}

	switch {
	case test.CurrentPhase == domain.PhaseShadow:
		out = o.processShadow(ctx, test)
	case test.CurrentPhase.IsRollout():
		out = o.processRollout(ctx, test)
	default:
		out = testOutcome{kind: outcomeFailed, err: fmt.Errorf("unknown phase %q", test.CurrentPhase)}
	}

	if out.err != nil {
		test.LastError = out.err.Error()
	}
	if err := o.save(ctx, test); err != nil {
		out.err = errors.Join(out.err, fmt.Errorf("save: %w", err))
	}
	return out
}

func (o *Orchestrator) processShadow(ctx context.Context, test *domain.ImprovementTest) testOutcome {
	id := test.TestID

	// Already evaluated: only the promotion is outstanding.
	if test.ShadowResults != nil {
		return o.decideShadow(ctx, test)
	}

	if !o.shadow.Has(id) {
		if err := o.shadow.Start(test); err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				return o.rollbackNow(ctx, test, domain.TriggerShadowValidation, verr.Reason)
			}
			return testOutcome{kind: outcomeFailed, err: fmt.Errorf("start shadow: %w", err)}
		}
	}
	if _, err := o.shadow.Update(id); err != nil {
		return testOutcome{kind: outcomeFailed, err: fmt.Errorf("shadow update: %w", err)}
	}

	// Rollback checks run on the simulated outcomes before any promotion.
	if baseline, treatment, ok := o.shadow.Outcomes(id); ok && len(treatment) > 0 {
		cmp := o.comparator.Compare(baseline, treatment)
		if rolled := o.checkRollback(ctx, test, cmp); rolled {
			return testOutcome{kind: outcomeRolledBack}
		}
	}
	if o.stopRequested(id) {
		return testOutcome{kind: outcomeStopped}
	}

	if status := o.shadow.CheckCompletion(id); status != shadow.StatusComplete {
		o.log.Debug().Str("test_id", id).Str("status", string(status)).Msg("shadow run continues")
		return testOutcome{kind: outcomeHeld}
	}
	res, err := o.shadow.Evaluate(test)
	if err != nil {
		var ide *domain.InsufficientDataError
		if errors.As(err, &ide) {
			return testOutcome{kind: outcomeHeld}
		}
		return testOutcome{kind: outcomeFailed, err: fmt.Errorf("shadow evaluate: %w", err)}
	}
	test.ShadowResults = &res
	test.UpdatedAt = o.now()
	o.record(domain.AuditEvent{
		TestID:    id,
		Type:      domain.AuditShadowEvaluated,
		Severity:  domain.SeverityInfo,
		Message:   "shadow run evaluated: " + res.Recommendation,
		FromPhase: test.CurrentPhase,
		Details: map[string]string{
			"signals":         fmt.Sprint(res.TotalSignals),
			"trades":          fmt.Sprint(res.TradesExecuted),
			"improvement_pct": fmt.Sprintf("%.4f", res.Comparison.PercentageImprovement),
			"p_value":         fmt.Sprintf("%.6f", res.Comparison.Analysis.PValue),
		},
	})
	return o.decideShadow(ctx, test)
}

func (o *Orchestrator) decideShadow(ctx context.Context, test *domain.ImprovementTest) testOutcome {
	res := test.ShadowResults
	if res.Recommendation != domain.RecommendProceed {
		reason := fmt.Sprintf("shadow recommendation %s (validation passed: %v)", res.Recommendation, res.ValidationPassed)
		return o.rollbackNow(ctx, test, domain.TriggerShadowValidation, reason)
	}
	return o.promote(ctx, test)
}

// promote applies the changes and enters the first rollout stage. A failed
// apply leaves the test in SHADOW for the next cycle; applied changes stay
// flagged so they are neither applied twice nor forgotten by a rollback.
func (o *Orchestrator) promote(ctx context.Context, test *domain.ImprovementTest) testOutcome {
	changes := test.TreatmentGroup.Changes
	for i := range changes {
		if o.stopRequested(test.TestID) {
			return testOutcome{kind: outcomeStopped}
		}
		ch := &changes[i]
		if ch.Applied {
			continue
		}
		if err := o.callExecutor(ctx, *ch); err != nil {
			o.record(domain.AuditEvent{
				TestID:    test.TestID,
				Type:      domain.AuditChangeApplyDeferred,
				Severity:  domain.SeverityWarning,
				Message:   err.Error(),
				FromPhase: test.CurrentPhase,
				Details:   map[string]string{"change_id": ch.ChangeID, "component": ch.Component},
			})
			return testOutcome{kind: outcomeHeld, err: err}
		}
		ch.Applied = true
	}

	plan := o.stages.Plan()
	next, ok := o.stages.NextPhase(domain.PhaseShadow)
	if !ok {
		return testOutcome{kind: outcomeFailed, err: errors.New("stage plan has no rollout stage")}
	}
	pct, _ := next.Percentage()
	if err := o.transition(test, next, plan, "shadow validation passed"); err != nil {
		return testOutcome{kind: outcomeFailed, err: err}
	}
	if err := o.stages.StartStage(test, pct); err != nil {
		return testOutcome{kind: outcomeFailed, err: fmt.Errorf("start stage: %w", err)}
	}
	o.finishShadow(test.TestID, "promoted")
	return testOutcome{kind: outcomeAdvanced}
}

func (o *Orchestrator) processRollout(ctx context.Context, test *domain.ImprovementTest) testOutcome {
	stage := test.CurrentStage()
	if stage == nil {
		return testOutcome{kind: outcomeFailed, err: fmt.Errorf("no stage record for %s", test.CurrentPhase)}
	}

	window := domain.TimeRange{Start: stage.StartDate, End: o.now()}
	control, err := o.fetchOutcomes(ctx, test.ControlGroup.LiveAccountIDs(), window)
	if err != nil {
		return testOutcome{kind: outcomeHeld, err: err}
	}
	treatment, err := o.fetchOutcomes(ctx, test.TreatmentGroup.LiveAccountIDs(), window)
	if err != nil {
		return testOutcome{kind: outcomeHeld, err: err}
	}

	cmp := o.comparator.Compare(control, treatment)
	stage.Comparison = &cmp

	// Rollback preempts any stage decision in the same cycle.
	if rolled := o.checkRollback(ctx, test, cmp); rolled {
		return testOutcome{kind: outcomeRolledBack}
	}
	if o.stopRequested(test.TestID) {
		return testOutcome{kind: outcomeStopped}
	}

	decision := o.stages.AdvanceDecision(test, cmp)
	stage.Decision = &decision
	o.metrics.RecordStageDecision(string(decision.Decision))
	o.record(domain.AuditEvent{
		TestID:    test.TestID,
		Type:      domain.AuditStageDecision,
		Severity:  domain.SeverityInfo,
		Message:   decision.Reason,
		FromPhase: test.CurrentPhase,
		Details: map[string]string{
			"decision":   string(decision.Decision),
			"confidence": fmt.Sprintf("%.4f", decision.ConfidenceLevel),
		},
	})

	switch decision.Decision {
	case domain.DecisionAdvance:
		return o.advance(test, decision.Reason)
	case domain.DecisionRollback:
		return o.executeRollback(ctx, test, domain.RollbackDecision{
			TestID:       test.TestID,
			Trigger:      domain.TriggerStageDecision,
			TriggerValue: cmp.RelativeImprovement,
			Severity:     domain.SeverityAutomatic,
			Immediate:    true,
			Reason:       decision.Reason,
			DetectedAt:   decision.DecidedAt,
		})
	default:
		return testOutcome{kind: outcomeHeld}
	}
}

func (o *Orchestrator) advance(test *domain.ImprovementTest, reason string) testOutcome {
	next, ok := o.stages.NextPhase(test.CurrentPhase)
	if !ok {
		return testOutcome{kind: outcomeFailed, err: fmt.Errorf("no phase after %s", test.CurrentPhase)}
	}
	if err := o.transition(test, next, o.stages.Plan(), reason); err != nil {
		return testOutcome{kind: outcomeFailed, err: err}
	}

	if next == domain.PhaseCompleted {
		released := o.pool.Release(test.TestID)
		o.log.Info().Str("test_id", test.TestID).Int("released", released).Msg("test completed")
		return testOutcome{kind: outcomeCompleted}
	}
	pct, _ := next.Percentage()
	if err := o.stages.StartStage(test, pct); err != nil {
		return testOutcome{kind: outcomeFailed, err: fmt.Errorf("start stage: %w", err)}
	}
	return testOutcome{kind: outcomeAdvanced}
}

// checkRollback evaluates rollback triggers. Warnings are audited only;
// immediate breaches are executed. Reports whether the test was rolled back.
func (o *Orchestrator) checkRollback(ctx context.Context, test *domain.ImprovementTest, cmp domain.PerformanceComparison) bool {
	d := o.rollback.CheckConditions(ctx, test, cmp)
	if d == nil {
		return false
	}
	if !d.Immediate {
		o.metrics.RecordRollback(string(d.Severity))
		o.record(domain.AuditEvent{
			TestID:    test.TestID,
			Type:      domain.AuditRollbackWarning,
			Severity:  d.Severity,
			Message:   d.Reason,
			FromPhase: test.CurrentPhase,
			Details: map[string]string{
				"trigger":       d.Trigger,
				"trigger_value": fmt.Sprintf("%.6f", d.TriggerValue),
				"threshold":     fmt.Sprintf("%.6f", d.Threshold),
			},
		})
		return false
	}
	out := o.executeRollback(ctx, test, *d)
	return out.kind == outcomeRolledBack
}

func (o *Orchestrator) rollbackNow(ctx context.Context, test *domain.ImprovementTest, trigger, reason string) testOutcome {
	return o.executeRollback(ctx, test, domain.RollbackDecision{
		TestID:     test.TestID,
		Trigger:    trigger,
		Severity:   domain.SeverityAutomatic,
		Immediate:  true,
		Reason:     reason,
		DetectedAt: o.now(),
	})
}

func (o *Orchestrator) executeRollback(ctx context.Context, test *domain.ImprovementTest, d domain.RollbackDecision) testOutcome {
	from := test.CurrentPhase
	res := o.rollback.Execute(context.WithoutCancel(ctx), test, d)
	if test.CurrentPhase != domain.PhaseRolledBack {
		return testOutcome{kind: outcomeFailed, err: fmt.Errorf("rollback: %v", res.Errors)}
	}
	o.finishShadow(test.TestID, "rolled back")
	o.metrics.RecordRollback(string(d.Severity))
	o.metrics.RecordTransition(string(from), string(domain.PhaseRolledBack))

	out := testOutcome{kind: outcomeRolledBack}
	if !res.RollbackSuccessful {
		out.err = fmt.Errorf("revert pending: %v", res.Errors)
	}
	return out
}

func (o *Orchestrator) transition(test *domain.ImprovementTest, to domain.Phase, plan domain.StagePlan, reason string) error {
	from := test.CurrentPhase
	if err := test.Transition(to, plan, o.now(), reason); err != nil {
		return err
	}
	o.metrics.RecordTransition(string(from), string(to))
	o.record(domain.AuditEvent{
		TestID:    test.TestID,
		Type:      domain.AuditPhaseTransition,
		Severity:  domain.SeverityInfo,
		Message:   reason,
		FromPhase: from,
		ToPhase:   to,
	})
	o.log.Info().
		Str("test_id", test.TestID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("phase transition")
	return nil
}

// fetchOutcomes reads live outcomes with retries. Exhausted retries come
// back as *domain.ExternalServiceError; the caller holds the test.
func (o *Orchestrator) fetchOutcomes(ctx context.Context, accountIDs []string, window domain.TimeRange) ([]domain.TradeOutcome, error) {
	var out []domain.TradeOutcome
	err := o.retryExternal(ctx, "get_outcomes", func() error {
		var err error
		out, err = o.performance.GetOutcomes(ctx, accountIDs, window)
		return err
	})
	if err != nil {
		return nil, o.externalError("performance_feed", "get_outcomes", err)
	}
	return out, nil
}

func (o *Orchestrator) callExecutor(ctx context.Context, ch domain.Change) error {
	err := o.retryExternal(ctx, "apply", func() error {
		return o.executor.Apply(ctx, ch)
	})
	if err != nil {
		return o.externalError("change_executor", "apply "+ch.ChangeID, err)
	}
	return nil
}

func (o *Orchestrator) retryExternal(ctx context.Context, op string, fn func() error) error {
	p := o.policy
	p.OnRetry = func(err error, wait time.Duration) {
		o.log.Warn().Err(err).Str("op", op).Dur("wait", wait).Msg("external call failed, retrying")
	}
	return p.Do(ctx, fn)
}

func (o *Orchestrator) externalError(service, op string, err error) error {
	var ext *domain.ExternalServiceError
	if !errors.As(err, &ext) {
		ext = &domain.ExternalServiceError{Service: service, Op: op, Err: err}
		err = ext
	}
	o.metrics.RecordExternalError(ext.Service)
	return err
}

func (o *Orchestrator) record(e domain.AuditEvent) {
	if o.audit == nil {
		return
	}
	e.Timestamp = o.now()
	e.EventID = idhash.ComputeEventID(e.TestID, e.Type, e.Timestamp, e.Message)
	o.audit.Record(e)
}
