// Package rollback watches active tests for threshold breaches and reverts
// their changes.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/idhash"
	"canary-pipeline/internal/ports"
	"canary-pipeline/internal/retry"
)

// Severity tier boundaries as multiples of the configured threshold.
const (
	WarningRatio   = 0.75
	AutomaticRatio = 1.0
	CriticalRatio  = 2.0
)

// Releaser returns a test's accounts to the shared pool.
type Releaser interface {
	Release(testID string) int
}

// Manager evaluates rollback triggers and executes rollbacks.
type Manager struct {
	executor ports.ChangeExecutor
	releaser Releaser
	audit    ports.AuditSink
	monitor  ports.CorrelationMonitor
	policy   retry.Policy
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditSink sets the audit sink.
func WithAuditSink(s ports.AuditSink) Option {
	return func(m *Manager) { m.audit = s }
}

// WithCorrelationMonitor enables the correlation_spike trigger.
func WithCorrelationMonitor(c ports.CorrelationMonitor) Option {
	return func(m *Manager) { m.monitor = c }
}

// WithRetryPolicy sets the revert retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "rollback").Logger() }
}

// NewManager creates a Manager.
func NewManager(executor ports.ChangeExecutor, releaser Releaser, opts ...Option) *Manager {
	m := &Manager{
		executor: executor,
		releaser: releaser,
		policy:   retry.DefaultPolicy(),
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// breach is one evaluated trigger.
type breach struct {
	trigger   string
	value     float64 // signed, as observed
	threshold float64 // signed, same sense as value
	ratio     float64 // magnitude / limit
}

// CheckConditions evaluates the test's thresholds against cmp and the
// correlation monitor. It returns nil when no trigger reaches the warning
// tier. When several triggers fire, the most severe one is returned.
// Metric triggers are skipped until the treatment has MinSamples trades.
func (m *Manager) CheckConditions(ctx context.Context, test *domain.ImprovementTest, cmp domain.PerformanceComparison) *domain.RollbackDecision {
	th := test.Thresholds
	var breaches []breach

	if cmp.Analysis.TreatmentSampleSize >= th.MinSamples {
		if th.PerformanceDrop > 0 {
			drop := -cmp.RelativeImprovement
			breaches = append(breaches, breach{
				trigger:   domain.TriggerPerformanceDrop,
				value:     cmp.RelativeImprovement,
				threshold: -th.PerformanceDrop,
				ratio:     drop / th.PerformanceDrop,
			})
		}
		if th.DrawdownIncrease > 0 && cmp.Control.MaxDrawdown > 0 {
			inc := (cmp.Treatment.MaxDrawdown - cmp.Control.MaxDrawdown) / cmp.Control.MaxDrawdown
			breaches = append(breaches, breach{
				trigger:   domain.TriggerDrawdownIncrease,
				value:     -inc,
				threshold: -th.DrawdownIncrease,
				ratio:     inc / th.DrawdownIncrease,
			})
		}
		if th.WinRateCollapse > 0 {
			diff := cmp.Treatment.WinRate - cmp.Control.WinRate
			breaches = append(breaches, breach{
				trigger:   domain.TriggerWinRateCollapse,
				value:     diff,
				threshold: -th.WinRateCollapse,
				ratio:     -diff / th.WinRateCollapse,
			})
		}
	}

	if m.monitor != nil && th.CorrelationSpike > 0 {
		rho, ok, err := m.monitor.Correlation(ctx, test.TestID)
		switch {
		case err != nil:
			m.log.Warn().Err(err).Str("test_id", test.TestID).Msg("correlation monitor unavailable")
		case ok:
			breaches = append(breaches, breach{
				trigger:   domain.TriggerCorrelationSpike,
				value:     rho,
				threshold: th.CorrelationSpike,
				ratio:     rho / th.CorrelationSpike,
			})
		}
	}

	var worst *breach
	var worstSev domain.Severity
	for i := range breaches {
		sev := tier(breaches[i].ratio)
		if sev == "" {
			continue
		}
		if worst == nil || sev.Rank() > worstSev.Rank() ||
			(sev == worstSev && breaches[i].ratio > worst.ratio) {
			worst, worstSev = &breaches[i], sev
		}
	}
	if worst == nil {
		return nil
	}

	d := &domain.RollbackDecision{
		TestID:       test.TestID,
		Trigger:      worst.trigger,
		TriggerValue: worst.value,
		Threshold:    worst.threshold,
		Severity:     worstSev,
		Immediate:    worstSev.Rank() >= domain.SeverityAutomatic.Rank(),
		Reason:       fmt.Sprintf("%s %.4f against threshold %.4f (%s)", worst.trigger, worst.value, worst.threshold, worstSev),
		DetectedAt:   m.now(),
	}
	m.log.Info().
		Str("test_id", test.TestID).
		Str("trigger", d.Trigger).
		Str("severity", string(d.Severity)).
		Bool("immediate", d.Immediate).
		Msg("rollback condition detected")
	return d
}

func tier(ratio float64) domain.Severity {
	switch {
	case ratio >= CriticalRatio:
		return domain.SeverityCritical
	case ratio >= AutomaticRatio:
		return domain.SeverityAutomatic
	case ratio >= WarningRatio:
		return domain.SeverityWarning
	default:
		return ""
	}
}

// Execute rolls the test back: the phase moves to ROLLED_BACK first, then
// every applied change is reverted through the executor with retries.
// Accounts are released only when every revert succeeded; otherwise the
// test is marked RevertPending and RetryReverts picks it up later.
// Calling Execute on an already rolled-back test only retries reverts.
func (m *Manager) Execute(ctx context.Context, test *domain.ImprovementTest, decision domain.RollbackDecision) domain.RollbackResult {
	start := m.now()
	from := test.CurrentPhase

	if test.CurrentPhase != domain.PhaseRolledBack {
		if err := test.Transition(domain.PhaseRolledBack, nil, start, decision.Reason); err != nil {
			return domain.RollbackResult{
				TestID:   test.TestID,
				Duration: m.now().Sub(start),
				Errors:   []string{err.Error()},
			}
		}
		test.RollbackReason = decision.Reason
		sev := decision.Severity
		if sev == "" {
			sev = domain.SeverityAutomatic
		}
		m.record(domain.AuditEvent{
			TestID:    test.TestID,
			Type:      domain.AuditRollback,
			Severity:  sev,
			Message:   decision.Reason,
			FromPhase: from,
			ToPhase:   domain.PhaseRolledBack,
			Details: map[string]string{
				"trigger":       decision.Trigger,
				"trigger_value": fmt.Sprintf("%.6f", decision.TriggerValue),
				"threshold":     fmt.Sprintf("%.6f", decision.Threshold),
			},
		})
	}

	result := m.revertAll(ctx, test)
	result.Duration = m.now().Sub(start)

	m.log.Warn().
		Str("test_id", test.TestID).
		Str("from", string(from)).
		Str("trigger", decision.Trigger).
		Int("changes_reverted", result.ChangesReverted).
		Bool("successful", result.RollbackSuccessful).
		Dur("duration", result.Duration).
		Msg("rollback executed")
	return result
}

// RetryReverts re-attempts outstanding reverts of a rolled-back test.
func (m *Manager) RetryReverts(ctx context.Context, test *domain.ImprovementTest) domain.RollbackResult {
	start := m.now()
	result := m.revertAll(ctx, test)
	result.Duration = m.now().Sub(start)
	return result
}

func (m *Manager) revertAll(ctx context.Context, test *domain.ImprovementTest) domain.RollbackResult {
	result := domain.RollbackResult{TestID: test.TestID}
	changes := test.TreatmentGroup.Changes

	for i := range changes {
		ch := &changes[i]
		if ch.Reverted {
			continue
		}
		if !ch.Applied {
			// Never reached the live system.
			ch.Reverted = true
			continue
		}
		if err := m.revert(ctx, test.TestID, *ch); err != nil {
			rErr := &domain.RollbackExecutionError{TestID: test.TestID, ChangeID: ch.ChangeID, Err: err}
			result.Errors = append(result.Errors, rErr.Error())
			m.record(domain.AuditEvent{
				TestID:   test.TestID,
				Type:     domain.AuditRevertFailed,
				Severity: domain.SeverityCritical,
				Message:  rErr.Error(),
				Details:  map[string]string{"change_id": ch.ChangeID, "component": ch.Component},
			})
			m.log.Error().Err(rErr).Str("test_id", test.TestID).Msg("revert failed")
			continue
		}
		ch.Reverted = true
		result.ChangesReverted++
	}

	test.RevertPending = len(result.Errors) > 0
	test.UpdatedAt = m.now()
	if test.RevertPending {
		test.LastError = result.Errors[len(result.Errors)-1]
		return result
	}

	result.RollbackSuccessful = true
	if m.releaser != nil {
		released := m.releaser.Release(test.TestID)
		m.log.Debug().Str("test_id", test.TestID).Int("released", released).Msg("accounts released")
	}
	return result
}

func (m *Manager) revert(ctx context.Context, testID string, ch domain.Change) error {
	if m.executor == nil {
		return errors.New("no change executor configured")
	}
	p := m.policy
	p.OnRetry = func(err error, wait time.Duration) {
		m.log.Warn().Err(err).
			Str("test_id", testID).
			Str("change_id", ch.ChangeID).
			Dur("wait", wait).
			Msg("revert failed, retrying")
	}
	return p.Do(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return retry.Permanent(err)
		}
		return m.executor.Revert(ctx, ch)
	})
}

func (m *Manager) record(e domain.AuditEvent) {
	if m.audit == nil {
		return
	}
	e.Timestamp = m.now()
	e.EventID = idhash.ComputeEventID(e.TestID, e.Type, e.Timestamp, e.Message)
	m.audit.Record(e)
}
