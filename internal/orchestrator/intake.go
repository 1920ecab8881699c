package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"canary-pipeline/internal/accounts"
	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/idhash"
)

// intake turns pending and newly polled suggestions into tests while
// capacity remains. The source is asked only for what free slots and the
// backlog limit allow; the rest stays buffered there. Suggestions blocked by
// free accounts or a transient error stay pending and are checkpointed;
// invalid ones are rejected for good.
func (o *Orchestrator) intake(ctx context.Context, t *tally) {
	active, err := o.tests.GetActive(ctx)
	if err != nil {
		t.fail("intake: load active tests: %v", err)
		return
	}
	capacity := o.maxConcurrent - len(active)

	o.statusMu.Lock()
	backlog := len(o.pending)
	o.statusMu.Unlock()

	var polled []domain.ImprovementSuggestion
	if limit := min(capacity, o.maxPending) - backlog; o.source != nil && limit > 0 {
		polled, err = o.source.Poll(ctx, limit)
		if err != nil {
			err = o.externalError("suggestion_source", "poll", err)
			t.fail("intake: poll: %v", err)
		}
	}
	t.mu.Lock()
	t.res.SuggestionsGenerated = len(polled)
	t.mu.Unlock()

	o.statusMu.Lock()
	queue := mergePending(o.pending, polled)
	o.statusMu.Unlock()

	var keep []domain.ImprovementSuggestion
	blocked := false
	for _, s := range queue {
		if capacity <= 0 || blocked {
			keep = append(keep, s)
			continue
		}
		if s.SuggestionID != "" {
			seen, err := o.checkpoints.IsSuggestionSeen(ctx, s.SuggestionID)
			if err != nil {
				t.fail("intake: suggestion %s: %v", s.SuggestionID, err)
				keep = append(keep, s)
				continue
			}
			if seen {
				o.log.Debug().Str("suggestion_id", s.SuggestionID).Msg("suggestion already handled, skipped")
				continue
			}
		}

		test, err := o.createTest(ctx, s)
		var verr *domain.ValidationError
		switch {
		case err == nil:
			capacity--
			t.mu.Lock()
			t.res.NewTestsCreated++
			t.mu.Unlock()
			o.markSeen(ctx, s.SuggestionID)
			o.log.Info().
				Str("test_id", test.TestID).
				Str("suggestion_id", s.SuggestionID).
				Str("name", test.Name).
				Msg("test created")
		case errors.Is(err, accounts.ErrInsufficientAccounts):
			// Every test needs the same group sizes; nothing else fits either.
			blocked = true
			keep = append(keep, s)
		case errors.As(err, &verr):
			o.reject(ctx, s, verr)
		default:
			t.fail("intake: suggestion %q: %v", s.Title, err)
			keep = append(keep, s)
		}
	}

	o.statusMu.Lock()
	o.pending = keep
	o.statusMu.Unlock()
}

// mergePending appends polled to pending, drops repeated suggestion ids and
// orders by priority, highest first. Equal priorities keep arrival order.
func mergePending(pending, polled []domain.ImprovementSuggestion) []domain.ImprovementSuggestion {
	out := make([]domain.ImprovementSuggestion, 0, len(pending)+len(polled))
	ids := make(map[string]struct{}, len(pending)+len(polled))
	for _, s := range append(append([]domain.ImprovementSuggestion(nil), pending...), polled...) {
		if s.SuggestionID != "" {
			if _, dup := ids[s.SuggestionID]; dup {
				continue
			}
			ids[s.SuggestionID] = struct{}{}
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// createTest validates s, reserves accounts, starts the shadow run and
// persists the new test. Any failure after the reservation releases it.
func (o *Orchestrator) createTest(ctx context.Context, s domain.ImprovementSuggestion) (*domain.ImprovementTest, error) {
	subject := "suggestion " + s.SuggestionID
	if s.SuggestionID == "" {
		subject = fmt.Sprintf("suggestion %q", s.Title)
	}
	if err := o.validate.Struct(s); err != nil {
		return nil, &domain.ValidationError{Subject: subject, Reason: err.Error()}
	}

	id := uuid.NewString()
	now := o.now()
	changes := make([]domain.Change, len(s.Changes))
	for i, c := range s.Changes {
		ch := c.Clone()
		ch.ChangeID = idhash.ComputeChangeID(id, i, ch.Component, string(ch.ChangeType), ch.NewValue)
		ch.Applied = false
		ch.Reverted = false
		changes[i] = ch
	}

	test := &domain.ImprovementTest{
		TestID:          id,
		Name:            s.Title,
		Description:     s.Rationale,
		ImprovementType: s.SuggestionType,
		SuggestionID:    s.SuggestionID,
		CurrentPhase:    domain.PhaseShadow,
		ControlGroup: domain.TestGroup{
			GroupType:     domain.GroupControl,
			AllocationPct: decimal.NewFromInt(100),
		},
		TreatmentGroup: domain.TestGroup{
			GroupType:     domain.GroupTreatment,
			AllocationPct: decimal.Zero,
			Changes:       changes,
		},
		Thresholds: o.thresholds,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	control, treatment, err := o.pool.Reserve(id, o.controlSize, o.treatmentSize)
	if err != nil {
		return nil, err
	}
	test.ControlGroup.AccountIDs = control
	test.TreatmentGroup.AccountIDs = treatment

	if err := o.shadow.Start(test); err != nil {
		o.pool.Release(id)
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			verr.Subject = subject
		}
		return nil, err
	}
	if err := o.tests.Insert(ctx, test); err != nil {
		o.finishShadow(id, "not persisted")
		o.pool.Release(id)
		return nil, fmt.Errorf("insert test: %w", err)
	}

	o.metrics.RecordTestCreated()
	o.record(domain.AuditEvent{
		TestID:   id,
		Type:     domain.AuditTestCreated,
		Severity: domain.SeverityInfo,
		Message:  test.Name,
		ToPhase:  domain.PhaseShadow,
		Details: map[string]string{
			"suggestion_id":    s.SuggestionID,
			"improvement_type": s.SuggestionType,
			"changes":          fmt.Sprint(len(changes)),
		},
	})
	return test, nil
}

func (o *Orchestrator) reject(ctx context.Context, s domain.ImprovementSuggestion, verr *domain.ValidationError) {
	o.metrics.RecordRejected("validation")
	o.record(domain.AuditEvent{
		Type:     domain.AuditSuggestionRejected,
		Severity: domain.SeverityWarning,
		Message:  verr.Error(),
		Details:  map[string]string{"suggestion_id": s.SuggestionID, "title": s.Title},
	})
	o.markSeen(ctx, s.SuggestionID)
	o.log.Warn().
		Str("suggestion_id", s.SuggestionID).
		Str("reason", verr.Reason).
		Msg("suggestion rejected")
}

func (o *Orchestrator) markSeen(ctx context.Context, suggestionID string) {
	if suggestionID == "" {
		return
	}
	if err := o.checkpoints.MarkSuggestionSeen(ctx, suggestionID); err != nil {
		o.log.Warn().Err(err).Str("suggestion_id", suggestionID).Msg("suggestion not marked seen")
	}
}
