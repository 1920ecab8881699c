package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTest(id string, phase domain.Phase, created time.Time) *domain.ImprovementTest {
	return &domain.ImprovementTest{
		TestID:       id,
		Name:         "test " + id,
		CurrentPhase: phase,
		TreatmentGroup: domain.TestGroup{
			GroupType:  domain.GroupTreatment,
			AccountIDs: []string{"a1"},
			Changes:    []domain.Change{{ChangeID: "c1", Config: map[string]string{"k": "v"}}},
		},
		CreatedAt: created,
	}
}

func TestTestStore_InsertAndGet(t *testing.T) {
	store := NewTestStore()
	ctx := context.Background()

	in := newTest("t1", domain.PhaseShadow, t0)
	if err := store.Insert(ctx, in); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Name != in.Name || got.CurrentPhase != domain.PhaseShadow {
		t.Errorf("mismatch: got %+v", got)
	}

	// Mutating the input or the result must not leak into the store.
	in.TreatmentGroup.Changes[0].Config["k"] = "mutated"
	got.CurrentPhase = domain.PhaseRolledBack

	again, _ := store.GetByID(ctx, "t1")
	if again.TreatmentGroup.Changes[0].Config["k"] != "v" || again.CurrentPhase != domain.PhaseShadow {
		t.Errorf("store shares state with callers: %+v", again)
	}
}

func TestTestStore_Errors(t *testing.T) {
	store := NewTestStore()
	ctx := context.Background()

	if err := store.Insert(ctx, newTest("t1", domain.PhaseShadow, t0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, newTest("t1", domain.PhaseShadow, t0)); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
	if err := store.Update(ctx, newTest("missing", domain.PhaseShadow, t0)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
	if _, err := store.GetByID(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Insert(ctx, &domain.ImprovementTest{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTestStore_ActiveAndPhaseOrdering(t *testing.T) {
	store := NewTestStore()
	ctx := context.Background()

	for _, tt := range []*domain.ImprovementTest{
		newTest("t3", domain.PhaseShadow, t0.Add(2*time.Hour)),
		newTest("t1", "ROLLOUT_10", t0),
		newTest("t2", domain.PhaseCompleted, t0.Add(time.Hour)),
		newTest("t0", domain.PhaseShadow, t0.Add(2*time.Hour)),
	} {
		if err := store.Insert(ctx, tt); err != nil {
			t.Fatalf("Insert %s: %v", tt.TestID, err)
		}
	}

	active, err := store.GetActive(ctx)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	want := []string{"t1", "t0", "t3"}
	if len(active) != len(want) {
		t.Fatalf("expected %d active, got %d", len(want), len(active))
	}
	for i, id := range want {
		if active[i].TestID != id {
			t.Errorf("active[%d] = %s, want %s", i, active[i].TestID, id)
		}
	}

	shadow, _ := store.GetByPhase(ctx, domain.PhaseShadow)
	if len(shadow) != 2 {
		t.Errorf("expected 2 shadow tests, got %d", len(shadow))
	}

	t1, _ := store.GetByID(ctx, "t1")
	t1.CurrentPhase = domain.PhaseRolledBack
	if err := store.Update(ctx, t1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	active, _ = store.GetActive(ctx)
	if len(active) != 2 {
		t.Errorf("expected 2 active after rollback, got %d", len(active))
	}
}

func TestTestStore_ConcurrentAccess(t *testing.T) {
	store := NewTestStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i%26))
			_ = store.Insert(ctx, newTest(id, domain.PhaseShadow, t0))
			if got, err := store.GetByID(ctx, id); err == nil {
				got.UpdatedAt = t0.Add(time.Duration(i))
				_ = store.Update(ctx, got)
			}
			_, _ = store.GetActive(ctx)
		}(i)
	}
	wg.Wait()

	active, _ := store.GetActive(ctx)
	if len(active) != 26 {
		t.Errorf("expected 26 tests, got %d", len(active))
	}
}
