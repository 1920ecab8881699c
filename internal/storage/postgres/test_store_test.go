package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/storage"
	pgstore "canary-pipeline/internal/storage/postgres"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func sampleTest(id string, phase domain.Phase, created time.Time) *domain.ImprovementTest {
	return &domain.ImprovementTest{
		TestID:          id,
		Name:            "tighter stop " + id,
		ImprovementType: "risk_adjustment",
		CurrentPhase:    phase,
		ControlGroup: domain.TestGroup{
			GroupType:     domain.GroupControl,
			AccountIDs:    []string{"c1", "c2"},
			AllocationPct: decimal.NewFromInt(100),
		},
		TreatmentGroup: domain.TestGroup{
			GroupType:        domain.GroupTreatment,
			AccountIDs:       []string{"t1", "t2"},
			ActiveAccountIDs: []string{"t1"},
			AllocationPct:    decimal.RequireFromString("12.5"),
			Changes: []domain.Change{{
				ChangeID:   "ch1",
				Component:  "stop_loss",
				ChangeType: domain.ChangeTypeRiskAdjustment,
				OldValue:   "0.05",
				NewValue:   "0.04",
				Config:     map[string]string{"expected_effect": "0.1"},
				Applied:    true,
			}},
		},
		Thresholds: domain.RollbackThresholds{PerformanceDrop: 0.1, MinSamples: 10},
		StageResults: []domain.RolloutStageResults{{
			Stage:     decimal.RequireFromString("12.5"),
			StartDate: created,
		}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestTestStore_InsertAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := pgstore.NewTestStore(pool)

	in := sampleTest("t-1", "ROLLOUT_12.5", t0)
	require.NoError(t, store.Insert(ctx, in))

	got, err := store.GetByID(ctx, "t-1")
	require.NoError(t, err)

	assert.Equal(t, in.Name, got.Name)
	assert.Equal(t, in.CurrentPhase, got.CurrentPhase)
	assert.True(t, in.TreatmentGroup.AllocationPct.Equal(got.TreatmentGroup.AllocationPct))
	assert.Equal(t, in.TreatmentGroup.Changes, got.TreatmentGroup.Changes)
	assert.Equal(t, in.TreatmentGroup.ActiveAccountIDs, got.TreatmentGroup.ActiveAccountIDs)
	require.NotNil(t, got.CurrentStage())
	assert.True(t, got.CreatedAt.Equal(in.CreatedAt))
}

func TestTestStore_DuplicateAndMissing(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := pgstore.NewTestStore(pool)

	require.NoError(t, store.Insert(ctx, sampleTest("t-1", domain.PhaseShadow, t0)))
	assert.ErrorIs(t, store.Insert(ctx, sampleTest("t-1", domain.PhaseShadow, t0)), storage.ErrDuplicateKey)
	assert.ErrorIs(t, store.Update(ctx, sampleTest("t-missing", domain.PhaseShadow, t0)), storage.ErrNotFound)

	_, err := store.GetByID(ctx, "t-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTestStore_UpdateAndFilters(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := pgstore.NewTestStore(pool)

	require.NoError(t, store.Insert(ctx, sampleTest("t-b", domain.PhaseShadow, t0.Add(time.Hour))))
	require.NoError(t, store.Insert(ctx, sampleTest("t-a", domain.PhaseShadow, t0.Add(time.Hour))))
	require.NoError(t, store.Insert(ctx, sampleTest("t-c", domain.PhaseShadow, t0)))

	tc, err := store.GetByID(ctx, "t-c")
	require.NoError(t, err)
	require.NoError(t, tc.Transition(domain.PhaseRolledBack, nil, t0.Add(2*time.Hour), "drawdown"))
	tc.RevertPending = true
	require.NoError(t, store.Update(ctx, tc))

	active, err := store.GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "t-a", active[0].TestID)
	assert.Equal(t, "t-b", active[1].TestID)

	rolled, err := store.GetByPhase(ctx, domain.PhaseRolledBack)
	require.NoError(t, err)
	require.Len(t, rolled, 1)
	assert.True(t, rolled[0].RevertPending)
	require.NotNil(t, rolled[0].CompletedAt)
	assert.Len(t, rolled[0].PhaseHistory, 1)
}
