package intake

import (
	"context"
	"testing"

	"canary-pipeline/internal/domain"
)

func suggestion(id string) domain.ImprovementSuggestion {
	return domain.ImprovementSuggestion{
		SuggestionID:   id,
		Title:          "raise entry threshold " + id,
		SuggestionType: "parameter_optimization",
		Changes: []domain.Change{{
			Component:  "entry_filter",
			ChangeType: domain.ChangeTypeParameter,
			OldValue:   "0.5",
			NewValue:   "0.6",
		}},
	}
}

func TestMemoryQueue_FIFOAndDrain(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(suggestion("s1"))
	if err := q.Push(ctx, suggestion("s2"), suggestion("s3")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d", q.Len())
	}

	if none, _ := q.Poll(ctx, 0); len(none) != 0 {
		t.Errorf("Poll(0) returned %d items", len(none))
	}

	got, err := q.Poll(ctx, 2)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 2 || q.Len() != 1 {
		t.Fatalf("Poll(2) = %d items, %d left; want 2 and 1", len(got), q.Len())
	}
	rest, _ := q.Poll(ctx, 10)
	got = append(got, rest...)
	for i, want := range []string{"s1", "s2", "s3"} {
		if got[i].SuggestionID != want {
			t.Errorf("got[%d] = %s, want %s", i, got[i].SuggestionID, want)
		}
	}

	again, _ := q.Poll(ctx, 10)
	if len(again) != 0 {
		t.Errorf("expected empty queue, got %d", len(again))
	}
}
