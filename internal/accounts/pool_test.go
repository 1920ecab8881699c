package accounts

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("acc-%02d", i)
	}
	return out
}

func TestPool_ReserveAndRelease(t *testing.T) {
	p := NewPool(ids(10))

	control, treatment, err := p.Reserve("t1", 2, 3)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(control) != 2 || len(treatment) != 3 {
		t.Fatalf("expected 2/3 accounts, got %d/%d", len(control), len(treatment))
	}
	if p.Available() != 5 {
		t.Errorf("expected 5 free, got %d", p.Available())
	}
	if owner, ok := p.Owner(treatment[0]); !ok || owner != "t1" {
		t.Errorf("expected owner t1, got %q", owner)
	}

	if _, _, err := p.Reserve("t1", 1, 1); !errors.Is(err, ErrAlreadyReserved) {
		t.Errorf("expected ErrAlreadyReserved, got %v", err)
	}

	if n := p.Release("t1"); n != 5 {
		t.Errorf("expected 5 released, got %d", n)
	}
	if p.Available() != 10 {
		t.Errorf("expected 10 free after release, got %d", p.Available())
	}
	if n := p.Release("t1"); n != 0 {
		t.Errorf("second release should be a no-op, got %d", n)
	}
}

func TestPool_ReserveIsAllOrNothing(t *testing.T) {
	p := NewPool(ids(4))

	if _, _, err := p.Reserve("t1", 2, 3); !errors.Is(err, ErrInsufficientAccounts) {
		t.Fatalf("expected ErrInsufficientAccounts, got %v", err)
	}
	if p.Available() != 4 {
		t.Errorf("failed reservation leaked accounts: %d free", p.Available())
	}
}

func TestPool_RestoreConflicts(t *testing.T) {
	p := NewPool(ids(4))
	_, treatment, err := p.Reserve("t1", 1, 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := p.Restore("t2", treatment); !errors.Is(err, ErrAccountInUse) {
		t.Errorf("expected ErrAccountInUse, got %v", err)
	}
	if err := p.Restore("t3", []string{"acc-03"}); err != nil {
		t.Errorf("Restore: %v", err)
	}
	if p.Available() != 1 {
		t.Errorf("expected 1 free, got %d", p.Available())
	}
}

func TestPool_ConcurrentReservationsAreDisjoint(t *testing.T) {
	p := NewPool(ids(40))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken = make(map[string]string)
		fails int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			testID := fmt.Sprintf("t%d", i)
			c, tr, err := p.Reserve(testID, 1, 2)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails++
				return
			}
			for _, id := range append(c, tr...) {
				if prev, dup := taken[id]; dup {
					t.Errorf("account %s given to %s and %s", id, prev, testID)
				}
				taken[id] = testID
			}
		}(i)
	}
	wg.Wait()

	// 40 accounts / 3 per test = 13 full reservations.
	if len(taken) != 39 || fails != 7 {
		t.Errorf("expected 39 accounts taken and 7 failures, got %d and %d", len(taken), fails)
	}
}
