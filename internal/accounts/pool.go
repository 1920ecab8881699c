// Package accounts manages the shared pool of live trading accounts that
// tests reserve for their control and treatment groups.
package accounts

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrInsufficientAccounts is returned when a reservation cannot be met in full.
	ErrInsufficientAccounts = errors.New("insufficient free accounts")

	// ErrAlreadyReserved is returned when a test already holds a reservation.
	ErrAlreadyReserved = errors.New("test already holds a reservation")

	// ErrAccountInUse is returned by Restore when an account belongs to another test.
	ErrAccountInUse = errors.New("account reserved by another test")
)

// Pool is a fixed set of account ids. Reservations are all-or-nothing and
// an account belongs to at most one test at a time.
type Pool struct {
	mu    sync.Mutex
	all   []string          // sorted, for deterministic hand-out
	owner map[string]string // account id -> test id
	held  map[string][]string
}

// NewPool creates a pool over the given account ids. Duplicates are ignored.
func NewPool(accountIDs []string) *Pool {
	seen := make(map[string]struct{}, len(accountIDs))
	all := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		all = append(all, id)
	}
	sort.Strings(all)
	return &Pool{
		all:   all,
		owner: make(map[string]string),
		held:  make(map[string][]string),
	}
}

// Reserve atomically takes control+treatment free accounts for testID.
// Either the full reservation succeeds or nothing changes.
func (p *Pool) Reserve(testID string, control, treatment int) (controlIDs, treatmentIDs []string, err error) {
	if control <= 0 || treatment <= 0 {
		return nil, nil, fmt.Errorf("reserve %s: group sizes must be positive", testID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[testID]; ok {
		return nil, nil, fmt.Errorf("reserve %s: %w", testID, ErrAlreadyReserved)
	}

	need := control + treatment
	free := make([]string, 0, need)
	for _, id := range p.all {
		if _, taken := p.owner[id]; !taken {
			free = append(free, id)
			if len(free) == need {
				break
			}
		}
	}
	if len(free) < need {
		return nil, nil, fmt.Errorf("reserve %s: need %d, have %d: %w", testID, need, len(free), ErrInsufficientAccounts)
	}

	for _, id := range free {
		p.owner[id] = testID
	}
	p.held[testID] = free

	controlIDs = append([]string(nil), free[:control]...)
	treatmentIDs = append([]string(nil), free[control:]...)
	return controlIDs, treatmentIDs, nil
}

// Restore re-registers an existing reservation, e.g. after a restart.
// Accounts unknown to the pool are still tracked.
func (p *Pool) Restore(testID string, accountIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range accountIDs {
		if owner, ok := p.owner[id]; ok && owner != testID {
			return fmt.Errorf("restore %s: account %s: %w", testID, id, ErrAccountInUse)
		}
	}
	for _, id := range accountIDs {
		p.owner[id] = testID
	}
	p.held[testID] = append(p.held[testID], accountIDs...)
	return nil
}

// Release returns every account held by testID. Releasing an unknown test
// is a no-op.
func (p *Pool) Release(testID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := p.held[testID]
	for _, id := range ids {
		if p.owner[id] == testID {
			delete(p.owner, id)
		}
	}
	delete(p.held, testID)
	return len(ids)
}

// Available returns the number of free accounts.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := 0
	for _, id := range p.all {
		if _, taken := p.owner[id]; !taken {
			free++
		}
	}
	return free
}

// Owner returns the test holding accountID.
func (p *Pool) Owner(accountID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	owner, ok := p.owner[accountID]
	return owner, ok
}

// Size returns the total number of accounts in the pool.
func (p *Pool) Size() int {
	return len(p.all)
}
