// Package intake provides SuggestionSource implementations.
package intake

import (
	"context"
	"sync"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/ports"
)

// MemoryQueue is an in-process FIFO of suggestions.
type MemoryQueue struct {
	mu    sync.Mutex
	items []domain.ImprovementSuggestion
}

// NewMemoryQueue returns a queue pre-filled with items.
func NewMemoryQueue(items ...domain.ImprovementSuggestion) *MemoryQueue {
	return &MemoryQueue{items: append([]domain.ImprovementSuggestion(nil), items...)}
}

var _ ports.SuggestionSource = (*MemoryQueue)(nil)

// Push appends suggestions.
func (q *MemoryQueue) Push(_ context.Context, items ...domain.ImprovementSuggestion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	return nil
}

// Poll takes up to limit suggestions from the head of the queue.
func (q *MemoryQueue) Poll(_ context.Context, limit int) ([]domain.ImprovementSuggestion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(max(limit, 0), len(q.items))
	out := append([]domain.ImprovementSuggestion(nil), q.items[:n]...)
	q.items = q.items[n:]
	return out, nil
}

// Len returns the number of queued suggestions.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
