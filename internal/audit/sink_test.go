package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/storage/memory"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func TestLogSink_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	sink.Record(domain.AuditEvent{
		EventID: "e1", TestID: "t1", Type: domain.AuditRevertFailed, Severity: domain.SeverityCritical,
		Message: "revert failed", Details: map[string]string{"change_id": "c1"}, Timestamp: t0,
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "t1", line["test_id"])
	assert.Equal(t, "c1", line["change_id"])
	assert.Equal(t, "audit", line["component"])
	assert.Equal(t, "revert failed", line["message"])
}

func TestStoreSink_PersistsAndFlushes(t *testing.T) {
	store := memory.NewAuditStore()
	sink := NewStoreSink(store)

	for i := 0; i < 20; i++ {
		sink.Record(domain.AuditEvent{
			EventID:   fmt.Sprintf("e%02d", i),
			TestID:    "t1",
			Type:      domain.AuditStageDecision,
			Timestamp: t0.Add(time.Duration(i) * time.Second),
		})
	}
	sink.Close()

	events, err := store.GetByTestID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, events, 20)

	// Recording after close is dropped, not a panic.
	sink.Record(domain.AuditEvent{EventID: "late", TestID: "t1"})
	dropped, failed := sink.Stats()
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, failed)
	sink.Close()
}

type blockingStore struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (b *blockingStore) Insert(ctx context.Context, _ *domain.AuditEvent) error {
	<-b.release
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	return nil
}

func (b *blockingStore) GetByTestID(context.Context, string) ([]*domain.AuditEvent, error) {
	return nil, errors.New("not implemented")
}

func TestStoreSink_NeverBlocksWhenFull(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	sink := NewStoreSink(store, WithBufferSize(2))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			sink.Record(domain.AuditEvent{EventID: fmt.Sprint(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}

	close(store.release)
	sink.Close()
	dropped, _ := sink.Stats()
	assert.GreaterOrEqual(t, dropped, 7)
}

func TestMultiSinkAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := MultiSink{a, b}
	m.Record(domain.AuditEvent{Type: domain.AuditRollback})
	m.Record(domain.AuditEvent{Type: domain.AuditTestCreated})

	assert.Equal(t, 1, a.Count(domain.AuditRollback))
	assert.Len(t, b.Events(), 2)
}
