// Package audit provides AuditSink implementations.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/ports"
	"canary-pipeline/internal/storage"
)

// LogSink writes events as structured log lines. Critical events log at
// error level, warnings at warn, everything else at info.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{log: l.With().Str("component", "audit").Logger()}
}

// Record logs the event.
func (s *LogSink) Record(e domain.AuditEvent) {
	var ev *zerolog.Event
	switch e.Severity {
	case domain.SeverityCritical:
		ev = s.log.Error()
	case domain.SeverityWarning, domain.SeverityAutomatic:
		ev = s.log.Warn()
	default:
		ev = s.log.Info()
	}
	ev = ev.Str("event_id", e.EventID).
		Str("type", e.Type).
		Str("severity", string(e.Severity)).
		Time("at", e.Timestamp)
	if e.TestID != "" {
		ev = ev.Str("test_id", e.TestID)
	}
	if e.FromPhase != "" || e.ToPhase != "" {
		ev = ev.Str("from", string(e.FromPhase)).Str("to", string(e.ToPhase))
	}
	for k, v := range e.Details {
		ev = ev.Str(k, v)
	}
	ev.Msg(e.Message)
}

// DefaultBufferSize is the StoreSink queue capacity.
const DefaultBufferSize = 1024

// StoreSink persists events through an AuditStore on a background
// goroutine. Record never blocks: when the buffer is full the event is
// dropped and counted.
type StoreSink struct {
	store   storage.AuditStore
	log     zerolog.Logger
	timeout time.Duration

	events  chan domain.AuditEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int
	failed  int
}

// StoreSinkOption configures a StoreSink.
type StoreSinkOption func(*StoreSink)

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) StoreSinkOption {
	return func(s *StoreSink) {
		if n > 0 {
			s.events = make(chan domain.AuditEvent, n)
		}
	}
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(l zerolog.Logger) StoreSinkOption {
	return func(s *StoreSink) { s.log = l.With().Str("component", "audit").Logger() }
}

// NewStoreSink starts the writer goroutine. Call Close to flush and stop it.
func NewStoreSink(store storage.AuditStore, opts ...StoreSinkOption) *StoreSink {
	s := &StoreSink{
		store:   store,
		log:     zerolog.Nop(),
		timeout: 5 * time.Second,
		events:  make(chan domain.AuditEvent, DefaultBufferSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Record enqueues the event.
func (s *StoreSink) Record(e domain.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		return
	}
	select {
	case s.events <- e:
	default:
		s.dropped++
		s.log.Warn().Str("event_id", e.EventID).Str("type", e.Type).Msg("audit buffer full, event dropped")
	}
}

func (s *StoreSink) run() {
	defer close(s.done)
	for e := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.store.Insert(ctx, &e)
		cancel()
		if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			s.mu.Lock()
			s.failed++
			s.mu.Unlock()
			s.log.Error().Err(err).Str("event_id", e.EventID).Msg("persist audit event")
		}
	}
}

// Close stops accepting events and waits until the queue is drained.
func (s *StoreSink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	<-s.done
}

// Stats returns the number of dropped and failed events.
func (s *StoreSink) Stats() (dropped, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped, s.failed
}

// MultiSink fans an event out to several sinks.
type MultiSink []ports.AuditSink

// Record forwards e to every sink.
func (m MultiSink) Record(e domain.AuditEvent) {
	for _, s := range m {
		s.Record(e)
	}
}

// Recorder keeps every event in memory. Used by the CLI's one-shot cycle
// output and by tests.
type Recorder struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

// Record appends e.
func (r *Recorder) Record(e domain.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEvent(nil), r.events...)
}

// Count returns the number of recorded events of type typ.
func (r *Recorder) Count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
