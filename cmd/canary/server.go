package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/observability"
	"canary-pipeline/internal/rollout"
	"canary-pipeline/internal/storage"
)

// pipeline is the part of the orchestrator the API drives.
type pipeline interface {
	ExecuteCycleOnce(ctx context.Context) domain.ImprovementCycleResults
	EmergencyStopTest(ctx context.Context, testID, reason string) bool
	GetStatus(ctx context.Context) domain.PipelineStatus
}

type api struct {
	pipeline pipeline
	tests    storage.TestStore
	audits   storage.AuditStore
	queue    suggestionQueue
	gatherer prometheus.Gatherer
	log      zerolog.Logger

	mu         sync.Mutex
	allocators map[string]*rollout.Allocator
}

func newAPI(p pipeline, tests storage.TestStore, audits storage.AuditStore, queue suggestionQueue, g prometheus.Gatherer, log zerolog.Logger) *api {
	return &api{
		pipeline:   p,
		tests:      tests,
		audits:     audits,
		queue:      queue,
		gatherer:   g,
		log:        log.With().Str("component", "http").Logger(),
		allocators: make(map[string]*rollout.Allocator),
	}
}

func newRouter(a *api) *mux.Router {
	r := mux.NewRouter()
	r.Use(a.requestID, a.logRequests)

	r.HandleFunc("/health", a.health).Methods(http.MethodGet)
	r.Handle("/metrics", observability.Handler(a.gatherer)).Methods(http.MethodGet)
	r.HandleFunc("/status", a.status).Methods(http.MethodGet)
	r.HandleFunc("/cycles", a.runCycle).Methods(http.MethodPost)
	r.HandleFunc("/suggestions", a.pushSuggestions).Methods(http.MethodPost)
	r.HandleFunc("/tests/{id}", a.getTest).Methods(http.MethodGet)
	r.HandleFunc("/tests/{id}/audit", a.getAudit).Methods(http.MethodGet)
	r.HandleFunc("/tests/{id}/route", a.route).Methods(http.MethodGet)
	r.HandleFunc("/tests/{id}/emergency-stop", a.emergencyStop).Methods(http.MethodPost)
	return r
}

type ctxKey struct{}

func (a *api) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := r.Context().Value(ctxKey{}).(string)
		a.log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.code).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	st := a.pipeline.GetStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": st.Running})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pipeline.GetStatus(r.Context()))
}

func (a *api) runCycle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pipeline.ExecuteCycleOnce(r.Context()))
}

func (a *api) pushSuggestions(w http.ResponseWriter, r *http.Request) {
	var items []domain.ImprovementSuggestion
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&items); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of suggestions: "+err.Error())
		return
	}
	if err := a.queue.Push(r.Context(), items...); err != nil {
		a.log.Error().Err(err).Msg("push suggestions")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(items)})
}

// loadTest writes 404 or 500 and returns nil when the test cannot be loaded.
func (a *api) loadTest(w http.ResponseWriter, r *http.Request) *domain.ImprovementTest {
	id := mux.Vars(r)["id"]
	test, err := a.tests.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "test "+id+" not found")
		return nil
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	return test
}

func (a *api) getTest(w http.ResponseWriter, r *http.Request) {
	if test := a.loadTest(w, r); test != nil {
		writeJSON(w, http.StatusOK, test)
	}
}

func (a *api) getAudit(w http.ResponseWriter, r *http.Request) {
	events, err := a.audits.GetByTestID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// route draws TEST or CONTROL for one live signal of the test at its current
// allocation. Only tests in a rollout stage or completed route to TEST.
func (a *api) route(w http.ResponseWriter, r *http.Request) {
	test := a.loadTest(w, r)
	if test == nil {
		return
	}

	pct := decimal.Zero
	switch {
	case test.CurrentPhase == domain.PhaseCompleted:
		pct = decimal.NewFromInt(100)
	case test.CurrentPhase.IsRollout():
		pct = test.TreatmentGroup.AllocationPct
	}

	a.mu.Lock()
	alloc, ok := a.allocators[test.TestID]
	if !ok {
		alloc = rollout.NewAllocator(pct)
		a.allocators[test.TestID] = alloc
	}
	a.mu.Unlock()
	if !alloc.Percentage().Equal(pct) {
		alloc.Set(pct)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"test_id":    test.TestID,
		"phase":      string(test.CurrentPhase),
		"percentage": alloc.Percentage().String(),
		"bucket":     string(alloc.Route()),
	})
}

func (a *api) emergencyStop(w http.ResponseWriter, r *http.Request) {
	test := a.loadTest(w, r)
	if test == nil {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "operator request"
	}

	stopped := a.pipeline.EmergencyStopTest(r.Context(), test.TestID, body.Reason)
	a.log.Warn().
		Str("test_id", test.TestID).
		Str("reason", body.Reason).
		Bool("stopped", stopped).
		Msg("emergency stop requested")
	code := http.StatusOK
	if !stopped {
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]any{"test_id": test.TestID, "stopped": stopped})
}
