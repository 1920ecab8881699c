package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canary-pipeline/internal/config"
	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/intake"
	"canary-pipeline/internal/storage/memory"
)

type fakePipeline struct {
	mu      sync.Mutex
	cycles  int
	stopped map[string]string
}

func (p *fakePipeline) ExecuteCycleOnce(context.Context) domain.ImprovementCycleResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycles++
	return domain.ImprovementCycleResults{CycleID: "cycle-1", TestsProcessed: 2}
}

func (p *fakePipeline) EmergencyStopTest(_ context.Context, testID, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.stopped[testID]; done {
		return false
	}
	p.stopped[testID] = reason
	return true
}

func (p *fakePipeline) GetStatus(context.Context) domain.PipelineStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PipelineStatus{Running: true, CycleCount: p.cycles}
}

type serverFixture struct {
	srv      *httptest.Server
	pipeline *fakePipeline
	tests    *memory.TestStore
	audits   *memory.AuditStore
	queue    *intake.MemoryQueue
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		pipeline: &fakePipeline{stopped: make(map[string]string)},
		tests:    memory.NewTestStore(),
		audits:   memory.NewAuditStore(),
		queue:    intake.NewMemoryQueue(),
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "canary_fixture_total", Help: "fixture counter"}))

	f.srv = httptest.NewServer(newRouter(newAPI(f.pipeline, f.tests, f.audits, f.queue, reg, zerolog.Nop())))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *serverFixture) insert(t *testing.T, id string, phase domain.Phase, pct int64) {
	t.Helper()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	test := &domain.ImprovementTest{
		TestID:       id,
		CurrentPhase: phase,
		CreatedAt:    now,
		UpdatedAt:    now,
		ControlGroup: domain.TestGroup{GroupType: domain.GroupControl, AllocationPct: decimal.NewFromInt(100)},
		TreatmentGroup: domain.TestGroup{
			GroupType:     domain.GroupTreatment,
			AllocationPct: decimal.NewFromInt(pct),
		},
	}
	require.NoError(t, f.tests.Insert(context.Background(), test))
}

func (f *serverFixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestHealthAndStatus(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["running"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = f.do(t, http.MethodPost, "/cycles", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cycle-1", body["cycle_id"])

	_, body = f.do(t, http.MethodGet, "/status", "")
	assert.EqualValues(t, 1, body["cycle_count"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "canary_fixture_total")
}

func TestGetTest(t *testing.T) {
	f := newServerFixture(t)
	f.insert(t, "t1", domain.PhaseShadow, 0)

	resp, body := f.do(t, http.MethodGet, "/tests/t1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "t1", body["test_id"])

	resp, body = f.do(t, http.MethodGet, "/tests/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "missing")
}

func TestGetAudit(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.audits.Insert(context.Background(), &domain.AuditEvent{
		EventID:   "e1",
		TestID:    "t1",
		Type:      domain.AuditRollback,
		Timestamp: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}))

	resp, err := http.Get(f.srv.URL + "/tests/t1/audit")
	require.NoError(t, err)
	defer resp.Body.Close()

	var events []domain.AuditEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditRollback, events[0].Type)

	resp2, err := http.Get(f.srv.URL + "/tests/none/audit")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var empty []domain.AuditEvent
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&empty))
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestRoute(t *testing.T) {
	f := newServerFixture(t)
	f.insert(t, "shadow", domain.PhaseShadow, 0)
	f.insert(t, "full", domain.PhaseCompleted, 100)
	f.insert(t, "half", domain.RolloutPhase(decimal.NewFromInt(50)), 50)

	for i := 0; i < 5; i++ {
		_, body := f.do(t, http.MethodGet, "/tests/shadow/route", "")
		assert.Equal(t, "CONTROL", body["bucket"])
		assert.Equal(t, "0", body["percentage"])

		_, body = f.do(t, http.MethodGet, "/tests/full/route", "")
		assert.Equal(t, "TEST", body["bucket"])
		assert.Equal(t, "100", body["percentage"])
	}

	_, body := f.do(t, http.MethodGet, "/tests/half/route", "")
	assert.Equal(t, "50", body["percentage"])
	assert.Contains(t, []any{"TEST", "CONTROL"}, body["bucket"])
}

func TestRoute_FollowsStageChanges(t *testing.T) {
	f := newServerFixture(t)
	f.insert(t, "t1", domain.RolloutPhase(decimal.NewFromInt(10)), 10)

	_, body := f.do(t, http.MethodGet, "/tests/t1/route", "")
	assert.Equal(t, "10", body["percentage"])

	test, err := f.tests.GetByID(context.Background(), "t1")
	require.NoError(t, err)
	test.CurrentPhase = domain.PhaseRolledBack
	require.NoError(t, f.tests.Update(context.Background(), test))

	_, body = f.do(t, http.MethodGet, "/tests/t1/route", "")
	assert.Equal(t, "0", body["percentage"])
	assert.Equal(t, "CONTROL", body["bucket"])
}

func TestEmergencyStop(t *testing.T) {
	f := newServerFixture(t)
	f.insert(t, "t1", domain.PhaseShadow, 0)

	resp, body := f.do(t, http.MethodPost, "/tests/t1/emergency-stop", `{"reason":"latency spike"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["stopped"])
	assert.Equal(t, "latency spike", f.pipeline.stopped["t1"])

	resp, body = f.do(t, http.MethodPost, "/tests/t1/emergency-stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["stopped"])

	resp, _ = f.do(t, http.MethodPost, "/tests/t1/emergency-stop", "{bad")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/tests/nope/emergency-stop", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEmergencyStop_DefaultReason(t *testing.T) {
	f := newServerFixture(t)
	f.insert(t, "t1", domain.PhaseShadow, 0)

	resp, _ := f.do(t, http.MethodPost, "/tests/t1/emergency-stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "operator request", f.pipeline.stopped["t1"])
}

func TestPushSuggestions(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.do(t, http.MethodPost, "/suggestions", `[
		{"suggestion_id":"s1","title":"a","suggestion_type":"tuning","priority":1},
		{"suggestion_id":"s2","title":"b","suggestion_type":"tuning","priority":2}
	]`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 2, body["queued"])
	assert.Equal(t, 2, f.queue.Len())

	resp, _ = f.do(t, http.MethodPost, "/suggestions", `{"not":"an array"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 2, f.queue.Len())
}

func TestMethodNotAllowed(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.do(t, http.MethodDelete, "/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBuild_MemoryBackendsServeAPI(t *testing.T) {
	cfg := config.Default()
	a, err := build(context.Background(), cfg, zerolog.Nop(), intake.NewMemoryQueue())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httptest.NewServer(newRouter(a.api()))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st domain.PipelineStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.False(t, st.Running)
	assert.Equal(t, len(cfg.AccountIDs()), st.AvailableAccounts)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	raw, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "canary_pipeline_cycles_total")
	assert.Contains(t, string(raw), "go_goroutines")
}
