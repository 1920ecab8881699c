package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// scrape returns the text exposition of reg.
func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

// sample returns the value of the exposition line starting with series.
func sample(t *testing.T, body, series string) string {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, series+" ") {
			return strings.TrimPrefix(line, series+" ")
		}
	}
	t.Fatalf("series %s not found", series)
	return ""
}

func TestMetrics_RecordAndExpose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("", reg)

	m.RecordCycle(2*time.Second, 0, time.Unix(1700000000, 0))
	m.RecordTransition("SHADOW", "ROLLOUT_10")
	m.RecordTransition("SHADOW", "ROLLOUT_10")
	m.RecordStageDecision("HOLD")
	m.RecordRollback("automatic")
	m.RecordExternalError("performance_feed")
	m.SetGauges(3, 1, 40)

	body := scrape(t, reg)
	checks := map[string]string{
		"canary_pipeline_cycles_total":                                        "1",
		`canary_tests_phase_transitions_total{from="SHADOW",to="ROLLOUT_10"}`: "2",
		`canary_tests_rollbacks_total{severity="automatic"}`:                  "1",
		`canary_errors_external_errors_total{service="performance_feed"}`:     "1",
		"canary_pipeline_active_tests":                                        "3",
		"canary_health_last_successful_cycle_timestamp":                       "1.7e+09",
	}
	for series, want := range checks {
		if got := sample(t, body, series); got != want {
			t.Errorf("%s = %s, want %s", series, got, want)
		}
	}
}

func TestMetrics_FailedCycleKeepsHealthTimestamp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("x", reg)
	m.RecordCycle(time.Second, 0, time.Unix(100, 0))
	m.RecordCycle(time.Second, 2, time.Unix(200, 0))
	if got := sample(t, scrape(t, reg), "x_health_last_successful_cycle_timestamp"); got != "100" {
		t.Errorf("last successful = %s, want 100", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCycle(time.Second, 0, time.Now())
	m.RecordTransition("a", "b")
	m.RecordStageDecision("HOLD")
	m.RecordRollback("warning")
	m.RecordRejected("validation")
	m.RecordTestCreated()
	m.RecordExternalError("x")
	m.RecordTestError()
	m.SetGauges(1, 2, 3)
}
