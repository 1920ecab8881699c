package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"canary-pipeline/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if got := len(cfg.AccountIDs()); got != 50 {
		t.Errorf("AccountIDs() len = %d, want 50", got)
	}
	if got := cfg.AccountIDs()[7]; got != "acct-007" {
		t.Errorf("AccountIDs()[7] = %q, want acct-007", got)
	}
	if err := cfg.StagePlan().Validate(); err != nil {
		t.Errorf("default stage plan invalid: %v", err)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "canary.yaml", `
pipeline:
  max_concurrent_tests: 2
  cycle_interval: 30m
  control_accounts: 2
  treatment_accounts: 3
rollout:
  stages:
    - {percentage: 20, min_sample_size: 10, min_dwell: 1h}
    - {percentage: 100, min_sample_size: 20, min_dwell: 2h}
rollback:
  drawdown_increase: 0.05
accounts:
  ids: [a, b, c, d, e, f]
log:
  format: json
`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.MaxConcurrentTests != 2 {
		t.Errorf("MaxConcurrentTests = %d, want 2", cfg.Pipeline.MaxConcurrentTests)
	}
	if cfg.Pipeline.CycleInterval != 30*time.Minute {
		t.Errorf("CycleInterval = %v, want 30m", cfg.Pipeline.CycleInterval)
	}
	plan := cfg.StagePlan()
	if len(plan) != 2 || !plan[0].Percentage.Equal(decimal.NewFromInt(20)) || plan[1].MinDwell != 2*time.Hour {
		t.Errorf("StagePlan() = %+v", plan)
	}
	if th := cfg.Thresholds(); th.DrawdownIncrease != 0.05 || th.PerformanceDrop != 0.15 {
		t.Errorf("Thresholds() = %+v, want drawdown 0.05 and default performance drop", th)
	}
	if got := cfg.AccountIDs(); len(got) != 6 || got[0] != "a" {
		t.Errorf("AccountIDs() = %v", got)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if got := cfg.RolloutSettings().Stages; len(got) != 2 {
		t.Errorf("RolloutSettings().Stages len = %d", len(got))
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	envFile := writeFile(t, ".env", "CANARY_REDIS_ADDR=redis:6379\nCANARY_MAX_CONCURRENT_TESTS=3\n")
	t.Cleanup(func() { os.Unsetenv("CANARY_REDIS_ADDR") })
	t.Setenv("CANARY_INTAKE_BACKEND", "redis")
	t.Setenv("CANARY_MAX_CONCURRENT_TESTS", "4") // process env wins over the file
	t.Setenv("CANARY_CYCLE_INTERVAL", "15m")

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Intake.Backend != BackendRedis || cfg.Intake.RedisAddr != "redis:6379" {
		t.Errorf("Intake = %+v", cfg.Intake)
	}
	if cfg.Pipeline.MaxConcurrentTests != 4 {
		t.Errorf("MaxConcurrentTests = %d, want 4", cfg.Pipeline.MaxConcurrentTests)
	}
	if cfg.Pipeline.CycleInterval != 15*time.Minute {
		t.Errorf("CycleInterval = %v, want 15m", cfg.Pipeline.CycleInterval)
	}
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	if _, err := Load("", filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("CANARY_MAX_CONCURRENT_TESTS", "many")

	_, err := Load("", "")
	var cerr *domain.ConfigurationError
	if !errors.As(err, &cerr) || cerr.Field != "CANARY_MAX_CONCURRENT_TESTS" {
		t.Fatalf("Load() error = %v, want ConfigurationError for CANARY_MAX_CONCURRENT_TESTS", err)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "pipeline: [not, a, map")
	_, err := Load(path, "")
	var cerr *domain.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Load() error = %v, want ConfigurationError", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero concurrency", func(c *Config) { c.Pipeline.MaxConcurrentTests = 0 }, "pipeline.max_concurrent_tests"},
		{"zero rollback threshold", func(c *Config) { c.Rollback.WinRateCollapse = 0 }, "rollback.win_rate_collapse"},
		{"p value of one", func(c *Config) { c.Rollout.MaxPValue = 1 }, "rollout.max_p_value"},
		{"plan not ending at 100", func(c *Config) {
			c.Rollout.Stages = []StageConfig{{Percentage: 10, MinSampleSize: 5}, {Percentage: 50, MinSampleSize: 5}}
		}, "rollout.stages"},
		{"plan not increasing", func(c *Config) {
			c.Rollout.Stages = []StageConfig{{Percentage: 50, MinSampleSize: 5}, {Percentage: 25, MinSampleSize: 5}, {Percentage: 100, MinSampleSize: 5}}
		}, "rollout.stages[1]"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "storage.postgres_dsn"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage.backend"},
		{"bad feed url", func(c *Config) { c.Feeds.ExecutorURL = "not a url" }, "feeds.executor_url"},
		{"unknown change type", func(c *Config) { c.Shadow.AllowedChangeTypes = []string{"parameter", "magic"} }, "shadow.allowed_change_types"},
		{"pool too small", func(c *Config) { c.Accounts.Count = 3 }, "accounts"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var cerr *domain.ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate() error = %v, want ConfigurationError", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("Field = %q, want %q (reason %q)", cerr.Field, tt.field, cerr.Reason)
			}
		})
	}
}

func TestShadowSettings(t *testing.T) {
	cfg := Default()
	cfg.Shadow.AllowedChangeTypes = []string{"parameter"}
	cfg.Shadow.MinDurationDays = 3

	sh := cfg.ShadowSettings()
	if sh.MinDurationDays != 3 {
		t.Errorf("MinDurationDays = %d, want 3", sh.MinDurationDays)
	}
	if len(sh.AllowedChangeTypes) != 1 || sh.AllowedChangeTypes[0] != domain.ChangeTypeParameter {
		t.Errorf("AllowedChangeTypes = %v", sh.AllowedChangeTypes)
	}
	if len(sh.ForbiddenImpactTerms) == 0 {
		t.Error("ForbiddenImpactTerms dropped")
	}
}
