// Package config loads the pipeline configuration from YAML, an optional
// .env file and CANARY_* environment variables, and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/retry"
	"canary-pipeline/internal/rollout"
	"canary-pipeline/internal/shadow"
)

// Storage and intake backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the complete pipeline configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Shadow   ShadowConfig   `yaml:"shadow"`
	Rollout  RolloutConfig  `yaml:"rollout"`
	Rollback RollbackConfig `yaml:"rollback"`
	Accounts AccountsConfig `yaml:"accounts"`
	Storage  StorageConfig  `yaml:"storage"`
	Intake   IntakeConfig   `yaml:"intake"`
	Feeds    FeedsConfig    `yaml:"feeds"`
	Retry    RetryConfig    `yaml:"retry"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

type PipelineConfig struct {
	MaxConcurrentTests int           `yaml:"max_concurrent_tests" validate:"gte=1"`
	CycleInterval      time.Duration `yaml:"cycle_interval" validate:"gt=0"`
	Workers            int           `yaml:"workers" validate:"gte=0"` // 0 = one per active test, capped at max_concurrent_tests
	MaxPending         int           `yaml:"max_pending" validate:"gte=0"`
	ControlAccounts    int           `yaml:"control_accounts" validate:"gte=1"`
	TreatmentAccounts  int           `yaml:"treatment_accounts" validate:"gte=1"`
}

type ShadowConfig struct {
	MinDurationDays      int      `yaml:"min_duration_days" validate:"gte=0"`
	MinSignalThreshold   int      `yaml:"min_signal_threshold" validate:"gte=1"`
	MinTradeThreshold    int      `yaml:"min_trade_threshold" validate:"gte=2"`
	OpportunitiesPerTick int      `yaml:"opportunities_per_tick" validate:"gte=1"`
	AllowedChangeTypes   []string `yaml:"allowed_change_types" validate:"min=1"`
	MaxPValue            float64  `yaml:"max_p_value"`
	DropTolerancePct     float64  `yaml:"drop_tolerance_pct" validate:"gt=0"`
	Seed                 uint64   `yaml:"seed"`
}

type StageConfig struct {
	Percentage    float64       `yaml:"percentage"`
	MinSampleSize int           `yaml:"min_sample_size"`
	MinDwell      time.Duration `yaml:"min_dwell"`
}

type RolloutConfig struct {
	Stages            []StageConfig `yaml:"stages" validate:"min=1"`
	MaxPValue         float64       `yaml:"max_p_value"`
	MinImprovementPct float64       `yaml:"min_improvement_pct" validate:"gte=0"`
	DropTolerancePct  float64       `yaml:"drop_tolerance_pct" validate:"gt=0"`
	MinRollbackSample int           `yaml:"min_rollback_sample" validate:"gte=0"`
}

type RollbackConfig struct {
	PerformanceDrop  float64 `yaml:"performance_drop"`
	DrawdownIncrease float64 `yaml:"drawdown_increase"`
	WinRateCollapse  float64 `yaml:"win_rate_collapse"`
	CorrelationSpike float64 `yaml:"correlation_spike" validate:"gte=0,lte=1"` // 0 disables
	MinSamples       int     `yaml:"min_samples" validate:"gte=0"`
}

// AccountsConfig lists the shared account pool. IDs wins over Count.
type AccountsConfig struct {
	IDs    []string `yaml:"ids" validate:"dive,required"`
	Prefix string   `yaml:"prefix"`
	Count  int      `yaml:"count" validate:"gte=0"`
}

type StorageConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=memory postgres"`
	PostgresDSN   string `yaml:"postgres_dsn" validate:"required_if=Backend postgres"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"` // optional cycle and audit analytics
	Migrate       bool   `yaml:"migrate"`
	AuditBuffer   int    `yaml:"audit_buffer" validate:"gte=0"`
}

type IntakeConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`
	Key           string `yaml:"key"`
	BatchSize     int    `yaml:"batch_size" validate:"gte=0"`
}

type FeedsConfig struct {
	PerformanceURL    string        `yaml:"performance_url" validate:"required,url"`
	ExecutorURL       string        `yaml:"executor_url" validate:"required,url"`
	CorrelationURL    string        `yaml:"correlation_url" validate:"omitempty,url"` // empty disables the correlation trigger
	AuthToken         string        `yaml:"auth_token"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout" validate:"gte=0"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gte=0"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Default returns a configuration that runs fully in memory against feeds
// on localhost.
func Default() Config {
	sh := shadow.DefaultConfig()
	ro := rollout.DefaultConfig()
	changeTypes := make([]string, len(sh.AllowedChangeTypes))
	for i, ct := range sh.AllowedChangeTypes {
		changeTypes[i] = string(ct)
	}
	stages := make([]StageConfig, len(ro.Stages))
	for i, s := range ro.Stages {
		stages[i] = StageConfig{
			Percentage:    s.Percentage.InexactFloat64(),
			MinSampleSize: s.MinSampleSize,
			MinDwell:      s.MinDwell,
		}
	}
	rp := retry.DefaultPolicy()

	return Config{
		Pipeline: PipelineConfig{
			MaxConcurrentTests: 5,
			CycleInterval:      time.Hour,
			MaxPending:         256,
			ControlAccounts:    5,
			TreatmentAccounts:  5,
		},
		Shadow: ShadowConfig{
			MinDurationDays:      sh.MinDurationDays,
			MinSignalThreshold:   sh.MinSignalThreshold,
			MinTradeThreshold:    sh.MinTradeThreshold,
			OpportunitiesPerTick: sh.OpportunitiesPerTick,
			AllowedChangeTypes:   changeTypes,
			MaxPValue:            sh.MaxPValue,
			DropTolerancePct:     sh.DropTolerancePct,
			Seed:                 1,
		},
		Rollout: RolloutConfig{
			Stages:            stages,
			MaxPValue:         ro.MaxPValue,
			MinImprovementPct: ro.MinImprovementPct,
			DropTolerancePct:  ro.DropTolerancePct,
			MinRollbackSample: ro.MinRollbackSample,
		},
		Rollback: RollbackConfig{
			PerformanceDrop:  0.15,
			DrawdownIncrease: 0.20,
			WinRateCollapse:  0.10,
			CorrelationSpike: 0.80,
			MinSamples:       20,
		},
		Accounts: AccountsConfig{Prefix: "acct-", Count: 50},
		Storage:  StorageConfig{Backend: BackendMemory, AuditBuffer: 1024},
		Intake:   IntakeConfig{Backend: BackendMemory, Key: "canary:suggestions", BatchSize: 100},
		Feeds: FeedsConfig{
			PerformanceURL:    "http://localhost:8081",
			ExecutorURL:       "http://localhost:8082",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 20,
			Burst:             5,
			BreakerTimeout:    time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:     rp.MaxAttempts,
			InitialInterval: rp.InitialInterval,
			MaxInterval:     rp.MaxInterval,
		},
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then variables from envFile (if it exists), then
// CANARY_* environment overrides. The result is validated.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, &domain.ConfigurationError{Field: path, Reason: err.Error()}
		}
	}

	if envFile != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envOverride struct {
	key   string
	apply func(cfg *Config, v string) error
}

func str(set func(*Config, string)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		set(cfg, v)
		return nil
	}
}

func integer(set func(*Config, int)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(cfg, n)
		return nil
	}
}

func duration(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		set(cfg, d)
		return nil
	}
}

var envOverrides = []envOverride{
	{"CANARY_MAX_CONCURRENT_TESTS", integer(func(c *Config, n int) { c.Pipeline.MaxConcurrentTests = n })},
	{"CANARY_CYCLE_INTERVAL", duration(func(c *Config, d time.Duration) { c.Pipeline.CycleInterval = d })},
	{"CANARY_WORKERS", integer(func(c *Config, n int) { c.Pipeline.Workers = n })},
	{"CANARY_STORAGE_BACKEND", str(func(c *Config, v string) { c.Storage.Backend = v })},
	{"CANARY_POSTGRES_DSN", str(func(c *Config, v string) { c.Storage.PostgresDSN = v })},
	{"CANARY_CLICKHOUSE_DSN", str(func(c *Config, v string) { c.Storage.ClickhouseDSN = v })},
	{"CANARY_INTAKE_BACKEND", str(func(c *Config, v string) { c.Intake.Backend = v })},
	{"CANARY_REDIS_ADDR", str(func(c *Config, v string) { c.Intake.RedisAddr = v })},
	{"CANARY_REDIS_PASSWORD", str(func(c *Config, v string) { c.Intake.RedisPassword = v })},
	{"CANARY_PERFORMANCE_URL", str(func(c *Config, v string) { c.Feeds.PerformanceURL = v })},
	{"CANARY_EXECUTOR_URL", str(func(c *Config, v string) { c.Feeds.ExecutorURL = v })},
	{"CANARY_CORRELATION_URL", str(func(c *Config, v string) { c.Feeds.CorrelationURL = v })},
	{"CANARY_FEED_TOKEN", str(func(c *Config, v string) { c.Feeds.AuthToken = v })},
	{"CANARY_SERVER_ADDR", str(func(c *Config, v string) { c.Server.Addr = v })},
	{"CANARY_LOG_LEVEL", str(func(c *Config, v string) { c.Log.Level = v })},
	{"CANARY_LOG_FORMAT", str(func(c *Config, v string) { c.Log.Format = v })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return &domain.ConfigurationError{Field: o.key, Reason: fmt.Sprintf("invalid value %q: %v", v, err)}
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct constraints and the cross-field rules. Every
// failure is a *domain.ConfigurationError.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			_, field, _ := strings.Cut(fe.Namespace(), ".")
			reason := "failed " + fe.Tag()
			if fe.Param() != "" {
				reason += "=" + fe.Param()
			}
			return &domain.ConfigurationError{Field: field, Reason: reason}
		}
		return &domain.ConfigurationError{Field: "config", Reason: err.Error()}
	}

	for _, p := range []struct {
		field string
		value float64
	}{
		{"shadow.max_p_value", c.Shadow.MaxPValue},
		{"rollout.max_p_value", c.Rollout.MaxPValue},
	} {
		if p.value <= 0 || p.value >= 1 {
			return &domain.ConfigurationError{Field: p.field, Reason: "must be in (0, 1)"}
		}
	}
	for _, th := range []struct {
		field string
		value float64
	}{
		{"rollback.performance_drop", c.Rollback.PerformanceDrop},
		{"rollback.drawdown_increase", c.Rollback.DrawdownIncrease},
		{"rollback.win_rate_collapse", c.Rollback.WinRateCollapse},
	} {
		if th.value <= 0 {
			return &domain.ConfigurationError{Field: th.field, Reason: "must be greater than zero"}
		}
	}

	for _, ct := range c.Shadow.AllowedChangeTypes {
		switch domain.ChangeType(ct) {
		case domain.ChangeTypeParameter, domain.ChangeTypeRiskAdjustment, domain.ChangeTypeThreshold,
			domain.ChangeTypeStrategyLogic, domain.ChangeTypeInfrastructure, domain.ChangeTypeIntegration:
		default:
			return &domain.ConfigurationError{Field: "shadow.allowed_change_types", Reason: fmt.Sprintf("unknown change type %q", ct)}
		}
	}

	if err := c.StagePlan().Validate(); err != nil {
		var cerr *domain.ConfigurationError
		if errors.As(err, &cerr) {
			cerr.Field = "rollout." + cerr.Field
		}
		return err
	}

	need := c.Pipeline.MaxConcurrentTests * (c.Pipeline.ControlAccounts + c.Pipeline.TreatmentAccounts)
	if n := len(c.AccountIDs()); n < c.Pipeline.ControlAccounts+c.Pipeline.TreatmentAccounts {
		return &domain.ConfigurationError{
			Field:  "accounts",
			Reason: fmt.Sprintf("pool of %d cannot hold one test (%d needed, %d for full concurrency)", n, c.Pipeline.ControlAccounts+c.Pipeline.TreatmentAccounts, need),
		}
	}
	return nil
}

// StagePlan converts the configured stages.
func (c Config) StagePlan() domain.StagePlan {
	plan := make(domain.StagePlan, len(c.Rollout.Stages))
	for i, s := range c.Rollout.Stages {
		plan[i] = domain.StageConfig{
			Percentage:    decimal.NewFromFloat(s.Percentage),
			MinSampleSize: s.MinSampleSize,
			MinDwell:      s.MinDwell,
		}
	}
	return plan
}

// Thresholds returns the rollback thresholds stamped on new tests.
func (c Config) Thresholds() domain.RollbackThresholds {
	return domain.RollbackThresholds{
		PerformanceDrop:  c.Rollback.PerformanceDrop,
		DrawdownIncrease: c.Rollback.DrawdownIncrease,
		WinRateCollapse:  c.Rollback.WinRateCollapse,
		CorrelationSpike: c.Rollback.CorrelationSpike,
		MinSamples:       c.Rollback.MinSamples,
	}
}

// ShadowSettings converts the shadow section.
func (c Config) ShadowSettings() shadow.Config {
	sh := shadow.DefaultConfig()
	sh.MinDurationDays = c.Shadow.MinDurationDays
	sh.MinSignalThreshold = c.Shadow.MinSignalThreshold
	sh.MinTradeThreshold = c.Shadow.MinTradeThreshold
	sh.OpportunitiesPerTick = c.Shadow.OpportunitiesPerTick
	sh.MaxPValue = c.Shadow.MaxPValue
	sh.DropTolerancePct = c.Shadow.DropTolerancePct
	sh.AllowedChangeTypes = make([]domain.ChangeType, len(c.Shadow.AllowedChangeTypes))
	for i, ct := range c.Shadow.AllowedChangeTypes {
		sh.AllowedChangeTypes[i] = domain.ChangeType(ct)
	}
	return sh
}

// RolloutSettings converts the rollout section.
func (c Config) RolloutSettings() rollout.Config {
	return rollout.Config{
		Stages:            c.StagePlan(),
		MaxPValue:         c.Rollout.MaxPValue,
		MinImprovementPct: c.Rollout.MinImprovementPct,
		DropTolerancePct:  c.Rollout.DropTolerancePct,
		MinRollbackSample: c.Rollout.MinRollbackSample,
	}
}

func (c Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	if c.Retry.InitialInterval > 0 {
		p.InitialInterval = c.Retry.InitialInterval
	}
	if c.Retry.MaxInterval > 0 {
		p.MaxInterval = c.Retry.MaxInterval
	}
	return p
}

// AccountIDs returns the configured pool: IDs when set, otherwise Count
// generated ids of the form <prefix>000.
func (c Config) AccountIDs() []string {
	if len(c.Accounts.IDs) > 0 {
		return append([]string(nil), c.Accounts.IDs...)
	}
	ids := make([]string, c.Accounts.Count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%03d", c.Accounts.Prefix, i)
	}
	return ids
}
