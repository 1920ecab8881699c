package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"canary-pipeline/internal/accounts"
	"canary-pipeline/internal/audit"
	"canary-pipeline/internal/config"
	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/feed"
	"canary-pipeline/internal/intake"
	"canary-pipeline/internal/metrics"
	"canary-pipeline/internal/observability"
	"canary-pipeline/internal/orchestrator"
	"canary-pipeline/internal/ports"
	"canary-pipeline/internal/rollback"
	"canary-pipeline/internal/rollout"
	"canary-pipeline/internal/shadow"
	"canary-pipeline/internal/storage"
	chstore "canary-pipeline/internal/storage/clickhouse"
	"canary-pipeline/internal/storage/memory"
	"canary-pipeline/internal/storage/migrations"
	pgstore "canary-pipeline/internal/storage/postgres"
)

// suggestionQueue is an intake queue the API can push to.
type suggestionQueue interface {
	ports.SuggestionSource
	Push(ctx context.Context, items ...domain.ImprovementSuggestion) error
}

// app holds the wired pipeline and everything that must be closed with it.
type app struct {
	orch     *orchestrator.Orchestrator
	tests    storage.TestStore
	audits   storage.AuditStore
	queue    suggestionQueue
	registry *prometheus.Registry
	log      zerolog.Logger
	closers  []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) api() *api {
	return newAPI(a.orch, a.tests, a.audits, a.queue, a.registry, a.log)
}

type stores struct {
	tests       storage.TestStore
	cycles      storage.CycleStore
	audits      storage.AuditStore
	checkpoints storage.CheckpointStore
}

// build wires every component from cfg. A nil queue selects the intake
// backend from cfg.
func build(ctx context.Context, cfg config.Config, log zerolog.Logger, queue suggestionQueue) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	st, err := a.openStores(ctx, cfg.Storage, max(cfg.Pipeline.Workers, cfg.Pipeline.MaxConcurrentTests))
	if err != nil {
		return nil, err
	}
	a.tests, a.audits = st.tests, st.audits

	storeSink := audit.NewStoreSink(st.audits,
		audit.WithBufferSize(cfg.Storage.AuditBuffer),
		audit.WithLogger(log),
	)
	a.closers = append(a.closers, storeSink.Close)
	sink := audit.MultiSink{audit.NewLogSink(log), storeSink}

	if queue == nil {
		queue, err = a.openQueue(ctx, cfg.Intake)
		if err != nil {
			return nil, err
		}
	}
	a.queue = queue

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := observability.NewMetrics(observability.DefaultNamespace, a.registry)

	feedOpts := []feed.ClientOption{
		feed.WithTimeout(cfg.Feeds.Timeout),
		feed.WithRateLimit(cfg.Feeds.RequestsPerSecond, cfg.Feeds.Burst),
		feed.WithBreakerTimeout(cfg.Feeds.BreakerTimeout),
		feed.WithAuthToken(cfg.Feeds.AuthToken),
		feed.WithLogger(log),
	}
	performance := feed.NewPerformanceClient(cfg.Feeds.PerformanceURL, feedOpts...)
	executor := feed.NewChangeClient(cfg.Feeds.ExecutorURL, feedOpts...)

	policy := cfg.RetryPolicy()
	pool := accounts.NewPool(cfg.AccountIDs())
	rollbackOpts := []rollback.Option{
		rollback.WithAuditSink(sink),
		rollback.WithRetryPolicy(policy),
		rollback.WithLogger(log),
	}
	if cfg.Feeds.CorrelationURL != "" {
		rollbackOpts = append(rollbackOpts, rollback.WithCorrelationMonitor(
			feed.NewPerformanceClient(cfg.Feeds.CorrelationURL, feedOpts...),
		))
	}

	a.orch, err = orchestrator.New(ctx, orchestrator.Options{
		Shadow: shadow.NewRunner(cfg.ShadowSettings(),
			shadow.WithSeed(cfg.Shadow.Seed),
			shadow.WithLogger(log),
		),
		Stages:             rollout.NewManager(cfg.RolloutSettings(), rollout.WithLogger(log)),
		Comparator:         metrics.NewComparator(cfg.Rollout.MaxPValue),
		Rollback:           rollback.NewManager(executor, pool, rollbackOpts...),
		Accounts:           pool,
		Performance:        performance,
		Executor:           executor,
		Source:             queue,
		Audit:              sink,
		Tests:              st.tests,
		Cycles:             st.cycles,
		Checkpoints:        st.checkpoints,
		Metrics:            m,
		MaxConcurrentTests: cfg.Pipeline.MaxConcurrentTests,
		ControlAccounts:    cfg.Pipeline.ControlAccounts,
		TreatmentAccounts:  cfg.Pipeline.TreatmentAccounts,
		Workers:            cfg.Pipeline.Workers,
		MaxPending:         cfg.Pipeline.MaxPending,
		CycleInterval:      cfg.Pipeline.CycleInterval,
		Thresholds:         cfg.Thresholds(),
		RetryPolicy:        &policy,
		Logger:             log,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	return a, nil
}

// openStores returns memory stores or Postgres for tests and checkpoints.
// Cycle records and audit events go to ClickHouse when a DSN is set.
func (a *app) openStores(ctx context.Context, c config.StorageConfig, workers int) (stores, error) {
	st := stores{
		tests:       memory.NewTestStore(),
		cycles:      memory.NewCycleStore(),
		audits:      memory.NewAuditStore(),
		checkpoints: memory.NewCheckpointStore(),
	}

	if c.Backend == config.BackendPostgres {
		pool, err := pgstore.NewPool(ctx, c.PostgresDSN, pgstore.WithMaxConns(int32(workers+2)))
		if err != nil {
			return stores{}, err
		}
		a.closers = append(a.closers, pool.Close)
		if c.Migrate {
			if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
				return stores{}, err
			}
		}
		st.tests = pgstore.NewTestStore(pool)
		st.checkpoints = pgstore.NewCheckpointStore(pool)
		a.log.Info().Msg("postgres test store connected")
	}

	if c.ClickhouseDSN != "" {
		var (
			conn *chstore.Conn
			err  error
		)
		if c.Migrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, c.ClickhouseDSN)
		} else {
			conn, err = chstore.NewConn(ctx, c.ClickhouseDSN)
		}
		if err != nil {
			return stores{}, err
		}
		a.closers = append(a.closers, func() { conn.Close() })
		st.cycles = chstore.NewCycleStore(conn)
		st.audits = chstore.NewAuditStore(conn)
		a.log.Info().Msg("clickhouse cycle and audit stores connected")
	}
	return st, nil
}

func (a *app) openQueue(ctx context.Context, c config.IntakeConfig) (suggestionQueue, error) {
	if c.Backend != config.BackendRedis {
		return intake.NewMemoryQueue(), nil
	}
	client, err := intake.DialRedis(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { client.Close() })
	opts := []intake.RedisOption{intake.WithBatchSize(c.BatchSize), intake.WithLogger(a.log)}
	if c.Key != "" {
		opts = append(opts, intake.WithKey(c.Key))
	}
	return intake.NewRedisQueue(client, opts...), nil
}
