package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"canary-pipeline/internal/storage/migrations"
	pgstore "canary-pipeline/internal/storage/postgres"
)

// setupTestDB starts a throwaway Postgres, applies the embedded migrations
// and returns the pool. Skipped under -short.
func setupTestDB(t *testing.T) (*pgstore.Pool, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("canary"),
		tcpostgres.WithUsername("canary"),
		tcpostgres.WithPassword("canary"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgstore.NewPool(ctx, dsn, pgstore.WithMaxConns(4))
	require.NoError(t, err)

	// Twice: the schema must tolerate reruns on every start.
	require.NoError(t, migrations.RunPostgresMigrations(ctx, pool))
	require.NoError(t, migrations.RunPostgresMigrations(ctx, pool))

	return pool, func() {
		pool.Close()
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	}
}
