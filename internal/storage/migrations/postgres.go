package migrations

import (
	"context"

	"canary-pipeline/internal/storage/postgres"
)

// RunPostgresMigrations applies the embedded schema. Each file runs as one
// multi-statement Exec; all DDL is IF NOT EXISTS so reruns are no-ops.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	return each(PostgresFS, "postgres", func(_, script string) error {
		_, err := pool.Exec(ctx, script)
		return err
	})
}
