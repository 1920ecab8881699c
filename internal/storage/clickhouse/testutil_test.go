package clickhouse_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	chstore "canary-pipeline/internal/storage/clickhouse"
	"canary-pipeline/internal/storage/migrations"
)

// setupTestDB starts ClickHouse and migrates a fresh "canary_test" database
// through the same path `canary serve` uses. Skipped under -short.
func setupTestDB(t *testing.T) (*chstore.Conn, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("clickhouse integration test skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.8-alpine",
			ExposedPorts: []string{"9000/tcp"},
			Env:          map[string]string{"CLICKHOUSE_SKIP_USER_SETUP": "1"},
			WaitingFor:   wait.ForListeningPort("9000/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start clickhouse container")

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)

	conn, err := migrations.RunClickhouseMigrations(ctx, fmt.Sprintf("clickhouse://default@%s/canary_test", endpoint))
	require.NoError(t, err)

	return conn, func() {
		_ = conn.Close()
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate clickhouse container: %v", err)
		}
	}
}
