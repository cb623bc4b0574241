// Package database provides shared PostgreSQL setup for integration tests.
package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aide-hq/aide/pkg/database"
)

// NewTestClient creates a migrated database client for integration tests.
// In CI (when CI_DATABASE_URL is set): connects to an external PostgreSQL
// service container. In local dev: spins up a testcontainer. The container
// and connection are cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	connStr := ConnectionString(t)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	require.NoError(t, db.PingContext(ctx))

	require.NoError(t, database.Migrate(db, "test"))

	client := database.NewClientFromDB(db, connStr)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// ConnectionString returns a DSN for a test PostgreSQL instance, starting a
// testcontainer when no external database is configured. Components that need
// their own raw connection (LISTEN/NOTIFY) can open it from the returned DSN.
func ConnectionString(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	if connStr := os.Getenv("CI_DATABASE_URL"); connStr != "" {
		return connStr
	}
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}
