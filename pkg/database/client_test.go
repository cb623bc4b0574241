package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-hq/aide/pkg/database"
	testdb "github.com/aide-hq/aide/test/database"
)

func TestNewClient_MigrationsAndHealth(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	// The schema exists after migration.
	for _, table := range []string{
		"aides", "aide_events", "conversation_messages",
		"published_pages", "telemetry_events", "ws_events",
	} {
		var one int
		err := client.DB().QueryRowContext(ctx,
			`SELECT 1 FROM information_schema.tables WHERE table_name = $1`, table).Scan(&one)
		require.NoError(t, err, "table %s missing", table)
	}

	// Migrations are idempotent.
	require.NoError(t, database.Migrate(client.DB(), "test"))

	health, err := database.Health(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.GreaterOrEqual(t, health.OpenConnections, 1)
}

func TestConfigDSN(t *testing.T) {
	cfg := database.Config{
		Host: "db.internal", Port: 5433, User: "aide",
		Password: "s3cret", Database: "aide", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=aide password=s3cret dbname=aide sslmode=require",
		cfg.DSN())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "pg.example")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_PASSWORD", "pw")

	cfg, err := database.LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "pg.example", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "aide", cfg.User)
	assert.Equal(t, "pw", cfg.Password)
	assert.Equal(t, 10, cfg.MaxOpenConns)

	t.Setenv("DB_PORT", "not-a-port")
	_, err = database.LoadConfigFromEnv()
	require.Error(t, err)
}
