package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-hq/aide/pkg/config"
	testdb "github.com/aide-hq/aide/test/database"
)

func retentionConfig() config.RetentionConfig {
	return config.RetentionConfig{
		FrameTTL:      24 * time.Hour,
		TelemetryTTL:  30 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

func TestService_Sweep(t *testing.T) {
	client := testdb.NewTestClient(t)
	db := client.DB()
	ctx := context.Background()

	aideID := uuid.NewString()
	now := time.Now().UTC()
	insertFrame := func(age time.Duration) {
		_, err := db.ExecContext(ctx,
			`INSERT INTO ws_events (aide_id, frame, created_at) VALUES ($1, '{"type":"voice"}', $2)`,
			aideID, now.Add(-age))
		require.NoError(t, err)
	}
	insertTelemetry := func(age time.Duration) {
		_, err := db.ExecContext(ctx,
			`INSERT INTO telemetry_events (ts, aide_id, event_type) VALUES ($1, $2, 'turn')`,
			now.Add(-age), aideID)
		require.NoError(t, err)
	}

	insertFrame(time.Minute)
	insertFrame(48 * time.Hour)
	insertFrame(25 * time.Hour)
	insertTelemetry(time.Hour)
	insertTelemetry(31 * 24 * time.Hour)

	svc := NewService(retentionConfig(), db)
	svc.Sweep(ctx)

	var frames, records int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM ws_events WHERE aide_id = $1`, aideID).Scan(&frames))
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM telemetry_events WHERE aide_id = $1`, aideID).Scan(&records))
	assert.Equal(t, 1, frames, "only the fresh frame survives")
	assert.Equal(t, 1, records, "only the fresh telemetry row survives")

	// A second pass is a no-op.
	svc.Sweep(ctx)
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM ws_events WHERE aide_id = $1`, aideID).Scan(&frames))
	assert.Equal(t, 1, frames)
}

func TestService_StartStop(t *testing.T) {
	client := testdb.NewTestClient(t)

	svc := NewService(retentionConfig(), client.DB())
	svc.Start(context.Background())
	svc.Stop()

	// Second Stop is a no-op; done is already closed.
	svc.Stop()
}
