package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-hq/aide/pkg/kernel"
	"github.com/aide-hq/aide/pkg/prompt"
	"github.com/aide-hq/aide/pkg/telemetry"
	testdb "github.com/aide-hq/aide/test/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(testdb.NewTestClient(t))
}

func testBlueprint() prompt.Blueprint {
	return prompt.Blueprint{Identity: "kitchen aide", Voice: "brisk", Prompt: "track the kitchen"}
}

// applyEvents folds events onto a snapshot, returning the applied events
// with sequence and timestamp stamped the way a turn would.
func applyEvents(t *testing.T, snap *kernel.Snapshot, events ...*kernel.Event) (*kernel.Snapshot, []*kernel.Event) {
	t.Helper()
	var applied []*kernel.Event
	for _, ev := range events {
		res := kernel.Reduce(snap, ev)
		require.True(t, res.Applied, "event %s rejected: %v", ev.Type, res.Err)
		snap = res.Snapshot
		ev.Sequence = snap.Sequence
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
		applied = append(applied, ev)
	}
	return snap, applied
}

func createEvent(id, parent string, props map[string]any) *kernel.Event {
	return &kernel.Event{
		Type:    kernel.PrimEntityCreate,
		Payload: kernel.EntityCreate{ID: id, Parent: parent, Props: props},
	}
}

func TestStore_CreateAndHydrate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	aide, err := s.Create(ctx, "owner-1", testBlueprint())
	require.NoError(t, err)
	assert.NotEmpty(t, aide.ID)
	assert.Len(t, aide.SnapshotHash, 16)

	res, err := s.Hydrate(ctx, aide.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, aide.SnapshotHash, res.SnapshotHash)
	assert.Equal(t, "kitchen aide", res.Blueprint.Identity)
	assert.Empty(t, res.Events)
	assert.Empty(t, res.Messages)
	assert.Empty(t, res.Snapshot.Entities)
	assert.Equal(t, int64(0), res.Snapshot.Sequence)
}

func TestStore_Authorization(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	aide, err := s.Create(ctx, "owner-1", testBlueprint())
	require.NoError(t, err)

	_, err = s.Hydrate(ctx, aide.ID, "intruder")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.Hydrate(ctx, "no-such-aide", "owner-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Fork(ctx, aide.ID, "intruder")
	assert.ErrorIs(t, err, ErrForbidden)

	err = s.Publish(ctx, aide.ID, "intruder", "slug", []byte("x"), "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestStore_PersistTurnRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	aide, err := s.Create(ctx, "owner-1", testBlueprint())
	require.NoError(t, err)

	state, err := s.LoadForTurn(ctx, aide.ID)
	require.NoError(t, err)

	snap, applied := applyEvents(t, state.Snapshot,
		createEvent("shelf", kernel.RootID, nil),
		createEvent("mug", "shelf", map[string]any{"color": "blue"}),
	)

	err = s.PersistTurn(ctx, aide.ID, applied, snap, "add my mug",
		prompt.Turn{Role: "assistant", Text: "Added.", OpsApplied: 2})
	require.NoError(t, err)

	res, err := s.Hydrate(ctx, aide.ID, "owner-1")
	require.NoError(t, err)

	require.Len(t, res.Events, 2)
	assert.Equal(t, kernel.PrimEntityCreate, res.Events[0].Type)
	assert.Equal(t, int64(1), res.Events[0].Sequence)
	assert.Equal(t, int64(2), res.Events[1].Sequence)

	ent, ok := res.Snapshot.LiveEntity("mug")
	require.True(t, ok)
	assert.Equal(t, "blue", ent.Props["color"])

	wantHash, err := kernel.Hash(snap)
	require.NoError(t, err)
	assert.Equal(t, wantHash, res.SnapshotHash)

	require.Len(t, res.Messages, 2)
	assert.Equal(t, "user", res.Messages[0].Role)
	assert.Equal(t, "add my mug", res.Messages[0].Content)
	assert.Equal(t, "assistant", res.Messages[1].Role)
	assert.Equal(t, 2, res.Messages[1].OpsApplied)

	// The replayed log converges on the persisted snapshot.
	replayed, _ := kernel.Replay(res.Events)
	replayHash, err := kernel.Hash(replayed)
	require.NoError(t, err)
	assert.Equal(t, wantHash, replayHash)
}

func TestStore_PersistTurnEmptyMessageSkipsConversation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	aide, err := s.Create(ctx, "owner-1", testBlueprint())
	require.NoError(t, err)

	state, err := s.LoadForTurn(ctx, aide.ID)
	require.NoError(t, err)
	snap, applied := applyEvents(t, state.Snapshot,
		createEvent("mug", kernel.RootID, nil))

	// Direct-edit shape: no conversation rows.
	require.NoError(t, s.PersistTurn(ctx, aide.ID, applied, snap, "", prompt.Turn{}))

	res, err := s.Hydrate(ctx, aide.ID, "owner-1")
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)
	assert.Empty(t, res.Messages)
}

func TestStore_PersistTurnUnknownAide(t *testing.T) {
	s := testStore(t)
	err := s.PersistTurn(context.Background(), "ghost", nil, kernel.NewSnapshot(), "", prompt.Turn{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LoadForTurnTailLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	aide, err := s.Create(ctx, "owner-1", testBlueprint())
	require.NoError(t, err)

	snap := kernel.NewSnapshot()
	for i := 0; i < 8; i++ {
		require.NoError(t, s.PersistTurn(ctx, aide.ID, nil, snap,
			"message", prompt.Turn{Role: "assistant", Text: "ok"}))
	}

	state, err := s.LoadForTurn(ctx, aide.ID)
	require.NoError(t, err)
	// 16 rows exist; only the newest conversationTailLimit come back.
	assert.Len(t, state.Tail, conversationTailLimit)
	assert.Equal(t, "user", state.Tail[len(state.Tail)-2].Role)
	assert.Equal(t, "assistant", state.Tail[len(state.Tail)-1].Role)
}

func TestStore_Fork(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	aide, err := s.Create(ctx, "owner-1", testBlueprint())
	require.NoError(t, err)

	state, err := s.LoadForTurn(ctx, aide.ID)
	require.NoError(t, err)
	snap, applied := applyEvents(t, state.Snapshot,
		createEvent("list", kernel.RootID, nil))
	require.NoError(t, s.PersistTurn(ctx, aide.ID, applied, snap, "go",
		prompt.Turn{Role: "assistant", Text: "ok", OpsApplied: 1}))

	forked, err := s.Fork(ctx, aide.ID, "owner-1")
	require.NoError(t, err)
	assert.NotEqual(t, aide.ID, forked.ID)
	assert.Equal(t, "kitchen aide", forked.Blueprint.Identity)

	res, err := s.Hydrate(ctx, forked.ID, "owner-1")
	require.NoError(t, err)
	_, ok := res.Snapshot.LiveEntity("list")
	assert.True(t, ok, "fork carries the materialized snapshot")
	assert.Empty(t, res.Events, "fork starts with an empty event log")
	assert.Empty(t, res.Messages, "fork starts with an empty conversation")
}

func TestStore_Publish(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a1, err := s.Create(ctx, "owner-1", testBlueprint())
	require.NoError(t, err)
	a2, err := s.Create(ctx, "owner-1", testBlueprint())
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, a1.ID, "owner-1", "kitchen", []byte("<h1>v1</h1>"), ""))

	body, ct, err := s.Published(ctx, "kitchen")
	require.NoError(t, err)
	assert.Equal(t, "<h1>v1</h1>", string(body))
	assert.Equal(t, "text/html", ct)

	// Republish overwrites.
	require.NoError(t, s.Publish(ctx, a1.ID, "owner-1", "kitchen", []byte("<h1>v2</h1>"), "text/html"))
	body, _, err = s.Published(ctx, "kitchen")
	require.NoError(t, err)
	assert.Equal(t, "<h1>v2</h1>", string(body))

	// Another aide cannot steal the slug.
	err = s.Publish(ctx, a2.ID, "owner-1", "kitchen", []byte("hijack"), "")
	assert.ErrorIs(t, err, ErrSlugTaken)

	_, _, err = s.Published(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_InsertTelemetry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	records := []telemetry.Record{
		{
			TS: time.Now().UTC(), AideID: "a1", UserID: "u1",
			EventType: telemetry.EventLLMCall, Tier: "L2", Model: "claude-haiku-4-5",
			PromptVer: "aide-v3", TTFCMs: 120, TTCMs: 900,
			InputTokens: 1200, OutputTokens: 80, CacheReadTokens: 1000,
			LinesEmitted: 4, LinesAccepted: 3, LinesRejected: 1,
			CostUSD: 0.0021, MessageID: "m1",
		},
		{
			TS: time.Now().UTC(), AideID: "a1",
			EventType: telemetry.EventEscalation, Tier: "L2",
			Escalated: true, EscalationReason: "structural",
		},
	}
	require.NoError(t, s.InsertTelemetry(ctx, records))
	require.NoError(t, s.InsertTelemetry(ctx, nil))

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM telemetry_events WHERE aide_id = 'a1'`).Scan(&n))
	assert.Equal(t, 2, n)

	var reason string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT escalation_reason FROM telemetry_events
		 WHERE event_type = $1`, telemetry.EventEscalation).Scan(&reason))
	assert.Equal(t, "structural", reason)
}
