package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-hq/aide/pkg/llm"
	"github.com/aide-hq/aide/pkg/orchestrator"
)

// mockCatchupQuerier implements CatchupQuerier for tests.
type mockCatchupQuerier struct {
	events []CatchupEvent
	err    error
}

func (m *mockCatchupQuerier) GetCatchupEvents(_ context.Context, _ string, _ int64, limit int) ([]CatchupEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	if limit > 0 && len(m.events) > limit {
		return m.events[:limit], nil
	}
	return m.events, nil
}

// mockRunner implements TurnRunner, recording invocations.
type mockRunner struct {
	mu          sync.Mutex
	turns       []orchestrator.TurnRequest
	edits       []orchestrator.DirectEditRequest
	interrupted []string
	turnErr     error
}

func (r *mockRunner) ProcessTurn(_ context.Context, req orchestrator.TurnRequest, _ orchestrator.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, req)
	return r.turnErr
}

func (r *mockRunner) DirectEdit(_ context.Context, req orchestrator.DirectEditRequest, _ orchestrator.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, req)
	return nil
}

func (r *mockRunner) Interrupt(aideID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupted = append(r.interrupted, aideID)
	return true
}

func (r *mockRunner) turnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// discardSinks implements SinkFactory with a no-op sink.
type discardSinks struct{}

func (discardSinks) Sink(string) orchestrator.Sink {
	return orchestrator.SinkFunc(func(context.Context, orchestrator.Frame) error { return nil })
}

// denyLimiter implements TurnLimiter, rejecting every turn.
type denyLimiter struct{}

func (denyLimiter) Allow(string) bool { return false }

func setupTestManager(t *testing.T, cfg ManagerConfig) (*ConnectionManager, *httptest.Server) {
	t.Helper()

	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	manager := NewConnectionManager(cfg)
	return manager, newWSServer(t, manager)
}

func newWSServer(t *testing.T, manager *ConnectionManager) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn,
			r.URL.Query().Get("aide"), r.URL.Query().Get("user"))
	}))

	t.Cleanup(func() { server.Close() })
	return server
}

func connectWS(t *testing.T, server *httptest.Server, aideID, userID string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws%s?aide=%s&user=%s", server.URL[len("http"):], aideID, userID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t, ManagerConfig{Turns: &mockRunner{}, Sinks: discardSinks{}})
	conn := connectWS(t, server, "aide-1", "user-1")

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.Equal(t, "aide-1", msg["aide_id"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestConnectionManager_Ping(t *testing.T) {
	_, server := setupTestManager(t, ManagerConfig{Turns: &mockRunner{}, Sinks: discardSinks{}})
	conn := connectWS(t, server, "aide-1", "user-1")
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Type: "ping"})
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestConnectionManager_MessageStartsTurn(t *testing.T) {
	runner := &mockRunner{}
	_, server := setupTestManager(t, ManagerConfig{Turns: runner, Sinks: discardSinks{}})
	conn := connectWS(t, server, "aide-1", "user-1")
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Type: "message", Content: "add a mug", MessageID: "m-7"})

	require.Eventually(t, func() bool { return runner.turnCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, orchestrator.TurnRequest{
		AideID: "aide-1", UserID: "user-1", MessageID: "m-7", Message: "add a mug",
	}, runner.turns[0])
}

func TestConnectionManager_MessageRequiresContent(t *testing.T) {
	runner := &mockRunner{}
	_, server := setupTestManager(t, ManagerConfig{Turns: runner, Sinks: discardSinks{}})
	conn := connectWS(t, server, "aide-1", "user-1")
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Type: "message"})

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, 0, runner.turnCount())
}

func TestConnectionManager_BusyTurn(t *testing.T) {
	runner := &mockRunner{turnErr: orchestrator.ErrBusy}
	_, server := setupTestManager(t, ManagerConfig{Turns: runner, Sinks: discardSinks{}})
	conn := connectWS(t, server, "aide-1", "user-1")
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Type: "message", Content: "hi"})

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "busy", msg["code"])
}

func TestConnectionManager_RateLimited(t *testing.T) {
	runner := &mockRunner{}
	_, server := setupTestManager(t, ManagerConfig{
		Turns: runner, Sinks: discardSinks{}, Limiter: denyLimiter{},
	})
	conn := connectWS(t, server, "aide-1", "user-1")
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Type: "message", Content: "hi"})

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "rate_limited", msg["code"])
	assert.Equal(t, 0, runner.turnCount())
}

func TestConnectionManager_DirectEdit(t *testing.T) {
	runner := &mockRunner{}
	_, server := setupTestManager(t, ManagerConfig{Turns: runner, Sinks: discardSinks{}})
	conn := connectWS(t, server, "aide-1", "user-1")
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{
		Type: "direct_edit", EntityID: "player-1", Field: "wins", Value: 3,
	})

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.edits) == 1
	}, 2*time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, "player-1", runner.edits[0].EntityID)
	assert.Equal(t, "wins", runner.edits[0].Field)
	assert.Equal(t, float64(3), runner.edits[0].Value)
}

func TestConnectionManager_Interrupt(t *testing.T) {
	runner := &mockRunner{}
	_, server := setupTestManager(t, ManagerConfig{Turns: runner, Sinks: discardSinks{}})
	conn := connectWS(t, server, "aide-1", "user-1")
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Type: "interrupt"})
	writeJSON(t, conn, ClientMessage{Type: "ping"})
	readJSON(t, conn) // pong — interrupt was handled before it

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"aide-1"}, runner.interrupted)
}

func TestConnectionManager_SetProfile(t *testing.T) {
	t.Run("switches the mock provider profile", func(t *testing.T) {
		mock := llm.NewMock(func(*llm.Request) string { return "" }, llm.ProfileInstant)
		_, server := setupTestManager(t, ManagerConfig{
			Turns: &mockRunner{}, Sinks: discardSinks{}, Profiles: mock,
		})
		conn := connectWS(t, server, "aide-1", "user-1")
		readJSON(t, conn)

		writeJSON(t, conn, ClientMessage{Type: "set_profile", Profile: llm.ProfileSlow})
		msg := readJSON(t, conn)
		assert.Equal(t, "profile.set", msg["type"])
		assert.Equal(t, "slow", msg["profile"])
		assert.Equal(t, llm.ProfileSlow, mock.Profile())
	})

	t.Run("rejects unknown profile", func(t *testing.T) {
		mock := llm.NewMock(func(*llm.Request) string { return "" }, llm.ProfileInstant)
		_, server := setupTestManager(t, ManagerConfig{
			Turns: &mockRunner{}, Sinks: discardSinks{}, Profiles: mock,
		})
		conn := connectWS(t, server, "aide-1", "user-1")
		readJSON(t, conn)

		writeJSON(t, conn, ClientMessage{Type: "set_profile", Profile: "warp_speed"})
		assert.Equal(t, "error", readJSON(t, conn)["type"])
		assert.Equal(t, llm.ProfileInstant, mock.Profile())
	})

	t.Run("rejected with a live provider", func(t *testing.T) {
		_, server := setupTestManager(t, ManagerConfig{Turns: &mockRunner{}, Sinks: discardSinks{}})
		conn := connectWS(t, server, "aide-1", "user-1")
		readJSON(t, conn)

		writeJSON(t, conn, ClientMessage{Type: "set_profile", Profile: llm.ProfileSlow})
		assert.Equal(t, "error", readJSON(t, conn)["type"])
	})
}

func TestConnectionManager_Catchup(t *testing.T) {
	catchup := &mockCatchupQuerier{events: []CatchupEvent{
		{ID: 10, Frame: map[string]any{"type": "entity.create", "id": "e1"}},
		{ID: 11, Frame: map[string]any{"type": "entity.update", "id": "e1"}},
	}}
	_, server := setupTestManager(t, ManagerConfig{
		Turns: &mockRunner{}, Sinks: discardSinks{}, Catchup: catchup,
	})
	conn := connectWS(t, server, "aide-1", "user-1")
	readJSON(t, conn)

	since := int64(9)
	writeJSON(t, conn, ClientMessage{Type: "catchup", LastEventID: &since})

	first := readJSON(t, conn)
	assert.Equal(t, "entity.create", first["type"])
	assert.Equal(t, float64(10), first["db_event_id"])

	second := readJSON(t, conn)
	assert.Equal(t, "entity.update", second["type"])
	assert.Equal(t, float64(11), second["db_event_id"])
}

func TestConnectionManager_CatchupOverflow(t *testing.T) {
	var stored []CatchupEvent
	for i := 0; i < catchupLimit+1; i++ {
		stored = append(stored, CatchupEvent{
			ID:    int64(i + 1),
			Frame: map[string]any{"type": "entity.update", "id": "e1"},
		})
	}
	_, server := setupTestManager(t, ManagerConfig{
		Turns: &mockRunner{}, Sinks: discardSinks{}, Catchup: &mockCatchupQuerier{events: stored},
	})
	conn := connectWS(t, server, "aide-1", "user-1")
	readJSON(t, conn)

	since := int64(0)
	writeJSON(t, conn, ClientMessage{Type: "catchup", LastEventID: &since})

	for i := 0; i < catchupLimit; i++ {
		assert.Equal(t, "entity.update", readJSON(t, conn)["type"])
	}
	overflow := readJSON(t, conn)
	assert.Equal(t, "catchup.overflow", overflow["type"])
	assert.Equal(t, true, overflow["has_more"])
}

func TestConnectionManager_Broadcast(t *testing.T) {
	manager, server := setupTestManager(t, ManagerConfig{Turns: &mockRunner{}, Sinks: discardSinks{}})

	conn1 := connectWS(t, server, "aide-1", "user-1")
	conn2 := connectWS(t, server, "aide-1", "user-2")
	other := connectWS(t, server, "aide-2", "user-3")
	readJSON(t, conn1)
	readJSON(t, conn2)
	readJSON(t, other)

	require.Eventually(t, func() bool {
		return manager.subscriberCount(AideChannel("aide-1")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	manager.Broadcast(AideChannel("aide-1"), []byte(`{"type":"voice","text":"hi"}`))

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readJSON(t, conn)
		assert.Equal(t, "voice", msg["type"])
		assert.Equal(t, "hi", msg["text"])
	}

	// The other aide's connection sees nothing; a ping round-trip proves
	// the voice frame never arrived.
	writeJSON(t, other, ClientMessage{Type: "ping"})
	assert.Equal(t, "pong", readJSON(t, other)["type"])
}

func TestConnectionManager_UnregisterCleansChannels(t *testing.T) {
	manager, server := setupTestManager(t, ManagerConfig{Turns: &mockRunner{}, Sinks: discardSinks{}})
	conn := connectWS(t, server, "aide-1", "user-1")
	readJSON(t, conn)

	require.Eventually(t, func() bool {
		return manager.subscriberCount(AideChannel("aide-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0 &&
			manager.subscriberCount(AideChannel("aide-1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTrySend_OverflowClosesConnection(t *testing.T) {
	manager := NewConnectionManager(ManagerConfig{Turns: &mockRunner{}, Sinks: discardSinks{}})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		<-r.Context().Done()
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(server.Close)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	wsConn, _, err := websocket.Dial(dialCtx, "ws"+server.URL[len("http"):], nil)
	require.NoError(t, err)

	// No write pump: the buffer never drains, so the second send overflows.
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID: "conn-1", AideID: "aide-1",
		conn: wsConn, sendCh: make(chan []byte, 1),
		ctx: ctx, cancel: cancel,
	}

	manager.trySend(c, []byte(`{"type":"voice","text":"first"}`))
	select {
	case <-c.ctx.Done():
		t.Fatal("connection closed before overflow")
	default:
	}

	manager.trySend(c, []byte(`{"type":"voice","text":"overflow"}`))
	select {
	case <-c.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("overflowed connection was not closed")
	}
}
