// Package e2e boots a complete AIde instance — real Postgres, real streaming
// infrastructure, scripted LLM — for end-to-end turn tests.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/aide-hq/aide/pkg/api"
	"github.com/aide-hq/aide/pkg/config"
	"github.com/aide-hq/aide/pkg/database"
	"github.com/aide-hq/aide/pkg/events"
	"github.com/aide-hq/aide/pkg/llm"
	"github.com/aide-hq/aide/pkg/orchestrator"
	"github.com/aide-hq/aide/pkg/prompt"
	"github.com/aide-hq/aide/pkg/store"
	"github.com/aide-hq/aide/pkg/telemetry"
	testdb "github.com/aide-hq/aide/test/database"
)

// TestApp is a fully wired AIde instance listening on a random local port.
type TestApp struct {
	Config         *config.Config
	DBClient       *database.Client
	Store          *store.Store
	LLM            *llm.Mock
	Queue          *telemetry.Queue
	Publisher      *events.FramePublisher
	ConnManager    *events.ConnectionManager
	NotifyListener *events.NotifyListener
	Orchestrator   *orchestrator.Orchestrator
	Server         *api.Server

	BaseURL string
	t       *testing.T
}

type testAppConfig struct {
	cfg    *config.Config
	script llm.ScriptFunc
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithScript sets the scripted LLM response.
func WithScript(script llm.ScriptFunc) TestAppOption {
	return func(c *testAppConfig) { c.script = script }
}

// NewTestApp boots the full stack and tears it down with the test.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = config.DefaultConfig()
		tc.cfg.Turn.LockTimeout = 2 * time.Second
	}

	ctx := context.Background()
	dbClient := testdb.NewTestClient(t)
	st := store.New(dbClient)

	queue := telemetry.NewQueue(tc.cfg.Telemetry.QueueSize)
	mock := llm.NewMock(tc.script, llm.ProfileInstant)

	orch, err := orchestrator.New(tc.cfg, st, mock, queue, nil)
	require.NoError(t, err)

	publisher := events.NewFramePublisher(dbClient.DB())
	connManager := events.NewConnectionManager(events.ManagerConfig{
		Catchup:  events.NewCatchupStore(dbClient.DB()),
		Turns:    orch,
		Sinks:    publisher,
		Profiles: mock,
	})

	notifyListener := events.NewNotifyListener(dbClient.DSN(), connManager)
	require.NoError(t, notifyListener.Start(ctx))
	t.Cleanup(func() { notifyListener.Stop(context.Background()) })
	connManager.SetListener(notifyListener)

	server := api.NewServer(tc.cfg, dbClient, st, connManager)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.StartWithListener(ln) }()
	t.Cleanup(func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutCtx)
	})

	return &TestApp{
		Config:         tc.cfg,
		DBClient:       dbClient,
		Store:          st,
		LLM:            mock,
		Queue:          queue,
		Publisher:      publisher,
		ConnManager:    connManager,
		NotifyListener: notifyListener,
		Orchestrator:   orch,
		Server:         server,
		BaseURL:        fmt.Sprintf("http://%s", ln.Addr().String()),
		t:              t,
	}
}

// CreateAide creates an aide over HTTP as the given user.
func (a *TestApp) CreateAide(user string, bp prompt.Blueprint) store.Aide {
	a.t.Helper()
	var aide store.Aide
	a.DoJSON(http.MethodPost, "/api/v1/aides", user,
		map[string]any{"blueprint": bp}, http.StatusCreated, &aide)
	return aide
}

// Hydrate fetches the full client boot payload for an aide.
func (a *TestApp) Hydrate(user, aideID string) store.HydrateResult {
	a.t.Helper()
	var res store.HydrateResult
	a.DoJSON(http.MethodGet, "/api/v1/aides/"+aideID+"/hydrate", user,
		nil, http.StatusOK, &res)
	return res
}

// DoJSON performs one authenticated JSON request and decodes the response.
func (a *TestApp) DoJSON(method, path, user string, body any, wantStatus int, out any) {
	a.t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.BaseURL+path, rd)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Forwarded-User", user)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	require.Equal(a.t, wantStatus, resp.StatusCode, "body: %s", raw)
	if out != nil {
		require.NoError(a.t, json.Unmarshal(raw, out))
	}
}

// ConnectWS opens the aide's WebSocket as the given user and consumes the
// connection.established frame.
func (a *TestApp) ConnectWS(aideID, user string) *websocket.Conn {
	a.t.Helper()

	url := "ws" + a.BaseURL[len("http"):] + "/ws/aides/" + aideID
	header := http.Header{}
	if user != "" {
		header.Set("X-Forwarded-User", user)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(a.t, err)
	a.t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })

	established := a.ReadFrame(conn)
	require.Equal(a.t, "connection.established", established["type"])
	return conn
}

// SendWS writes one client message.
func (a *TestApp) SendWS(conn *websocket.Conn, msg map[string]any) {
	a.t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(a.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(a.t, conn.Write(ctx, websocket.MessageText, b))
}

// ReadFrame reads one server frame.
func (a *TestApp) ReadFrame(conn *websocket.Conn) map[string]any {
	a.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	require.NoError(a.t, err)
	var frame map[string]any
	require.NoError(a.t, json.Unmarshal(b, &frame))
	return frame
}

// CollectUntil reads frames until one of the given type arrives, returning
// everything read including the terminator.
func (a *TestApp) CollectUntil(conn *websocket.Conn, frameType string) []map[string]any {
	a.t.Helper()
	var frames []map[string]any
	for {
		f := a.ReadFrame(conn)
		frames = append(frames, f)
		if f["type"] == frameType {
			return frames
		}
	}
}
