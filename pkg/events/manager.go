package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/aide-hq/aide/pkg/llm"
	"github.com/aide-hq/aide/pkg/orchestrator"
)

// catchupLimit is the maximum number of frames returned in a catchup
// response. If more frames were missed, a catchup.overflow message tells the
// client to re-hydrate instead of paginating.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when subscribing
// to a new PG channel. Without this, a stalled connection would block the
// subscribing goroutine (and thus the client's read loop) indefinitely.
const listenTimeout = 10 * time.Second

// DefaultSendBuffer is the per-connection outbound frame buffer. A client
// that falls this many frames behind is disconnected rather than allowed to
// stall the turn.
const DefaultSendBuffer = 256

// TurnRunner executes turns and direct edits against an aide. Implemented by
// orchestrator.Orchestrator.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, req orchestrator.TurnRequest, sink orchestrator.Sink) error
	DirectEdit(ctx context.Context, req orchestrator.DirectEditRequest, sink orchestrator.Sink) error
	Interrupt(aideID string) bool
}

// SinkFactory builds the per-aide frame sink a turn writes to. Implemented
// by FramePublisher, so frames fan out through NOTIFY to every pod.
type SinkFactory interface {
	Sink(aideID string) orchestrator.Sink
}

// ProfileSetter switches the synthetic latency profile on the mock LLM
// provider. Nil in production deployments, where set_profile is rejected.
type ProfileSetter interface {
	SetProfile(p llm.Profile) bool
}

// TurnLimiter gates turn starts per user. Implemented by ratelimit.Limiter.
type TurnLimiter interface {
	Allow(userID string) bool
}

// ManagerConfig carries the collaborators and tuning for a ConnectionManager.
// Profiles and Limiter are optional.
type ManagerConfig struct {
	Catchup      CatchupQuerier
	Turns        TurnRunner
	Sinks        SinkFactory
	Profiles     ProfileSetter
	Limiter      TurnLimiter
	WriteTimeout time.Duration
	SendBuffer   int
}

// ConnectionManager manages WebSocket connections and their aide channel
// subscriptions. Each Go process (pod) has one ConnectionManager instance.
type ConnectionManager struct {
	cfg ManagerConfig

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction)
	listener   *NotifyListener
	listenerMu sync.RWMutex
}

// Connection represents a single WebSocket client bound to one aide.
//
// Outbound frames go through sendCh and a dedicated write pump so a slow
// client never blocks Broadcast or a turn. When sendCh overflows, the
// connection is closed; the client reconnects and catches up from ws_events.
type Connection struct {
	ID     string
	AideID string
	UserID string

	conn      *websocket.Conn
	sendCh    chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(cfg ManagerConfig) *ConnectionManager {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &ConnectionManager{
		cfg:         cfg,
		connections: make(map[string]*Connection),
		channels:    make(map[string]map[string]bool),
	}
}

// SetListener sets the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup after both ConnectionManager and NotifyListener
// are created.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection manages the lifecycle of a single WebSocket connection to
// one aide. Called by the WebSocket HTTP handler after upgrade and
// authorization. Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, aideID, userID string) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:     connID,
		AideID: aideID,
		UserID: userID,
		conn:   conn,
		sendCh: make(chan []byte, m.cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	go m.writePump(c)

	// Every connection follows exactly its aide's channel. If LISTEN cannot
	// be established the connection is useless — tell the client and bail.
	if err := m.subscribe(c, AideChannel(aideID)); err != nil {
		m.sendJSON(c, map[string]string{
			"type":    "error",
			"message": "failed to follow aide events",
		})
		return
	}

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
		"aide_id":       aideID,
	})

	// Read loop — process client messages until connection closes
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast sends a frame payload to all connections subscribed to the given
// channel. Called by the NotifyListener receive loop.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		m.trySend(conn, payload)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

// handleClientMessage dispatches a client message to the appropriate handler.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case "message":
		if msg.Content == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "content is required"})
			return
		}
		if m.cfg.Limiter != nil && !m.cfg.Limiter.Allow(c.UserID) {
			m.sendJSON(c, map[string]string{
				"type":    "error",
				"code":    "rate_limited",
				"message": "free tier turn limit reached",
			})
			return
		}
		req := orchestrator.TurnRequest{
			AideID:    c.AideID,
			UserID:    c.UserID,
			MessageID: msg.MessageID,
			Message:   msg.Content,
		}
		// The turn runs detached from the connection: frames reach the
		// client through ws_events + NOTIFY, so a disconnect mid-turn
		// loses nothing.
		turnCtx := context.WithoutCancel(ctx)
		go func() {
			err := m.cfg.Turns.ProcessTurn(turnCtx, req, m.cfg.Sinks.Sink(c.AideID))
			if errors.Is(err, orchestrator.ErrBusy) {
				m.sendJSON(c, map[string]string{
					"type":    "error",
					"code":    "busy",
					"message": "a turn is already in progress for this aide",
				})
				return
			}
			if err != nil {
				slog.Error("Turn failed", "aide_id", c.AideID, "error", err)
			}
		}()

	case "direct_edit":
		if msg.EntityID == "" || msg.Field == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "entity_id and field are required"})
			return
		}
		req := orchestrator.DirectEditRequest{
			AideID:   c.AideID,
			UserID:   c.UserID,
			EntityID: msg.EntityID,
			Field:    msg.Field,
			Value:    msg.Value,
		}
		editCtx := context.WithoutCancel(ctx)
		go func() {
			if err := m.cfg.Turns.DirectEdit(editCtx, req, m.cfg.Sinks.Sink(c.AideID)); err != nil {
				slog.Error("Direct edit failed", "aide_id", c.AideID, "error", err)
			}
		}()

	case "interrupt":
		if !m.cfg.Turns.Interrupt(c.AideID) {
			slog.Debug("Interrupt with no active turn", "aide_id", c.AideID)
		}

	case "set_profile":
		if m.cfg.Profiles == nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": "profiles unavailable with a live provider"})
			return
		}
		if !m.cfg.Profiles.SetProfile(msg.Profile) {
			m.sendJSON(c, map[string]string{
				"type":    "error",
				"message": fmt.Sprintf("unknown profile %q", msg.Profile),
			})
			return
		}
		m.sendJSON(c, map[string]string{"type": "profile.set", "profile": string(msg.Profile)})

	case "catchup":
		if msg.LastEventID != nil {
			m.handleCatchup(ctx, c, *msg.LastEventID)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers a connection for a channel and starts LISTEN if first
// subscriber. LISTEN is synchronous so it completes before subscribe returns,
// guaranteeing that a catchup issued right after runs with LISTEN already
// active — frames published between catchup and LISTEN cannot be lost.
//
// Returns an error if LISTEN fails so the caller can inform the client
// instead of silently following nothing.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	return nil
}

// cleanupFailedChannel removes ALL subscribers from a channel after a LISTEN
// failure and notifies every affected connection (except the triggering one,
// which is notified by the caller via the returned error).
//
// Between unlocking channelMu (after creating the channel entry) and
// l.Subscribe completing, other connections to the same aide may have
// subscribed. Because they saw the channel already existed they skipped
// LISTEN and proceeded. Those connections are now orphaned — following a
// channel whose PG LISTEN was never established. This helper cleans them up.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":    "error",
			"message": "channel listen failed; please reconnect",
		})
		m.closeConnection(conn, websocket.StatusInternalError, "listen failed")
	}
}

// unsubscribe removes a connection from a channel and stops LISTEN if last
// subscriber.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			// Last subscriber left — stop LISTEN.
			// The goroutine re-checks m.channels before issuing UNLISTEN to
			// prevent a race where a rapid disconnect/reconnect cycle would
			// drop the LISTEN:
			//   connect → LISTEN active
			//   disconnect → goroutine: UNLISTEN (deferred)
			//   reconnect → channel re-added to m.channels
			//   goroutine → sees resubscribed → skips UNLISTEN
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()
}

// handleCatchup sends frames missed since lastEventID to the client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, lastEventID int64) {
	if m.cfg.Catchup == nil {
		return
	}

	// Query one past the limit to detect overflow.
	events, err := m.cfg.Catchup.GetCatchupEvents(ctx, c.AideID, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "aide_id", c.AideID, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	// Send missed frames in order, injecting db_event_id for position
	// tracking. The stored frame doesn't contain db_event_id (it's only
	// added to the NOTIFY payload at publish time), so add it here from
	// the row ID.
	for _, evt := range events {
		evt.Frame["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Frame)
		if err != nil {
			continue
		}
		m.trySend(c, payload)
	}

	// More frames were missed than the catchup limit — tell the client to
	// re-hydrate instead of paginating catchup requests.
	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"has_more": true,
		})
	}
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and its channel subscription.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	m.unsubscribe(c, AideChannel(c.AideID))

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	m.closeConnection(c, websocket.StatusNormalClosure, "")
}

// closeConnection tears a connection down exactly once.
func (m *ConnectionManager) closeConnection(c *Connection, code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(code, reason)
	})
}

// writePump drains the connection's send buffer onto the socket. Sole writer
// for the connection; exits when the connection context is cancelled.
func (m *ConnectionManager) writePump(c *Connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendCh:
			writeCtx, cancel := context.WithTimeout(c.ctx, m.cfg.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("Failed to write to WebSocket client",
					"connection_id", c.ID, "error", err)
				m.closeConnection(c, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// trySend enqueues data for the connection without blocking. On overflow the
// connection is closed — the turn must never wait on a slow client; state is
// recovered via catchup after reconnect.
func (m *ConnectionManager) trySend(c *Connection, data []byte) {
	select {
	case c.sendCh <- data:
	default:
		slog.Warn("WebSocket send buffer overflow; dropping connection",
			"connection_id", c.ID, "aide_id", c.AideID)
		m.closeConnection(c, websocket.StatusPolicyViolation, "client too slow")
	}
}

// sendJSON marshals and enqueues a JSON message for a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	m.trySend(c, data)
}
