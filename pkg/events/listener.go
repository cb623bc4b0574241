package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// Broadcaster receives NOTIFY payloads for fan-out to local WebSocket
// subscribers. ConnectionManager implements it.
type Broadcaster interface {
	Broadcast(channel string, payload []byte)
}

// connCmd is a LISTEN or UNLISTEN statement routed through the receive
// loop. A pgx connection is single-threaded, so every statement on the
// dedicated connection runs on the loop goroutine between notification
// waits.
type connCmd struct {
	sql  string
	done chan error
}

// NotifyListener owns this pod's one dedicated Postgres connection for
// LISTEN. It subscribes per-aide channels as local connections come and go
// and hands each notification payload to the Broadcaster.
type NotifyListener struct {
	connString string
	conn       *pgx.Conn
	connMu     sync.Mutex
	manager    Broadcaster

	// channels holds the aide channels currently LISTENed, so a reconnect
	// can re-subscribe all of them.
	channels map[string]bool
	chanMu   sync.RWMutex

	cmds    chan connCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func NewNotifyListener(connString string, manager Broadcaster) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		manager:    manager,
		channels:   make(map[string]bool),
		cmds:       make(chan connCmd, 16),
	}
}

// Start opens the dedicated connection and launches the receive loop.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("listen connection: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	// The loop gets its own cancel so Stop can take it down before
	// closing the connection underneath it.
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.recvLoop(loopCtx)
	}()

	slog.Info("notify listener started")
	return nil
}

// Subscribe issues LISTEN for an aide channel. Idempotent per channel.
func (l *NotifyListener) Subscribe(ctx context.Context, channel string) error {
	l.chanMu.Lock()
	active := l.channels[channel]
	l.chanMu.Unlock()
	if active {
		return nil
	}
	if !l.running.Load() {
		return fmt.Errorf("listen connection not established")
	}

	ident := pgx.Identifier{channel}.Sanitize()
	if err := l.exec(ctx, "LISTEN "+ident); err != nil {
		return fmt.Errorf("listen %s: %w", ident, err)
	}

	l.chanMu.Lock()
	l.channels[channel] = true
	l.chanMu.Unlock()
	slog.Debug("listening on notify channel", "channel", channel)
	return nil
}

// Unsubscribe issues UNLISTEN once the last local subscriber of a channel
// is gone. A no-op when the channel was never subscribed.
func (l *NotifyListener) Unsubscribe(ctx context.Context, channel string) error {
	l.chanMu.Lock()
	active := l.channels[channel]
	l.chanMu.Unlock()
	if !active || !l.running.Load() {
		return nil
	}

	ident := pgx.Identifier{channel}.Sanitize()
	if err := l.exec(ctx, "UNLISTEN "+ident); err != nil {
		return fmt.Errorf("unlisten %s: %w", ident, err)
	}

	l.chanMu.Lock()
	delete(l.channels, channel)
	l.chanMu.Unlock()
	return nil
}

// exec hands a statement to the receive loop and waits for its result.
func (l *NotifyListener) exec(ctx context.Context, sql string) error {
	cmd := connCmd{sql: sql, done: make(chan error, 1)}
	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recvLoop is the sole user of the pgx connection. It alternates between
// draining queued LISTEN/UNLISTEN statements and waiting for notifications;
// the wait is capped at 100ms so queued statements never starve.
func (l *NotifyListener) recvLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.drainCmds(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("notify receive failed", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.manager.Broadcast(notification.Channel, []byte(notification.Payload))
	}
}

func (l *NotifyListener) drainCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmds:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()
			if conn == nil {
				cmd.done <- fmt.Errorf("listen connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.done <- err
		default:
			return
		}
	}
}

// reconnect replaces a dead connection, retrying with capped exponential
// backoff, then re-issues LISTEN for every subscribed channel. Frames sent
// while this pod was disconnected are recovered by client catchup, not
// here.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	wait := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("listen reconnect failed", "error", err, "backoff", wait)
			wait = min(wait*2, 30*time.Second)
			continue
		}
		l.conn = conn

		l.chanMu.RLock()
		for ch := range l.channels {
			ident := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
				slog.Error("re-listen failed", "channel", ch, "error", err)
			}
		}
		l.chanMu.RUnlock()

		slog.Info("notify listener reconnected")
		return
	}
}

// Stop cancels the receive loop, waits for it, then closes the connection.
// The ordering matters: closing while WaitForNotification is in flight
// races inside pgx.
func (l *NotifyListener) Stop(ctx context.Context) {
	l.running.Store(false)
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
