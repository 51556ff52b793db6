// Package relay keeps the set of live WebSocket connections whose text frames
// are persisted as chat messages.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second

	forceCloseWait = 2 * time.Second

	shutdownReason = "Server shutdown"
)

// ErrShuttingDown is returned by Serve once Shutdown has started.
var ErrShuttingDown = errors.New("relay: shutting down")

// Appender persists one message. store.Store satisfies it.
type Appender interface {
	Append(ctx context.Context, sender, content string) (chat.Message, error)
}

// State is the lifecycle stage of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one accepted WebSocket client.
type Connection struct {
	ID   string
	Peer string

	conn  *websocket.Conn
	state atomic.Int32
}

func newConnection(conn *websocket.Conn, peer string) *Connection {
	return &Connection{ID: uuid.NewString(), Peer: peer, conn: conn}
}

// State reports the current lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connection) sendClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (c *Connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("component", "relay").Str("conn_id", c.ID).Msg("ping failed")
				return
			}
		}
	}
}

// Registry owns the live connection set.
type Registry struct {
	store Appender

	mu      sync.Mutex
	live    map[*Connection]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewRegistry returns an empty registry persisting frames into store.
func NewRegistry(store Appender) *Registry {
	return &Registry{
		store: store,
		live:  make(map[*Connection]struct{}),
	}
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Accepting reports whether new connections are still admitted.
func (r *Registry) Accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closing
}

func (r *Registry) add(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return false
	}
	r.live[c] = struct{}{}
	r.wg.Add(1)
	return true
}

// Remove drops c from the live set and closes its socket. Calling it for a
// connection that is already gone is a no-op.
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	_, ok := r.live[c]
	delete(r.live, c)
	r.mu.Unlock()

	if !ok {
		return
	}

	c.setState(StateClosed)
	_ = c.conn.Close()
	r.wg.Done()
	log.Info().Str("component", "relay").Str("conn_id", c.ID).Str("peer", c.Peer).Msg("connection removed")
}

// Serve registers conn and reads from it until the peer goes away. Every
// text frame is stored as a message from peer; storage failures are logged
// and the connection stays open. Binary frames are ignored.
func (r *Registry) Serve(ctx context.Context, conn *websocket.Conn, peer string) error {
	c := newConnection(conn, peer)
	if !r.add(c) {
		_ = c.sendClose(websocket.CloseGoingAway, shutdownReason)
		_ = conn.Close()
		return ErrShuttingDown
	}
	defer r.Remove(c)

	c.setState(StateOpen)
	log.Info().Str("component", "relay").Str("conn_id", c.ID).Str("peer", peer).Msg("connection opened")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(pingCtx)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("component", "relay").Str("conn_id", c.ID).Msg("connection dropped")
			}
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind != websocket.TextMessage {
			continue
		}

		msg, err := r.store.Append(ctx, peer, string(data))
		if err != nil {
			log.Error().Err(err).Str("component", "relay").Str("conn_id", c.ID).Str("peer", peer).Msg("failed to store frame")
			continue
		}
		log.Debug().Str("component", "relay").Str("conn_id", c.ID).Int64("message_id", msg.ID).Msg("frame stored")
	}
}

// Shutdown stops admitting connections, asks every live peer to close and
// waits for their read loops to finish. Connections still open when ctx
// expires are closed forcibly and ctx's error is returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	conns := r.snapshot()

	log.Info().Str("component", "relay").Int("connections", len(conns)).Msg("closing websocket connections")

	for _, c := range conns {
		c.setState(StateClosing)
		if err := c.sendClose(websocket.CloseGoingAway, shutdownReason); err != nil {
			log.Debug().Err(err).Str("component", "relay").Str("conn_id", c.ID).Msg("close frame not delivered")
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for c := range r.live {
			_ = c.conn.Close()
		}
		r.mu.Unlock()

		// Closed sockets fail the pending reads; wait for those loops so no
		// Append runs after Shutdown returns.
		select {
		case <-done:
		case <-time.After(forceCloseWait):
			log.Warn().Str("component", "relay").Int("connections", r.Len()).Msg("read loops still running after forced close")
		}
		return ctx.Err()
	}
}

func (r *Registry) snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Connection, 0, len(r.live))
	for c := range r.live {
		conns = append(conns, c)
	}
	return conns
}
