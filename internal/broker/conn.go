package broker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tgoebel/beacon/internal/event"
)

// ConnState tracks the connection lifecycle.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

// maxMessageSize bounds inbound frames; subscribe requests are tiny.
const maxMessageSize = 4 * 1024

// Conn is one live subscriber connection. Outbound events go through a
// buffered send channel drained by the write pump, so a stalled client can
// never block a publisher.
type Conn struct {
	ID        string
	UserID    string
	SessionID string

	hub *Hub
	ws  *websocket.Conn
	log *slog.Logger

	send      chan []byte
	closeOnce sync.Once

	mu           sync.Mutex
	state        ConnState
	lastPong     time.Time
	lastActivity time.Time
	subs         []subKey
}

func newConn(hub *Hub, ws *websocket.Conn, userID, sessionID string) *Conn {
	now := time.Now()
	c := &Conn{
		ID:           uuid.New().String(),
		UserID:       userID,
		SessionID:    sessionID,
		hub:          hub,
		ws:           ws,
		send:         make(chan []byte, hub.opts.SendBuffer),
		state:        StateConnecting,
		lastPong:     now,
		lastActivity: now,
	}
	c.log = hub.log.With("client_id", c.ID)
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) touchPong() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// touchActivity marks client-initiated traffic. Outbound events do not
// count; only inbound frames keep a connection from idling out.
func (c *Conn) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) sincePong() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastPong)
}

func (c *Conn) sinceActivity() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

func (c *Conn) addSub(k subKey) {
	c.mu.Lock()
	c.subs = append(c.subs, k)
	c.mu.Unlock()
}

func (c *Conn) subscriptions() []subKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]subKey, len(c.subs))
	copy(out, c.subs)
	return out
}

// enqueue hands an encoded event to the write pump without blocking.
// Returns false when the buffer is full or the connection is closing; the
// caller schedules cleanup, delivery to other subscribers is unaffected.
func (c *Conn) enqueue(data []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close closes the connection with a code and reason, exactly once.
// Invariant: a going-away close must carry a meaningful reason; an empty one
// is corrected to SERVER_CLOSE rather than written as-is.
func (c *Conn) Close(code int, reason event.CloseReason) {
	c.closeOnce.Do(func() {
		if code == websocket.CloseGoingAway || reason == "" {
			reason = reason.OrDefault()
		}
		c.setState(StateClosing)

		deadline := time.Now().Add(c.hub.opts.WriteTimeout)
		msg := websocket.FormatCloseMessage(code, string(reason))
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.log.Debug("close frame write failed", "error", err)
		}
		_ = c.ws.Close()

		c.hub.unregister(c)
		c.setState(StateClosed)
		c.log.Info("connection closed", "code", code, "reason", string(reason))
	})
}

// readPump consumes inbound frames until the connection dies. Subscribe
// requests are the only meaningful client message; anything else is a
// protocol violation surfaced to this connection alone.
func (c *Conn) readPump() {
	defer c.Close(websocket.CloseNormalClosure, event.ReasonServerClose)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.touchPong()
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", "error", err)
			}
			return
		}
		c.touchPong()
		c.touchActivity()

		req, err := event.ParseSubscribe(raw)
		if err != nil {
			c.log.Warn("protocol violation", "error", err)
			c.Close(websocket.ClosePolicyViolation, event.ReasonProtocolViolation)
			return
		}

		if err := c.hub.Subscribe(c, req); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				// Refuse the subscribe only; the connection stays open.
				data, _ := event.Marshal(event.NewErrorEvent("unauthorized", "not authorized for this key"))
				c.enqueue(data)
				continue
			}
			c.log.Warn("subscribe failed", "channel", req.Channel, "key", req.Key(), "error", err)
		}
	}
}

// writePump drains the send channel and emits heartbeat pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.Close(websocket.CloseNormalClosure, event.ReasonServerClose)
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.hub.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
