// Package signal is the WebSocket adapter: one connection per participant
// per room, carrying heartbeats and hand-raise intents up and room snapshots
// down.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/airlift/spaces/internal/space"
	"github.com/airlift/spaces/internal/tracker"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Svc     *space.Service
	Tracker *tracker.Tracker
}

func NewController(svc *space.Service, tr *tracker.Tracker) *Controller {
	return &Controller{Svc: svc, Tracker: tr}
}

// WsConn wraps a websocket with a buffered outbound channel. TrySend never
// blocks; a full buffer drops the frame and reports backpressure.
type WsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// shutdown stops accepting frames and closes the send channel; the write pump
// drains whatever is queued, then closes the socket. Close is the immediate
// variant used on errors and evictions.
func (c *WsConn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS attaches a joined participant's connection to their room. The
// client must have joined over REST first so its session binding exists.
func (c *Controller) HandleWS(ctx context.Context, g *gin.Context) {
	channel := g.Param("channel")
	identity := g.GetString("identity")

	room, err := c.Svc.Snapshot(g.Request.Context(), channel)
	if err != nil || !room.IsLive {
		g.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "room not live"})
		return
	}
	sid, ok := room.SessionFor(identity)
	if !ok {
		g.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": "join the room first"})
		return
	}

	ws, err := upgrader.Upgrade(g.Writer, g.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	connID := uuid.NewString()
	c.Tracker.Register(connID, identity, channel, sid, conn)
	log.Info().Str("module", "signal").Str("conn", connID).Str("channel", channel).Int64("sid", sid).Msg("ws attached")

	connCtx, cancel := context.WithCancel(ctx)
	go c.writePump(connCtx, conn)
	go func() {
		defer cancel()
		c.readPump(connCtx, connID, channel, identity, conn)
	}()

	// Current state straight away so the client doesn't wait for the next
	// transition.
	c.sendJSON(conn, stateEnvelope{Type: "room_state", Room: room})
}
