package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/airlift/spaces/internal/domain"
)

type stateEnvelope struct {
	Type string       `json:"type"`
	Room *domain.Room `json:"room"`
}

func (ctl *Controller) writePump(ctx context.Context, c *WsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				// Send channel closed: everything queued has been written,
				// the socket can go.
				_ = c.conn.Close()
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, connID, channel, identity string, c *WsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", connID).Msg("readPump closing")
		c.Close()
		// The read loop ending is the disconnect signal, graceful or not.
		ctl.Tracker.Disconnect(context.WithoutCancel(ctx), connID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("conn", connID).Msg("readPump read error")
				return
			}
			ctl.handleFrame(ctx, connID, channel, identity, c, data)
		}
	}
}

func (ctl *Controller) handleFrame(ctx context.Context, connID, channel, identity string, c *WsConn, data []byte) {
	var env struct {
		Type  string `json:"type"`
		Muted bool   `json:"muted"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "heartbeat":
		ctl.Tracker.Heartbeat(connID)
		ctl.sendJSON(c, map[string]any{"type": "heartbeat_ack"})
	case "raise_hand":
		if _, err := ctl.Svc.RaiseHand(ctx, channel, identity); err != nil {
			ctl.sendError(c, err)
		}
	case "lower_hand":
		if _, err := ctl.Svc.LowerHand(ctx, channel, identity); err != nil {
			ctl.sendError(c, err)
		}
	case "mute":
		if _, err := ctl.Svc.SetMute(ctx, channel, identity, env.Muted); err != nil {
			ctl.sendError(c, err)
		}
	case "leave":
		if _, err := ctl.Svc.Leave(ctx, channel, identity); err != nil {
			ctl.sendError(c, err)
			return
		}
		ctl.sendJSON(c, map[string]any{"type": "left"})
		// Drain-then-close so the ack actually reaches the client.
		c.shutdown()
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown frame")
	}
}

func (ctl *Controller) sendJSON(c *WsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendError(c *WsConn, err error) {
	ctl.sendJSON(c, map[string]any{"type": "error", "error": err.Error()})
}
