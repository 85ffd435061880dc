package signal

import (
	"context"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writeWait() time.Duration {
	if ctl.settings.WriteWait > 0 {
		return ctl.settings.WriteWait
	}
	return 5 * time.Second
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.settings.PingPeriod > 0 {
		ticker := time.NewTicker(ctl.settings.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case _, ok := <-c.wake:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			for _, data := range c.pending() {
				if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.writeWait())); err != nil {
					log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
					return
				}
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.writeWait())); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

// readPump owns the client's lifetime: whatever ends it, the client is
// removed from its room and watch lists before the connection is closed.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ClientID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Stringer("client_id", id).Msg("readPump closing")
		ctl.Orch.Disconnect(id)
		cancel()
		c.Close()
		if ctl.joins != nil {
			ctl.joins.Forget(id)
		}
	}()

	if ctl.settings.PingPeriod > 0 {
		deadline := func() { _ = c.conn.SetReadDeadline(time.Now().Add(2 * ctl.settings.PingPeriod)) }
		deadline()
		c.conn.SetPongHandler(func(string) error { deadline(); return nil })
	}

	// The read blocks, so ctx is observed by closing the socket.
	go func() {
		<-ctx.Done()
		_ = c.conn.SetReadDeadline(time.Now())
	}()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Stringer("client_id", id).Msg("readPump read error")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if ctl.settings.PingPeriod > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * ctl.settings.PingPeriod))
		}
		p, err := protocol.DecodeServerbound(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Stringer("client_id", id).Msg("client sent invalid packet")
			return
		}
		if j, ok := p.(protocol.Join); ok && j.Hash != nil && ctl.joins != nil && !ctl.joins.Allow(id) {
			log.Warn().Str("module", "signal").Stringer("client_id", id).Str("room", string(*j.Hash)).
				Msg("join rate exceeded, closing")
			return
		}
		ctl.Orch.Handle(id, c, p)
	}
}
