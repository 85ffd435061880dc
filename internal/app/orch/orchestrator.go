package orch

import (
	"context"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Features struct {
	RoomWatches bool
}

// Orchestrator runs the per-packet server operations.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    *core.RoomManager
	Policy   app.Policy
	Version  string
	Features Features
}

// Connect registers conn and greets it with its id.
func (o *Orchestrator) Connect(conn core.SignalConnection, cancel context.CancelFunc) domain.ClientID {
	id := o.Registry.Bind(conn, cancel)
	b, err := protocol.EncodeClientbound(protocol.Init{YourID: id, Version: o.Version})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode init")
		return id
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "orch").Stringer("client_id", id).Msg("init not delivered")
	}
	return id
}

// Handle applies one decoded packet from id.
func (o *Orchestrator) Handle(id domain.ClientID, conn core.SignalConnection, p protocol.ServerboundPacket) {
	switch p := p.(type) {
	case protocol.Ping:
	case protocol.Join:
		o.apply(o.Rooms.Join(id, conn, p.Hash))
	case protocol.Relay:
		o.apply(o.Rooms.Relay(id, p.Recipient, p.Message))
	case protocol.WatchRooms:
		if !o.Features.RoomWatches {
			log.Debug().Str("module", "orch").Stringer("client_id", id).Msg("room watches disabled, ignoring")
			return
		}
		o.apply(o.Rooms.Watch(id, conn, p))
	}
}

// Disconnect removes id from its room and watch lists. It is safe to call
// for ids that never joined.
func (o *Orchestrator) Disconnect(id domain.ClientID) {
	o.apply(o.Rooms.Disconnect(id))
	d := o.Registry.Unbind(id)
	log.Info().Str("module", "orch").Stringer("client_id", id).Dur("connected_for", d).Msg("client disconnected")
}

func (o *Orchestrator) apply(res core.PublishResult) {
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(slow) {
		case app.KickClient:
			log.Warn().Str("module", "orch").Stringer("client_id", slow).Msg("send buffer full, kicking")
			o.Registry.Cancel(slow)
		case app.NoAction:
		}
	}
}
