package session

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/peer"
	"github.com/dkeye/Meet/internal/protocol"
)

func (i *Instance) dispatch(ctx context.Context, p protocol.ClientboundPacket) {
	switch p := p.(type) {
	case protocol.Init:
		i.id.Store(uint64(p.YourID))
		i.log.Info().Stringer("client_id", p.YourID).Str("server_version", p.Version).Msg("connected to server")
	case protocol.ClientJoin:
		i.onJoin(ctx, p.ID)
	case protocol.ClientLeave:
		i.onLeave(p.ID)
	case protocol.Message:
		i.onMessage(p)
	case protocol.RoomInfo:
		i.handler.RoomInfo(domain.RoomInfo(p))
	}
}

func (i *Instance) onJoin(ctx context.Context, id domain.ClientID) {
	me := i.ID()
	if id == me {
		return
	}
	i.mu.RLock()
	_, exists := i.peers[id]
	i.mu.RUnlock()
	if exists {
		i.log.Warn().Stringer("peer_id", id).Msg("duplicate join, ignoring")
		return
	}

	conn, err := i.media(id)
	if err != nil {
		i.log.Error().Err(err).Stringer("peer_id", id).Msg("create peer transport")
		return
	}
	p := peer.New(id, conn, i, peer.Options{Local: me, NegotiationTimeout: i.opts.NegotiationTimeout})

	i.mu.Lock()
	i.peers[id] = p
	resources := make([]domain.ProvideInfo, 0, len(i.local))
	for _, r := range i.local {
		resources = append(resources, r.Info())
	}
	i.mu.Unlock()

	go p.Run(ctx)
	i.log.Info().Stringer("peer_id", id).Msg("peer joined")

	if err := p.SendRelay(protocol.Identify{Username: i.username}); err != nil {
		i.log.Warn().Err(err).Stringer("peer_id", id).Msg("identify failed")
	}
	for _, info := range resources {
		if err := p.SendRelay(protocol.Provide(info)); err != nil {
			i.log.Warn().Err(err).Stringer("peer_id", id).Msg("provide failed")
		}
	}
	i.handler.PeerJoined(p)
}

func (i *Instance) onLeave(id domain.ClientID) {
	if id == i.ID() {
		return
	}
	i.mu.Lock()
	p, ok := i.peers[id]
	delete(i.peers, id)
	i.mu.Unlock()
	if !ok {
		return
	}
	i.log.Info().Stringer("peer_id", id).Msg("peer left")
	p.Close()
	i.handler.PeerLeft(p)
}

func (i *Instance) onMessage(m protocol.Message) {
	plain, err := i.key.Decrypt(m.Message)
	if err != nil {
		i.log.Warn().Err(err).Stringer("sender", m.Sender).Msg("dropping undecryptable message")
		return
	}
	var w protocol.RelayMessageWrapper
	if err := json.Unmarshal(plain, &w); err != nil {
		i.log.Warn().Err(err).Stringer("sender", m.Sender).Msg("dropping malformed relay message")
		return
	}
	if w.Sender != m.Sender {
		i.log.Warn().Stringer("sender", m.Sender).Stringer("claimed", w.Sender).Msg("relay sender mismatch, dropping")
		return
	}
	p, ok := i.Peer(m.Sender)
	if !ok {
		i.log.Warn().Stringer("sender", m.Sender).Msg("relay from unknown peer, dropping")
		return
	}
	p.Deliver(w.Inner)
	i.handler.RelayObserved(m.Sender, w.Inner)
}

// peer.Host

func (i *Instance) LocalResource(id string) (peer.LocalResource, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	r, ok := i.local[id]
	return r, ok
}

func (i *Instance) ResourceAdded(p *peer.Peer, info domain.ProvideInfo) {
	i.handler.ResourceAdded(p, info)
}

func (i *Instance) ResourceRemoved(p *peer.Peer, id string) {
	i.handler.ResourceRemoved(p, id)
}

func (i *Instance) ResourceConnected(p *peer.Peer, ch peer.TransportChannel) {
	i.handler.ResourceConnected(p, ch)
}

// PeerFailed drops a peer whose negotiation broke. It stays gone until it
// rejoins the room.
func (i *Instance) PeerFailed(p *peer.Peer, err error) {
	i.mu.Lock()
	if cur, ok := i.peers[p.ID]; ok && cur == p {
		delete(i.peers, p.ID)
	}
	i.mu.Unlock()
	i.log.Warn().Err(err).Stringer("peer_id", p.ID).Msg("peer failed")
	i.handler.PeerFailed(p, err)
}
