package session

import (
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/peer"
	"github.com/dkeye/Meet/internal/protocol"
)

// EventHandler receives room and resource events. Calls come from the
// receive loop and from peer loops, so implementations must not block.
type EventHandler interface {
	PeerJoined(p *peer.Peer)
	PeerLeft(p *peer.Peer)
	PeerFailed(p *peer.Peer, err error)
	ResourceAdded(p *peer.Peer, info domain.ProvideInfo)
	ResourceRemoved(p *peer.Peer, id string)
	// ResourceConnected hands over a channel or track the remote opened for
	// one of its announced resources.
	ResourceConnected(p *peer.Peer, ch peer.TransportChannel)
	// RelayObserved sees every authenticated relay message, chat included.
	RelayObserved(from domain.ClientID, m protocol.RelayMessage)
	RoomInfo(info domain.RoomInfo)
}

// BaseHandler ignores everything. Embed it to implement only some events.
type BaseHandler struct{}

func (BaseHandler) PeerJoined(*peer.Peer)                                {}
func (BaseHandler) PeerLeft(*peer.Peer)                                  {}
func (BaseHandler) PeerFailed(*peer.Peer, error)                         {}
func (BaseHandler) ResourceAdded(*peer.Peer, domain.ProvideInfo)         {}
func (BaseHandler) ResourceRemoved(*peer.Peer, string)                   {}
func (BaseHandler) ResourceConnected(*peer.Peer, peer.TransportChannel)  {}
func (BaseHandler) RelayObserved(domain.ClientID, protocol.RelayMessage) {}
func (BaseHandler) RoomInfo(domain.RoomInfo)                             {}
