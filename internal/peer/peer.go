// Package peer drives the connection to one remote participant: the
// offer/answer/candidate exchange over the relay and the mapping of incoming
// channels and tracks back to the resources the remote announced.
package peer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateStable
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateStable:
		return "stable"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// LocalResource is something this client offers to its peers.
type LocalResource interface {
	Info() domain.ProvideInfo
	// OnRequest opens the transport for p, e.g. a data channel labelled with
	// the resource id. It runs on the peer loop and must not block.
	OnRequest(p *Peer) error
}

// RequestStopper is implemented by resources that tear down on RequestStop.
type RequestStopper interface {
	OnRequestStop(p *Peer)
}

// TransportChannel is a negotiated channel matched to a remote resource.
// Exactly one of Data and Track is set.
type TransportChannel struct {
	Info  domain.ProvideInfo
	Data  core.DataChannel
	Track core.RemoteTrack
}

// Host is the session side of a peer.
type Host interface {
	SendRelay(to domain.ClientID, m protocol.RelayMessage) error
	LocalResource(id string) (LocalResource, bool)
	ResourceAdded(p *Peer, info domain.ProvideInfo)
	ResourceRemoved(p *Peer, id string)
	ResourceConnected(p *Peer, ch TransportChannel)
	PeerFailed(p *Peer, err error)
}

type Options struct {
	// Local is our own client id. The smaller id of a pair is the polite side.
	Local              domain.ClientID
	NegotiationTimeout time.Duration
}

type Peer struct {
	ID   domain.ClientID
	opts Options
	conn core.MediaConnection
	host Host
	log  zerolog.Logger

	q         *queue
	done      chan struct{}
	closeOnce sync.Once
	connOnce  sync.Once
	state     atomic.Int32

	mu             sync.RWMutex
	username       string
	remoteProvided map[string]domain.ProvideInfo
	states         map[string]domain.ResourceState

	// owned by the loop
	pending       []webrtc.ICECandidateInit
	remoteSet     bool
	renegotiate   bool
	ignoringOffer bool
	offerGen      uint64
	timer         *time.Timer
}

func New(id domain.ClientID, conn core.MediaConnection, host Host, opts Options) *Peer {
	p := &Peer{
		ID:             id,
		opts:           opts,
		conn:           conn,
		host:           host,
		log:            log.With().Str("module", "peer").Stringer("peer_id", id).Logger(),
		q:              newQueue(),
		done:           make(chan struct{}),
		username:       domain.DefaultUsername,
		remoteProvided: make(map[string]domain.ProvideInfo),
		states:         make(map[string]domain.ResourceState),
	}

	conn.OnNegotiationNeeded(func() { p.q.push(evNegotiationNeeded{}) })
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) { p.q.push(evLocalCandidate{c}) })
	// Channels are matched on the transport goroutine. Messages only flow once
	// the callback returns, so the consumer can hook OnMessage without loss.
	conn.OnDataChannel(p.onDataChannel)
	conn.OnTrack(p.onTrack)
	conn.OnClosed(func() { p.q.push(evTransportClosed{}) })
	return p
}

func (p *Peer) State() State { return State(p.state.Load()) }

func (p *Peer) setState(s State) {
	old := State(p.state.Swap(int32(s)))
	if old != s {
		p.log.Debug().Stringer("from", old).Stringer("to", s).Msg("negotiation state")
	}
}

func (p *Peer) Username() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.username
}

// RemoteResources lists what the remote currently provides.
func (p *Peer) RemoteResources() []domain.ProvideInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.ProvideInfo, 0, len(p.remoteProvided))
	for _, info := range p.remoteProvided {
		out = append(out, info)
	}
	return out
}

func (p *Peer) RemoteResource(id string) (domain.ProvideInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.remoteProvided[id]
	return info, ok
}

func (p *Peer) ResourceState(id string) (domain.ResourceState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.states[id]
	return s, ok
}

// Deliver queues a relay message received from this peer.
func (p *Peer) Deliver(m protocol.RelayMessage) {
	p.q.push(evRelay{m})
}

// SendRelay sends m to this peer only. It fails with ErrPeerClosed once the
// peer was closed.
func (p *Peer) SendRelay(m protocol.RelayMessage) error {
	if p.closed() {
		return ErrPeerClosed
	}
	return p.host.SendRelay(p.ID, m)
}

// RequestResource asks the remote to open a channel for one of its resources.
func (p *Peer) RequestResource(id string) error {
	if p.closed() {
		return ErrPeerClosed
	}
	p.mu.Lock()
	if _, ok := p.remoteProvided[id]; !ok {
		p.mu.Unlock()
		return ErrResourceNotFound
	}
	p.states[id] = domain.ResourceConnecting
	p.mu.Unlock()
	return p.SendRelay(protocol.Request{ID: id})
}

// RequestStopResource asks the remote to tear the resource down. Data
// channels return to Available when they close, tracks right away.
func (p *Peer) RequestStopResource(id string) error {
	p.mu.Lock()
	info, ok := p.remoteProvided[id]
	if !ok {
		p.mu.Unlock()
		return ErrResourceNotFound
	}
	if info.Kind == domain.KindTrack {
		p.states[id] = domain.ResourceAvailable
	} else {
		p.states[id] = domain.ResourceDisconnecting
	}
	p.mu.Unlock()
	return p.SendRelay(protocol.RequestStop{ID: id})
}

func (p *Peer) CreateDataChannel(label string) (core.DataChannel, error) {
	return p.conn.CreateDataChannel(label)
}

func (p *Peer) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return p.conn.AddLocalTrack(track)
}

func (p *Peer) RemoveTrack(sender *webrtc.RTPSender) error {
	return p.conn.RemoveLocalTrack(sender)
}

// Done is closed once the peer stopped, by Close or by a fatal error.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close stops the loop and the transport. It only makes sense once the
// remote left the room.
func (p *Peer) Close() {
	p.log.Info().Msg("peer closed")
	p.stop()
	p.closeConn()
}

func (p *Peer) stop() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Peer) closeConn() {
	p.connOnce.Do(func() {
		p.q.close()
		if err := p.conn.Close(); err != nil {
			p.log.Debug().Err(err).Msg("transport close")
		}
	})
}

// Run processes queued events until ctx ends, Close is called or the
// negotiation fails.
func (p *Peer) Run(ctx context.Context) {
	defer func() {
		p.stopTimer()
		if s := p.State(); s != StateFailed {
			p.setState(StateClosed)
		}
		p.stop()
	}()
	for {
		select {
		case <-ctx.Done():
			p.closeConn()
			return
		case <-p.done:
			return
		case <-p.q.ready:
		}
		for _, ev := range p.q.drain() {
			p.handle(ev)
			if p.State() == StateFailed {
				return
			}
		}
	}
}

