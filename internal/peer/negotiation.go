package peer

import (
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type event interface{}

type (
	evNegotiationNeeded struct{}
	evLocalCandidate    struct{ c webrtc.ICECandidateInit }
	evRelay             struct{ m protocol.RelayMessage }
	evChannelClosed     struct{ id string }
	evTimeout           struct{ gen uint64 }
	evTransportClosed   struct{}
)

func (p *Peer) handle(ev event) {
	switch e := ev.(type) {
	case evNegotiationNeeded:
		p.onNegotiationNeeded()
	case evLocalCandidate:
		p.send(protocol.IceCandidate(e.c))
	case evRelay:
		p.onRelay(e.m)
	case evChannelClosed:
		p.mu.Lock()
		if _, ok := p.states[e.id]; ok {
			p.states[e.id] = domain.ResourceAvailable
		}
		p.mu.Unlock()
	case evTimeout:
		if e.gen == p.offerGen && p.State() == StateOffering {
			p.fail("await answer", ErrNegotiationTimeout)
		}
	case evTransportClosed:
		p.log.Info().Msg("transport closed")
	}
}

func (p *Peer) send(m protocol.RelayMessage) {
	if err := p.host.SendRelay(p.ID, m); err != nil {
		p.log.Warn().Err(err).Msg("relay send failed")
	}
}

func (p *Peer) polite() bool { return p.opts.Local < p.ID }

func (p *Peer) fail(op string, err error) {
	nerr := &NegotiationError{Op: op, Err: err}
	p.setState(StateFailed)
	p.stopTimer()
	p.log.Warn().Err(nerr).Msg("negotiation failed")
	p.host.PeerFailed(p, nerr)
	p.closeConn()
}

func (p *Peer) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Peer) onNegotiationNeeded() {
	switch p.State() {
	case StateOffering, StateAnswering:
		p.renegotiate = true
		return
	case StateFailed, StateClosed:
		return
	}
	p.log.Debug().Msg("negotiation needed")
	p.offer()
}

func (p *Peer) offer() {
	desc, err := p.conn.CreateOffer()
	if err != nil {
		p.fail("create offer", err)
		return
	}
	p.setState(StateOffering)
	p.stopTimer()
	p.offerGen++
	if p.opts.NegotiationTimeout > 0 {
		gen := p.offerGen
		p.timer = time.AfterFunc(p.opts.NegotiationTimeout, func() { p.q.push(evTimeout{gen}) })
	}
	p.log.Debug().Msg("sending offer")
	p.send(protocol.Offer(desc.SDP))
}

// settle ends a negotiation round and starts the next one if changes
// piled up meanwhile.
func (p *Peer) settle() {
	p.setState(StateStable)
	p.ignoringOffer = false
	if p.renegotiate {
		p.renegotiate = false
		p.offer()
	}
}

func (p *Peer) onOffer(sdp string) {
	if p.State() == StateOffering {
		if !p.polite() {
			p.log.Debug().Msg("ignoring colliding offer")
			p.ignoringOffer = true
			return
		}
		p.log.Debug().Msg("offer collision, rolling back")
		if err := p.conn.Rollback(); err != nil {
			p.fail("rollback", err)
			return
		}
		p.stopTimer()
		p.renegotiate = true
	}
	p.ignoringOffer = false

	if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		p.fail("set remote offer", err)
		return
	}
	p.remoteSet = true
	if !p.flushCandidates() {
		return
	}
	p.setState(StateAnswering)
	desc, err := p.conn.CreateAnswer()
	if err != nil {
		p.fail("create answer", err)
		return
	}
	p.log.Debug().Msg("sending answer")
	p.send(protocol.Answer(desc.SDP))
	p.settle()
}

func (p *Peer) onAnswer(sdp string) {
	if p.State() != StateOffering {
		p.log.Warn().Stringer("state", p.State()).Msg("unexpected answer, ignoring")
		return
	}
	if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		p.fail("set remote answer", err)
		return
	}
	p.remoteSet = true
	p.stopTimer()
	if !p.flushCandidates() {
		return
	}
	p.settle()
}

func (p *Peer) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		return
	}
	p.addCandidate(c)
}

func (p *Peer) addCandidate(c webrtc.ICECandidateInit) bool {
	if err := p.conn.AddICECandidate(c); err != nil {
		if p.ignoringOffer {
			p.log.Debug().Err(err).Msg("dropping candidate of an ignored offer")
			return true
		}
		p.fail("add ice candidate", err)
		return false
	}
	return true
}

func (p *Peer) flushCandidates() bool {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if !p.addCandidate(c) {
			return false
		}
	}
	return true
}

func (p *Peer) onRelay(m protocol.RelayMessage) {
	switch m := m.(type) {
	case protocol.Offer:
		p.onOffer(string(m))
	case protocol.Answer:
		p.onAnswer(string(m))
	case protocol.IceCandidate:
		p.onRemoteCandidate(webrtc.ICECandidateInit(m))
	case protocol.Identify:
		u := domain.User{ID: p.ID}
		if err := u.SetUsername(m.Username); err != nil {
			p.log.Warn().Err(err).Msg("bad identify")
			return
		}
		p.mu.Lock()
		p.username = u.Username
		p.mu.Unlock()
		p.log.Info().Str("username", u.Username).Msg("peer identified")
	case protocol.Provide:
		info := domain.ProvideInfo(m)
		p.mu.Lock()
		p.remoteProvided[info.ID] = info
		if _, ok := p.states[info.ID]; !ok {
			p.states[info.ID] = domain.ResourceAvailable
		}
		p.mu.Unlock()
		p.log.Info().Str("resource_id", info.ID).Str("kind", info.Kind).Str("label", info.LabelOr("")).Msg("remote resource provided")
		p.host.ResourceAdded(p, info)
	case protocol.ProvideStop:
		p.mu.Lock()
		_, ok := p.remoteProvided[m.ID]
		delete(p.remoteProvided, m.ID)
		delete(p.states, m.ID)
		p.mu.Unlock()
		if !ok {
			p.log.Warn().Str("resource_id", m.ID).Msg("provide stop for unknown resource")
			return
		}
		p.log.Info().Str("resource_id", m.ID).Msg("remote resource removed")
		p.host.ResourceRemoved(p, m.ID)
	case protocol.Request:
		res, ok := p.host.LocalResource(m.ID)
		if !ok {
			p.log.Warn().Str("resource_id", m.ID).Msg("requested unknown local resource")
			return
		}
		if err := res.OnRequest(p); err != nil {
			p.log.Warn().Err(err).Str("resource_id", m.ID).Msg("serving request failed")
		}
	case protocol.RequestStop:
		res, ok := p.host.LocalResource(m.ID)
		if !ok {
			return
		}
		if s, ok := res.(RequestStopper); ok {
			s.OnRequestStop(p)
		}
	case protocol.Chat:
	}
}

// match looks the label up in remoteProvided and marks the resource connected.
func (p *Peer) match(label string) (domain.ProvideInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.remoteProvided[label]
	if ok {
		p.states[label] = domain.ResourceConnected
	}
	return info, ok
}

func (p *Peer) onDataChannel(dc core.DataChannel) {
	label := dc.Label()
	info, ok := p.match(label)
	if !ok {
		p.log.Warn().Str("label", label).Msg("got unassociated data channel, closing")
		_ = dc.Close()
		return
	}
	p.log.Info().Str("resource_id", info.ID).Msg("data channel connected")
	tc := &trackedChannel{DataChannel: dc}
	dc.OnClose(func() {
		p.q.push(evChannelClosed{label})
		tc.closed()
	})
	p.host.ResourceConnected(p, TransportChannel{Info: info, Data: tc})
}

// trackedChannel keeps the peer's close hook when the consumer sets its own.
type trackedChannel struct {
	core.DataChannel

	mu      sync.Mutex
	onClose func()
}

func (c *trackedChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *trackedChannel) closed() {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Peer) onTrack(t core.RemoteTrack) {
	id := t.StreamID()
	info, ok := p.match(id)
	if !ok {
		p.log.Warn().Str("stream_id", id).Msg("got unassociated track, stopping")
		_ = t.Stop()
		return
	}
	p.log.Info().Str("resource_id", info.ID).Str("kind", t.Kind().String()).Msg("track connected")
	p.host.ResourceConnected(p, TransportChannel{Info: info, Track: t})
}
