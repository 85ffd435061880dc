package peer

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type fakeMedia struct {
	mu         sync.Mutex
	offers     int
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	rollbacks  int
	closed     bool
	remoteErr  error
	iceErr     error

	negotiationNeeded func()
	onICE             func(webrtc.ICECandidateInit)
	onDC              func(core.DataChannel)
	onTrack           func(core.RemoteTrack)
	onClosed          func()
}

func (m *fakeMedia) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", m.offers)}, nil
}

func (m *fakeMedia) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (m *fakeMedia) SetRemoteDescription(d webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteErr != nil {
		return m.remoteErr
	}
	m.remote = append(m.remote, d)
	return nil
}

func (m *fakeMedia) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
	return nil
}

func (m *fakeMedia) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.iceErr != nil {
		return m.iceErr
	}
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *fakeMedia) CreateDataChannel(label string) (core.DataChannel, error) {
	return &fakeChannel{label: label}, nil
}

func (m *fakeMedia) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }
func (m *fakeMedia) RemoveLocalTrack(*webrtc.RTPSender) error                   { return nil }

func (m *fakeMedia) OnNegotiationNeeded(fn func())                   { m.negotiationNeeded = fn }
func (m *fakeMedia) OnICECandidate(fn func(webrtc.ICECandidateInit)) { m.onICE = fn }
func (m *fakeMedia) OnDataChannel(fn func(core.DataChannel))         { m.onDC = fn }
func (m *fakeMedia) OnTrack(fn func(core.RemoteTrack))               { m.onTrack = fn }
func (m *fakeMedia) OnClosed(fn func())                              { m.onClosed = fn }

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) snapshot() (remote []webrtc.SessionDescription, cands []webrtc.ICECandidateInit, rollbacks int, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), m.remote...),
		append([]webrtc.ICECandidateInit(nil), m.candidates...), m.rollbacks, m.closed
}

type fakeChannel struct {
	mu      sync.Mutex
	label   string
	closed  bool
	onClose func()
}

func (c *fakeChannel) Label() string                             { return c.label }
func (c *fakeChannel) Send([]byte) error                         { return nil }
func (c *fakeChannel) SendText(string) error                     { return nil }
func (c *fakeChannel) OnOpen(func())                             {}
func (c *fakeChannel) OnMessage(func(webrtc.DataChannelMessage)) {}
func (c *fakeChannel) BufferedAmount() uint64                    { return 0 }
func (c *fakeChannel) SetBufferedAmountLowThreshold(uint64)      {}
func (c *fakeChannel) OnBufferedAmountLow(func())                {}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTrack struct {
	mu      sync.Mutex
	stream  string
	stopped bool
}

func (t *fakeTrack) ID() string                       { return "track-" + t.stream }
func (t *fakeTrack) StreamID() string                 { return t.stream }
func (t *fakeTrack) Kind() webrtc.RTPCodecType        { return webrtc.RTPCodecTypeVideo }
func (t *fakeTrack) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }
func (t *fakeTrack) SSRC() webrtc.SSRC                { return 1 }
func (t *fakeTrack) ReadRTP() (*rtp.Packet, error)    { return nil, io.EOF }
func (t *fakeTrack) WriteRTCP([]rtcp.Packet) error    { return nil }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeHost struct {
	relays    chan protocol.RelayMessage
	added     chan domain.ProvideInfo
	removed   chan string
	connected chan TransportChannel
	failed    chan error

	mu        sync.Mutex
	resources map[string]LocalResource
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		relays:    make(chan protocol.RelayMessage, 64),
		added:     make(chan domain.ProvideInfo, 16),
		removed:   make(chan string, 16),
		connected: make(chan TransportChannel, 16),
		failed:    make(chan error, 4),
		resources: make(map[string]LocalResource),
	}
}

func (h *fakeHost) SendRelay(_ domain.ClientID, m protocol.RelayMessage) error {
	h.relays <- m
	return nil
}

func (h *fakeHost) LocalResource(id string) (LocalResource, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.resources[id]
	return r, ok
}

func (h *fakeHost) ResourceAdded(_ *Peer, info domain.ProvideInfo) { h.added <- info }
func (h *fakeHost) ResourceRemoved(_ *Peer, id string)             { h.removed <- id }
func (h *fakeHost) ResourceConnected(_ *Peer, ch TransportChannel) { h.connected <- ch }
func (h *fakeHost) PeerFailed(_ *Peer, err error)                  { h.failed <- err }

type fakeResource struct {
	info     domain.ProvideInfo
	requests chan *Peer
	stops    chan *Peer
}

func newFakeResource(id string) *fakeResource {
	return &fakeResource{
		info:     domain.ProvideInfo{ID: id, Kind: domain.KindFile},
		requests: make(chan *Peer, 4),
		stops:    make(chan *Peer, 4),
	}
}

func (r *fakeResource) Info() domain.ProvideInfo { return r.info }
func (r *fakeResource) OnRequestStop(p *Peer)    { r.stops <- p }

func (r *fakeResource) OnRequest(p *Peer) error {
	r.requests <- p
	return nil
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func none[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %#v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
