package resource

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/peer"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// fakeDC is one end of an in-memory data channel. Messages sent on one end
// are delivered synchronously to the other.
type fakeDC struct {
	label string
	other *fakeDC
	// holdBuffer keeps sent bytes in BufferedAmount until drain is called.
	holdBuffer bool

	mu        sync.Mutex
	buffered  uint64
	threshold uint64
	closed    bool
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
	onLow     func()
	sent      int
}

func newPair(label string) (*fakeDC, *fakeDC) {
	a := &fakeDC{label: label}
	b := &fakeDC{label: label}
	a.other, b.other = b, a
	return a, b
}

func (c *fakeDC) Label() string { return c.label }

func (c *fakeDC) Send(data []byte) error {
	return c.send(webrtc.DataChannelMessage{Data: append([]byte(nil), data...)})
}

func (c *fakeDC) SendText(s string) error {
	return c.send(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
}

func (c *fakeDC) send(m webrtc.DataChannelMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("closed")
	}
	c.sent += len(m.Data)
	if c.holdBuffer {
		c.buffered += uint64(len(m.Data))
	}
	c.mu.Unlock()
	if c.other != nil {
		c.other.deliver(m)
	}
	return nil
}

func (c *fakeDC) deliver(m webrtc.DataChannelMessage) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// drain empties the send buffer and fires the low watermark callback.
func (c *fakeDC) drain() {
	c.mu.Lock()
	was := c.buffered
	c.buffered = 0
	fn := c.onLow
	thr := c.threshold
	c.mu.Unlock()
	if fn != nil && was > thr {
		fn()
	}
}

func (c *fakeDC) open() {
	c.mu.Lock()
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeDC) Close() error {
	c.closeSelf()
	if c.other != nil {
		c.other.closeSelf()
	}
	return nil
}

func (c *fakeDC) closeSelf() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeDC) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeDC) sentBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *fakeDC) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeDC) SetBufferedAmountLowThreshold(n uint64) {
	c.mu.Lock()
	c.threshold = n
	c.mu.Unlock()
}

func (c *fakeDC) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *fakeDC) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeDC) OnMessage(fn func(webrtc.DataChannelMessage)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeDC) OnBufferedAmountLow(fn func()) {
	c.mu.Lock()
	c.onLow = fn
	c.mu.Unlock()
}

// pairMedia hands out the local end of every channel it creates and
// publishes the remote end on remote.
type pairMedia struct {
	remote chan *fakeDC

	mu     sync.Mutex
	tracks []webrtc.TrackLocal
}

func newPairMedia() *pairMedia {
	return &pairMedia{remote: make(chan *fakeDC, 8)}
}

func (m *pairMedia) CreateDataChannel(label string) (core.DataChannel, error) {
	a, b := newPair(label)
	m.remote <- b
	return a, nil
}

func (m *pairMedia) AddLocalTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, t)
	return nil, nil
}

func (m *pairMedia) trackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

func (m *pairMedia) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (m *pairMedia) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (m *pairMedia) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (m *pairMedia) Rollback() error                                      { return nil }
func (m *pairMedia) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }
func (m *pairMedia) RemoveLocalTrack(*webrtc.RTPSender) error             { return nil }
func (m *pairMedia) OnNegotiationNeeded(func())                           {}
func (m *pairMedia) OnICECandidate(func(webrtc.ICECandidateInit))         {}
func (m *pairMedia) OnDataChannel(func(core.DataChannel))                 {}
func (m *pairMedia) OnTrack(func(core.RemoteTrack))                       {}
func (m *pairMedia) OnClosed(func())                                      {}
func (m *pairMedia) Close() error                                         { return nil }

// funcHost forwards relays to onRelay on a fresh goroutine.
type funcHost struct {
	onRelay func(protocol.RelayMessage)
}

func (h funcHost) SendRelay(_ domain.ClientID, m protocol.RelayMessage) error {
	if h.onRelay != nil {
		go h.onRelay(m)
	}
	return nil
}

func (funcHost) LocalResource(string) (peer.LocalResource, bool)     { return nil, false }
func (funcHost) ResourceAdded(*peer.Peer, domain.ProvideInfo)        {}
func (funcHost) ResourceRemoved(*peer.Peer, string)                  {}
func (funcHost) ResourceConnected(*peer.Peer, peer.TransportChannel) {}
func (funcHost) PeerFailed(*peer.Peer, error)                        {}

type fakeTrack struct {
	kind    webrtc.RTPCodecType
	packets chan *rtp.Packet
	stopped chan struct{}
	once    sync.Once

	mu   sync.Mutex
	rtcp []rtcp.Packet
}

func newFakeTrack(kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{kind: kind, packets: make(chan *rtp.Packet, 16), stopped: make(chan struct{})}
}

func (t *fakeTrack) ID() string                { return "src" }
func (t *fakeTrack) StreamID() string          { return "cam" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) SSRC() webrtc.SSRC         { return 42 }

func (t *fakeTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}
}

func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	select {
	case p, ok := <-t.packets:
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	case <-t.stopped:
		return nil, io.EOF
	}
}

func (t *fakeTrack) WriteRTCP(pkts []rtcp.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtcp = append(t.rtcp, pkts...)
	return nil
}

func (t *fakeTrack) rtcpCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rtcp)
}

func (t *fakeTrack) Stop() error {
	t.once.Do(func() { close(t.stopped) })
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
