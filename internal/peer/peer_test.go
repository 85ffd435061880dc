package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
)

func startPeer(t *testing.T, local, remote domain.ClientID, timeout time.Duration) (*Peer, *fakeMedia, *fakeHost) {
	t.Helper()
	m := &fakeMedia{}
	h := newFakeHost()
	p := New(remote, m, h, Options{Local: local, NegotiationTimeout: timeout})
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(func() {
		cancel()
		p.Close()
	})
	return p, m, h
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestOfferOnNegotiationNeeded(t *testing.T) {
	p, m, h := startPeer(t, 1, 2, 0)

	m.negotiationNeeded()
	if got := next(t, h.relays); got != protocol.Offer("offer-1") {
		t.Fatalf("relay = %#v, want offer-1", got)
	}
	if p.State() != StateOffering {
		t.Fatalf("state = %v, want offering", p.State())
	}

	p.Deliver(protocol.Answer("remote-answer"))
	waitFor(t, "stable", func() bool { return p.State() == StateStable })

	remote, _, _, _ := m.snapshot()
	if len(remote) != 1 || remote[0].Type != webrtc.SDPTypeAnswer || remote[0].SDP != "remote-answer" {
		t.Fatalf("remote descriptions = %+v", remote)
	}
}

func TestAnswersRemoteOffer(t *testing.T) {
	p, m, h := startPeer(t, 1, 2, 0)

	p.Deliver(protocol.Offer("remote-offer"))
	if got := next(t, h.relays); got != protocol.Answer("answer") {
		t.Fatalf("relay = %#v, want answer", got)
	}
	waitFor(t, "stable", func() bool { return p.State() == StateStable })

	remote, _, _, _ := m.snapshot()
	if len(remote) != 1 || remote[0].Type != webrtc.SDPTypeOffer {
		t.Fatalf("remote descriptions = %+v", remote)
	}
}

func TestUnexpectedAnswerIgnored(t *testing.T) {
	p, m, h := startPeer(t, 1, 2, 0)

	p.Deliver(protocol.Answer("stray"))
	none(t, h.failed)
	if remote, _, _, _ := m.snapshot(); len(remote) != 0 {
		t.Fatalf("stray answer applied: %+v", remote)
	}
	if p.State() != StateIdle {
		t.Fatalf("state = %v, want idle", p.State())
	}
}

func TestLocalCandidateRelayed(t *testing.T) {
	_, m, h := startPeer(t, 1, 2, 0)

	c := candidate("candidate:1 1 udp 1 127.0.0.1 5000 typ host")
	m.onICE(c)
	if got := next(t, h.relays); got != protocol.IceCandidate(c) {
		t.Fatalf("relay = %#v", got)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	p, m, h := startPeer(t, 1, 2, 0)

	c1, c2, c3 := candidate("c1"), candidate("c2"), candidate("c3")
	p.Deliver(protocol.IceCandidate(c1))
	p.Deliver(protocol.IceCandidate(c2))
	time.Sleep(20 * time.Millisecond)
	if _, cands, _, _ := m.snapshot(); len(cands) != 0 {
		t.Fatalf("candidates applied before remote description: %+v", cands)
	}

	p.Deliver(protocol.Offer("remote-offer"))
	next(t, h.relays)
	p.Deliver(protocol.IceCandidate(c3))

	waitFor(t, "three candidates", func() bool {
		_, cands, _, _ := m.snapshot()
		return len(cands) == 3
	})
	_, cands, _, _ := m.snapshot()
	for i, want := range []string{"c1", "c2", "c3"} {
		if cands[i].Candidate != want {
			t.Fatalf("candidate %d = %q, want %q", i, cands[i].Candidate, want)
		}
	}
}

func TestGlarePoliteRollsBack(t *testing.T) {
	// 1 < 2, so we are the polite side.
	p, m, h := startPeer(t, 1, 2, 0)

	m.negotiationNeeded()
	next(t, h.relays)

	p.Deliver(protocol.Offer("remote-offer"))
	if got := next(t, h.relays); got != protocol.Answer("answer") {
		t.Fatalf("relay = %#v, want answer", got)
	}
	if got := next(t, h.relays); got != protocol.Offer("offer-2") {
		t.Fatalf("relay = %#v, want re-offer", got)
	}
	_, _, rollbacks, _ := m.snapshot()
	if rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", rollbacks)
	}
	if p.State() != StateOffering {
		t.Fatalf("state = %v, want offering", p.State())
	}
}

func TestGlareImpoliteIgnoresOffer(t *testing.T) {
	p, m, h := startPeer(t, 3, 2, 0)

	m.negotiationNeeded()
	next(t, h.relays)

	p.Deliver(protocol.Offer("remote-offer"))
	none(t, h.relays)
	remote, _, rollbacks, _ := m.snapshot()
	if rollbacks != 0 || len(remote) != 0 {
		t.Fatalf("colliding offer applied: rollbacks=%d remote=%+v", rollbacks, remote)
	}

	p.Deliver(protocol.Answer("remote-answer"))
	waitFor(t, "stable", func() bool { return p.State() == StateStable })
}

func TestGlareImpoliteToleratesCandidateErrors(t *testing.T) {
	p, m, h := startPeer(t, 3, 2, 0)

	m.negotiationNeeded()
	next(t, h.relays)
	p.Deliver(protocol.Offer("remote-offer"))
	none(t, h.relays)

	m.mu.Lock()
	m.iceErr = errors.New("unknown ufrag")
	m.mu.Unlock()
	p.Deliver(protocol.IceCandidate(candidate("c1")))
	p.Deliver(protocol.Answer("remote-answer"))

	waitFor(t, "stable", func() bool { return p.State() == StateStable })
	none(t, h.failed)
}

func TestNegotiationTimeout(t *testing.T) {
	p, m, h := startPeer(t, 1, 2, 30*time.Millisecond)

	m.negotiationNeeded()
	next(t, h.relays)

	err := next(t, h.failed)
	if !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("err = %v, want ErrNegotiationTimeout", err)
	}
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("peer did not stop")
	}
	if _, _, _, closed := m.snapshot(); !closed {
		t.Fatal("transport not closed")
	}
	if p.State() != StateFailed {
		t.Fatalf("state = %v, want failed", p.State())
	}
}

func TestTimeoutDisarmedByAnswer(t *testing.T) {
	p, m, h := startPeer(t, 1, 2, 50*time.Millisecond)

	m.negotiationNeeded()
	next(t, h.relays)
	p.Deliver(protocol.Answer("remote-answer"))
	waitFor(t, "stable", func() bool { return p.State() == StateStable })

	select {
	case err := <-h.failed:
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(120 * time.Millisecond):
	}
}

func TestSetRemoteErrorFailsPeer(t *testing.T) {
	p, m, h := startPeer(t, 1, 2, 0)
	m.remoteErr = errors.New("bad sdp")

	p.Deliver(protocol.Offer("garbage"))
	err := next(t, h.failed)
	var nerr *NegotiationError
	if !errors.As(err, &nerr) || nerr.Op != "set remote offer" {
		t.Fatalf("err = %v", err)
	}
	<-p.Done()
	if _, _, _, closed := m.snapshot(); !closed {
		t.Fatal("transport not closed")
	}
}

func TestIdentify(t *testing.T) {
	p, _, _ := startPeer(t, 1, 2, 0)
	if p.Username() != domain.DefaultUsername {
		t.Fatalf("username = %q", p.Username())
	}
	p.Deliver(protocol.Identify{Username: "alice"})
	waitFor(t, "username", func() bool { return p.Username() == "alice" })
}

func TestProvideAndStop(t *testing.T) {
	p, _, h := startPeer(t, 1, 2, 0)

	p.Deliver(protocol.Provide{ID: "file-1", Kind: domain.KindFile})
	if info := next(t, h.added); info.ID != "file-1" {
		t.Fatalf("added = %+v", info)
	}
	if s, ok := p.ResourceState("file-1"); !ok || s != domain.ResourceAvailable {
		t.Fatalf("state = %v, %v", s, ok)
	}
	if got := p.RemoteResources(); len(got) != 1 {
		t.Fatalf("remote resources = %+v", got)
	}

	p.Deliver(protocol.ProvideStop{ID: "nope"})
	none(t, h.removed)

	p.Deliver(protocol.ProvideStop{ID: "file-1"})
	if id := next(t, h.removed); id != "file-1" {
		t.Fatalf("removed = %q", id)
	}
	if _, ok := p.RemoteResource("file-1"); ok {
		t.Fatal("resource still listed")
	}
	if _, ok := p.ResourceState("file-1"); ok {
		t.Fatal("state still tracked")
	}
}

func TestDataChannelMatching(t *testing.T) {
	p, m, h := startPeer(t, 1, 2, 0)

	p.Deliver(protocol.Provide{ID: "file-1", Kind: domain.KindFile})
	next(t, h.added)

	if err := p.RequestResource("file-1"); err != nil {
		t.Fatal(err)
	}
	if got := next(t, h.relays); got != (protocol.Request{ID: "file-1"}) {
		t.Fatalf("relay = %#v", got)
	}
	if s, _ := p.ResourceState("file-1"); s != domain.ResourceConnecting {
		t.Fatalf("state = %v, want connecting", s)
	}

	stray := &fakeChannel{label: "unknown"}
	m.onDC(stray)
	if !stray.isClosed() {
		t.Fatal("unmatched channel left open")
	}
	none(t, h.connected)

	dc := &fakeChannel{label: "file-1"}
	m.onDC(dc)
	ch := next(t, h.connected)
	if ch.Data == nil || ch.Data.Label() != "file-1" || ch.Track != nil || ch.Info.ID != "file-1" {
		t.Fatalf("connected = %+v", ch)
	}
	userClosed := make(chan struct{})
	ch.Data.OnClose(func() { close(userClosed) })
	if s, _ := p.ResourceState("file-1"); s != domain.ResourceConnected {
		t.Fatalf("state = %v, want connected", s)
	}

	if err := p.RequestStopResource("file-1"); err != nil {
		t.Fatal(err)
	}
	if got := next(t, h.relays); got != (protocol.RequestStop{ID: "file-1"}) {
		t.Fatalf("relay = %#v", got)
	}
	if s, _ := p.ResourceState("file-1"); s != domain.ResourceDisconnecting {
		t.Fatalf("state = %v, want disconnecting", s)
	}
	_ = dc.Close()
	waitFor(t, "available", func() bool {
		s, _ := p.ResourceState("file-1")
		return s == domain.ResourceAvailable
	})
	select {
	case <-userClosed:
	case <-time.After(time.Second):
		t.Fatal("consumer close hook not called")
	}
}

func TestTrackMatching(t *testing.T) {
	p, m, h := startPeer(t, 1, 2, 0)

	video := domain.TrackVideo
	p.Deliver(protocol.Provide{ID: "cam", Kind: domain.KindTrack, TrackKind: &video})
	next(t, h.added)

	stray := &fakeTrack{stream: "other"}
	m.onTrack(stray)
	if !stray.isStopped() {
		t.Fatal("unmatched track not stopped")
	}
	none(t, h.connected)

	tr := &fakeTrack{stream: "cam"}
	m.onTrack(tr)
	ch := next(t, h.connected)
	if ch.Track != tr || ch.Data != nil {
		t.Fatalf("connected = %+v", ch)
	}

	if err := p.RequestStopResource("cam"); err != nil {
		t.Fatal(err)
	}
	next(t, h.relays)
	if s, _ := p.ResourceState("cam"); s != domain.ResourceAvailable {
		t.Fatalf("state = %v, want available", s)
	}
}

func TestRequestUnknownResource(t *testing.T) {
	p, _, h := startPeer(t, 1, 2, 0)

	if err := p.RequestResource("missing"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := p.RequestStopResource("missing"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("err = %v", err)
	}
	none(t, h.relays)
}

func TestServesLocalResource(t *testing.T) {
	p, _, h := startPeer(t, 1, 2, 0)
	res := newFakeResource("share")
	h.mu.Lock()
	h.resources["share"] = res
	h.mu.Unlock()

	p.Deliver(protocol.Request{ID: "other"})
	none(t, res.requests)

	p.Deliver(protocol.Request{ID: "share"})
	if got := next(t, res.requests); got != p {
		t.Fatal("OnRequest got a different peer")
	}

	p.Deliver(protocol.RequestStop{ID: "share"})
	if got := next(t, res.stops); got != p {
		t.Fatal("OnRequestStop got a different peer")
	}
}

func TestCloseStopsLoop(t *testing.T) {
	p, m, _ := startPeer(t, 1, 2, 0)
	p.Close()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	if _, _, _, closed := m.snapshot(); !closed {
		t.Fatal("transport not closed")
	}
	p.Close()
}

func TestClosedPeerRefusesSends(t *testing.T) {
	p, _, h := startPeer(t, 1, 2, 0)
	p.Close()

	if err := p.SendRelay(protocol.Request{ID: "x"}); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("SendRelay err = %v", err)
	}
	if err := p.RequestResource("x"); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("RequestResource err = %v", err)
	}
	none(t, h.relays)
}
