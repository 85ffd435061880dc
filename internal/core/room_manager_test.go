package core

import (
	"sync"
	"testing"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.ClientboundPacket
	full   bool
	// limit > 0 bounds the undrained frames like an adapter buffer.
	limit int
}

func (c *fakeConn) TrySend(f Frame) error {
	return c.SendBatch([]Frame{f})
}

func (c *fakeConn) SendBatch(fs []Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || (c.limit > 0 && len(c.frames) >= c.limit) {
		return ErrBackpressure
	}
	for _, f := range fs {
		p, err := protocol.DecodeClientbound(f)
		if err != nil {
			panic(err)
		}
		c.frames = append(c.frames, p)
	}
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) take() []protocol.ClientboundPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

func hashPtr(s string) *domain.RoomHash {
	h := domain.RoomHash(s)
	return &h
}

func count(ps []protocol.ClientboundPacket, want protocol.ClientboundPacket) int {
	n := 0
	for _, p := range ps {
		if p == want {
			n++
		}
	}
	return n
}

func TestJoin_SnapshotConsistency(t *testing.T) {
	m := NewRoomManager()
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	m.Join(1, a, hashPtr("room"))
	m.Join(2, b, hashPtr("room"))
	a.take()
	b.take()

	m.Join(3, c, hashPtr("room"))

	got := c.take()
	if len(got) != 2 {
		t.Fatalf("joiner got %d packets, want 2: %#v", len(got), got)
	}
	if count(got, protocol.ClientJoin{ID: 1}) != 1 || count(got, protocol.ClientJoin{ID: 2}) != 1 {
		t.Errorf("joiner snapshot = %#v", got)
	}
	for name, conn := range map[string]*fakeConn{"a": a, "b": b} {
		got := conn.take()
		if len(got) != 1 || got[0] != (protocol.ClientJoin{ID: 3}) {
			t.Errorf("%s got %#v, want one ClientJoin{3}", name, got)
		}
	}
}

func TestJoin_SnapshotLargerThanBuffer(t *testing.T) {
	m := NewRoomManager()
	const members = 100
	for id := domain.ClientID(1); id <= members; id++ {
		m.Join(id, &fakeConn{}, hashPtr("room"))
	}

	late := &fakeConn{limit: 8}
	res := m.Join(members+1, late, hashPtr("room"))
	if len(res.Dropped) != 0 {
		t.Fatalf("dropped = %v, want none", res.Dropped)
	}
	got := late.take()
	if len(got) != members {
		t.Fatalf("joiner got %d packets, want %d", len(got), members)
	}
	for id := domain.ClientID(1); id <= members; id++ {
		if count(got, protocol.ClientJoin{ID: id}) != 1 {
			t.Fatalf("ClientJoin{%d} missing or repeated", id)
		}
	}
}

func TestJoin_BacklogStillReported(t *testing.T) {
	m := NewRoomManager()
	m.Join(1, &fakeConn{}, hashPtr("room"))
	slow := &fakeConn{full: true}
	res := m.Join(2, slow, hashPtr("room"))
	if len(res.Dropped) != 1 || res.Dropped[0] != 2 {
		t.Fatalf("dropped = %v, want [2]", res.Dropped)
	}
}

func roomOf(m *RoomManager, id domain.ClientID) (domain.RoomHash, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.memberOf[id]
	return h, ok
}

func occupancy(m *RoomManager, hash domain.RoomHash) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[hash]
	if !ok {
		return 0, false
	}
	return len(r.members), true
}

func TestLeave_Broadcast(t *testing.T) {
	m := NewRoomManager()
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	m.Join(1, a, hashPtr("room"))
	m.Join(2, b, hashPtr("room"))
	m.Join(3, c, hashPtr("room"))
	a.take()
	b.take()
	c.take()

	m.Join(2, b, nil)

	for name, conn := range map[string]*fakeConn{"a": a, "c": c} {
		got := conn.take()
		if len(got) != 1 || got[0] != (protocol.ClientLeave{ID: 2}) {
			t.Errorf("%s got %#v, want one ClientLeave{2}", name, got)
		}
	}
	if got := b.take(); len(got) != 0 {
		t.Errorf("leaver got %#v, want nothing", got)
	}
	if _, ok := roomOf(m, 2); ok {
		t.Errorf("client 2 still has a room")
	}
}

func TestJoin_SwitchesRooms(t *testing.T) {
	m := NewRoomManager()
	a, b := &fakeConn{}, &fakeConn{}
	m.Join(1, a, hashPtr("x"))
	m.Join(2, b, hashPtr("x"))
	a.take()
	b.take()

	m.Join(2, b, hashPtr("y"))

	if got := a.take(); len(got) != 1 || got[0] != (protocol.ClientLeave{ID: 2}) {
		t.Errorf("old room member got %#v", got)
	}
	if got := b.take(); len(got) != 0 {
		t.Errorf("switcher got %#v, want nothing in an empty room", got)
	}
	if h, _ := roomOf(m, 2); h != "y" {
		t.Errorf("room of 2 = %q, want y", h)
	}
}

func TestRoom_GarbageCollected(t *testing.T) {
	m := NewRoomManager()
	a := &fakeConn{}
	m.Join(1, a, hashPtr("room"))
	m.Disconnect(1)
	if _, ok := occupancy(m, "room"); ok {
		t.Fatalf("empty room still registered")
	}
	if rooms, _ := m.Stats(); rooms != 0 {
		t.Errorf("rooms = %d, want 0", rooms)
	}

	b := &fakeConn{}
	m.Join(2, b, hashPtr("room"))
	if n, ok := occupancy(m, "room"); !ok || n != 1 {
		t.Errorf("fresh room occupancy = %d, %v", n, ok)
	}
}

func TestRelay(t *testing.T) {
	m := NewRoomManager()
	a, b, c, outsider := &fakeConn{}, &fakeConn{}, &fakeConn{}, &fakeConn{}
	m.Join(1, a, hashPtr("room"))
	m.Join(2, b, hashPtr("room"))
	m.Join(3, c, hashPtr("room"))
	m.Join(4, outsider, hashPtr("other"))
	for _, conn := range []*fakeConn{a, b, c, outsider} {
		conn.take()
	}

	res := m.Relay(1, nil, "blob")
	if res.SendTo != 2 {
		t.Errorf("broadcast SendTo = %d, want 2", res.SendTo)
	}
	want := protocol.Message{Sender: 1, Message: "blob"}
	if got := a.take(); len(got) != 0 {
		t.Errorf("sender got its own broadcast: %#v", got)
	}
	for _, conn := range []*fakeConn{b, c} {
		if got := conn.take(); len(got) != 1 || got[0] != want {
			t.Errorf("member got %#v", got)
		}
	}

	to := domain.ClientID(3)
	m.Relay(1, &to, "direct")
	if got := c.take(); len(got) != 1 || got[0] != (protocol.Message{Sender: 1, Message: "direct"}) {
		t.Errorf("recipient got %#v", got)
	}
	if got := b.take(); len(got) != 0 {
		t.Errorf("bystander got %#v", got)
	}

	foreign := domain.ClientID(4)
	if res := m.Relay(1, &foreign, "leak"); res.SendTo != 0 {
		t.Errorf("relay crossed rooms")
	}
	if got := outsider.take(); len(got) != 0 {
		t.Errorf("outsider got %#v", got)
	}
	if res := m.Relay(99, nil, "nobody"); res.SendTo != 0 {
		t.Errorf("relay from a client outside any room was delivered")
	}
}

func TestWatch(t *testing.T) {
	m := NewRoomManager()
	a, b, w := &fakeConn{}, &fakeConn{}, &fakeConn{}
	m.Join(1, a, hashPtr("h"))
	m.Join(2, b, hashPtr("h"))

	m.Watch(9, w, []domain.RoomHash{"h", "empty"})
	got := w.take()
	if len(got) != 1 || got[0] != (protocol.RoomInfo{Hash: "h", UserCount: 2}) {
		t.Fatalf("watcher got %#v, want RoomInfo{h,2}", got)
	}

	c := &fakeConn{}
	m.Join(3, c, hashPtr("h"))
	if got := w.take(); len(got) != 1 || got[0] != (protocol.RoomInfo{Hash: "h", UserCount: 3}) {
		t.Errorf("after join watcher got %#v", got)
	}
	m.Join(1, a, nil)
	if got := w.take(); len(got) != 1 || got[0] != (protocol.RoomInfo{Hash: "h", UserCount: 2}) {
		t.Errorf("after leave watcher got %#v", got)
	}
	m.Join(4, &fakeConn{}, hashPtr("empty"))
	if got := w.take(); len(got) != 1 || got[0] != (protocol.RoomInfo{Hash: "empty", UserCount: 1}) {
		t.Errorf("first join of watched room got %#v", got)
	}

	m.Watch(9, w, nil)
	if _, watched := m.Stats(); watched != 0 {
		t.Errorf("watched = %d after clearing the list, want 0", watched)
	}
	m.Join(5, &fakeConn{}, hashPtr("h"))
	if got := w.take(); len(got) != 0 {
		t.Errorf("cleared watcher got %#v", got)
	}
}

func TestDisconnect_RemovesWatches(t *testing.T) {
	m := NewRoomManager()
	w := &fakeConn{}
	m.Watch(1, w, []domain.RoomHash{"a", "b"})
	m.Join(1, w, hashPtr("a"))
	m.Disconnect(1)
	if rooms, watched := m.Stats(); rooms != 0 || watched != 0 {
		t.Errorf("rooms=%d watched=%d after disconnect, want 0 0", rooms, watched)
	}
}

func TestBackpressure_ReportsDropped(t *testing.T) {
	m := NewRoomManager()
	a, slow := &fakeConn{}, &fakeConn{}
	m.Join(1, a, hashPtr("room"))
	m.Join(2, slow, hashPtr("room"))
	slow.full = true

	res := m.Relay(1, nil, "x")
	if res.SendTo != 0 || len(res.Dropped) != 1 || res.Dropped[0] != 2 {
		t.Errorf("result = %#v, want client 2 dropped", res)
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	m := NewRoomManager()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id domain.ClientID) {
			defer wg.Done()
			conn := &fakeConn{}
			m.Join(id, conn, hashPtr("busy"))
			m.Relay(id, nil, "hi")
			m.Disconnect(id)
		}(domain.ClientID(i))
	}
	wg.Wait()
	if rooms, _ := m.Stats(); rooms != 0 {
		t.Errorf("rooms = %d after everyone left, want 0", rooms)
	}
}
