package core

import (
	"slices"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

// RoomManager is the room registry shared by all connections. Every
// operation takes the membership lock once, so a join racing the last
// leave of the same room either sees the old room or creates a new one.
// Lock order: mu before wmu.
type RoomManager struct {
	mu       sync.RWMutex
	rooms    map[domain.RoomHash]*room
	memberOf map[domain.ClientID]domain.RoomHash

	wmu      sync.RWMutex
	watches  map[domain.RoomHash]map[domain.ClientID]SignalConnection
	watching map[domain.ClientID][]domain.RoomHash
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:    make(map[domain.RoomHash]*room),
		memberOf: make(map[domain.ClientID]domain.RoomHash),
		watches:  make(map[domain.RoomHash]map[domain.ClientID]SignalConnection),
		watching: make(map[domain.ClientID][]domain.RoomHash),
	}
}

// encode only fails for packet types this package never builds.
func encode(p protocol.ClientboundPacket) Frame {
	b, err := protocol.EncodeClientbound(p)
	if err != nil {
		panic(err)
	}
	return b
}

// Join leaves the current room, if any, and enters hash. A nil hash only leaves.
// The joiner gets one ClientJoin per existing member, queued as a single
// batch before the lock is released, so no relay from those members can
// overtake the snapshot and a large room cannot overflow the joiner.
func (m *RoomManager) Join(id domain.ClientID, conn SignalConnection, hash *domain.RoomHash) PublishResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.leaveLocked(id)
	if hash == nil {
		return res
	}
	r, ok := m.rooms[*hash]
	if !ok {
		r = newRoom(*hash)
		m.rooms[*hash] = r
		log.Debug().Str("module", "core.room").Str("room", string(*hash)).Msg("room created")
	}
	r.members[id] = conn
	m.memberOf[id] = *hash

	res.merge(m.notifyWatchers(r))
	res.merge(r.broadcast(id, encode(protocol.ClientJoin{ID: id})))
	snapshot := make([]Frame, 0, len(r.members)-1)
	for other := range r.members {
		if other != id {
			snapshot = append(snapshot, encode(protocol.ClientJoin{ID: other}))
		}
	}
	res.deliverBatch(id, conn, snapshot)
	log.Info().Str("module", "core.room").Str("room", string(*hash)).
		Stringer("client_id", id).Int("members", len(r.members)).Msg("member joined")
	return res
}

func (m *RoomManager) Leave(id domain.ClientID) PublishResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(id)
}

func (m *RoomManager) leaveLocked(id domain.ClientID) PublishResult {
	hash, ok := m.memberOf[id]
	if !ok {
		return PublishResult{}
	}
	delete(m.memberOf, id)
	r, ok := m.rooms[hash]
	if !ok {
		return PublishResult{}
	}
	delete(r.members, id)

	res := r.broadcast(id, encode(protocol.ClientLeave{ID: id}))
	res.merge(m.notifyWatchers(r))
	log.Info().Str("module", "core.room").Str("room", string(hash)).
		Stringer("client_id", id).Int("members", len(r.members)).Msg("member left")
	if len(r.members) == 0 {
		delete(m.rooms, hash)
		log.Debug().Str("module", "core.room").Str("room", string(hash)).Msg("room removed")
	}
	return res
}

// Relay forwards an opaque message from a room member. A nil recipient
// broadcasts to the other members; a recipient outside the room is dropped.
func (m *RoomManager) Relay(from domain.ClientID, recipient *domain.ClientID, message string) PublishResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, ok := m.memberOf[from]
	if !ok {
		return PublishResult{}
	}
	r := m.rooms[hash]
	f := encode(protocol.Message{Sender: from, Message: message})
	if recipient != nil {
		return r.sendTo(*recipient, f)
	}
	return r.broadcast(from, f)
}

// notifyWatchers must be called with mu held.
func (m *RoomManager) notifyWatchers(r *room) PublishResult {
	m.wmu.RLock()
	defer m.wmu.RUnlock()
	var res PublishResult
	watchers := m.watches[r.hash]
	if len(watchers) == 0 {
		return res
	}
	f := encode(protocol.RoomInfo(r.info()))
	for id, conn := range watchers {
		res.deliver(id, conn, f)
	}
	return res
}

// Watch replaces the watch list of id. Rooms that currently exist are
// reported right away; the rest are reported on their first join.
func (m *RoomManager) Watch(id domain.ClientID, conn SignalConnection, hashes []domain.RoomHash) PublishResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.wmu.Lock()
	defer m.wmu.Unlock()

	hashes = slices.Clone(hashes)
	slices.Sort(hashes)
	hashes = slices.Compact(hashes)

	m.unwatchLocked(id)
	var res PublishResult
	for _, h := range hashes {
		set, ok := m.watches[h]
		if !ok {
			set = make(map[domain.ClientID]SignalConnection)
			m.watches[h] = set
		}
		set[id] = conn
		if r, ok := m.rooms[h]; ok {
			res.deliver(id, conn, encode(protocol.RoomInfo(r.info())))
		}
	}
	if len(hashes) > 0 {
		m.watching[id] = hashes
	}
	log.Debug().Str("module", "core.room").Stringer("client_id", id).Int("rooms", len(hashes)).Msg("watch list replaced")
	return res
}

func (m *RoomManager) unwatchLocked(id domain.ClientID) {
	for _, h := range m.watching[id] {
		set := m.watches[h]
		delete(set, id)
		if len(set) == 0 {
			delete(m.watches, h)
		}
	}
	delete(m.watching, id)
}

// Disconnect drops every trace of id: its watches first, so it is not told
// about its own departure, then its membership.
func (m *RoomManager) Disconnect(id domain.ClientID) PublishResult {
	m.wmu.Lock()
	m.unwatchLocked(id)
	m.wmu.Unlock()
	return m.Leave(id)
}

// Stats returns the number of live rooms and watched hashes.
func (m *RoomManager) Stats() (rooms, watched int) {
	m.mu.RLock()
	rooms = len(m.rooms)
	m.mu.RUnlock()
	m.wmu.RLock()
	watched = len(m.watches)
	m.wmu.RUnlock()
	return rooms, watched
}
