package core

import (
	"github.com/dkeye/Meet/internal/domain"
)

// room is a member set keyed by client id. It is guarded by RoomManager.mu
// and never closes adapter-owned connections.
type room struct {
	hash    domain.RoomHash
	members map[domain.ClientID]SignalConnection
}

func newRoom(hash domain.RoomHash) *room {
	return &room{hash: hash, members: make(map[domain.ClientID]SignalConnection)}
}

func (r *room) info() domain.RoomInfo {
	return domain.RoomInfo{Hash: r.hash, UserCount: len(r.members)}
}

// broadcast sends f to every member except from. A zero from reaches everyone.
func (r *room) broadcast(from domain.ClientID, f Frame) PublishResult {
	var res PublishResult
	for id, conn := range r.members {
		if id == from {
			continue
		}
		res.deliver(id, conn, f)
	}
	return res
}

func (r *room) sendTo(to domain.ClientID, f Frame) PublishResult {
	var res PublishResult
	if conn, ok := r.members[to]; ok {
		res.deliver(to, conn, f)
	}
	return res
}
