package resource

import (
	"slices"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// channelSet tracks the channels a resource opened, per requesting peer.
type channelSet struct {
	mu     sync.Mutex
	byPeer map[domain.ClientID][]core.DataChannel
}

func (s *channelSet) add(id domain.ClientID, dc core.DataChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byPeer == nil {
		s.byPeer = make(map[domain.ClientID][]core.DataChannel)
	}
	s.byPeer[id] = append(s.byPeer[id], dc)
}

func (s *channelSet) remove(id domain.ClientID, dc core.DataChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chs := slices.DeleteFunc(s.byPeer[id], func(c core.DataChannel) bool { return c == dc })
	if len(chs) == 0 {
		delete(s.byPeer, id)
		return
	}
	s.byPeer[id] = chs
}

// take removes and returns the channels of one peer.
func (s *channelSet) take(id domain.ClientID) []core.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	chs := s.byPeer[id]
	delete(s.byPeer, id)
	return chs
}

func (s *channelSet) takeAll() []core.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.DataChannel
	for _, chs := range s.byPeer {
		out = append(out, chs...)
	}
	s.byPeer = nil
	return out
}

func (s *channelSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, chs := range s.byPeer {
		n += len(chs)
	}
	return n
}

func closeAll(chs []core.DataChannel) {
	for _, dc := range chs {
		_ = dc.Close()
	}
}
