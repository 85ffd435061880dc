package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

type clientEntry struct {
	Conn      core.SignalConnection
	Cancel    context.CancelFunc
	Connected time.Time
}

// Registry holds every live signaling connection of the server process.
// It is constructed once in main and passed down.
type Registry struct {
	ids     IDGenerator
	mu      sync.RWMutex
	clients map[domain.ClientID]*clientEntry
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[domain.ClientID]*clientEntry)}
}

// Bind assigns a fresh client id to conn.
func (r *Registry) Bind(conn core.SignalConnection, cancel context.CancelFunc) domain.ClientID {
	id := r.ids.Next()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = &clientEntry{Conn: conn, Cancel: cancel, Connected: time.Now()}
	log.Info().Str("module", "app.registry").Stringer("client_id", id).Msg("bound client")
	return id
}

// Unbind forgets id and reports how long it was connected.
func (r *Registry) Unbind(id domain.ClientID) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return 0
	}
	delete(r.clients, id)
	log.Info().Str("module", "app.registry").Stringer("client_id", id).Msg("unbind client")
	return time.Since(e.Connected)
}

// Cancel stops the connection's pumps. Cleanup follows from the read pump exiting.
func (r *Registry) Cancel(id domain.ClientID) bool {
	r.mu.RLock()
	e, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Stringer("client_id", id).Msg("canceled client")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
