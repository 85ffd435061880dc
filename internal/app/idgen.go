package app

import (
	"sync/atomic"

	"github.com/dkeye/Meet/internal/domain"
)

// IDGenerator hands out client ids starting at 1. Zero is never a client.
type IDGenerator struct {
	last atomic.Uint64
}

func (g *IDGenerator) Next() domain.ClientID {
	return domain.ClientID(g.last.Add(1))
}
