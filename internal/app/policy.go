package app

import "github.com/dkeye/Meet/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickClient
)

type Policy interface {
	OnBackPressure(id domain.ClientID) BackpressureAction
}

// SimplePolicy disconnects any client whose send buffer is full.
// A client that misses membership notices would hold a wrong room view.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ClientID) BackpressureAction {
	return KickClient
}
