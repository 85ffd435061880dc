package peer

import (
	"errors"
	"fmt"
)

var (
	ErrNegotiationTimeout = errors.New("no answer within the negotiation timeout")
	ErrPeerClosed         = errors.New("peer closed")
	ErrResourceNotFound   = errors.New("resource not found")
)

// NegotiationError is fatal to the peer it was raised for.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation: %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
