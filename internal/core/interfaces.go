package core

import (
	"errors"

	"github.com/dkeye/Meet/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is one encoded clientbound packet.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks; a full buffer yields ErrBackpressure.
// SendBatch queues frames as one unit: it is refused only when the buffer
// is already full, never because the batch itself is large.
type SignalConnection interface {
	TrySend(Frame) error
	SendBatch([]Frame) error
	Close()
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []domain.ClientID
}

func (r *PublishResult) deliver(id domain.ClientID, conn SignalConnection, f Frame) {
	if err := conn.TrySend(f); err != nil {
		if errors.Is(err, ErrBackpressure) {
			r.Dropped = append(r.Dropped, id)
		}
		return
	}
	r.SendTo++
}

func (r *PublishResult) deliverBatch(id domain.ClientID, conn SignalConnection, fs []Frame) {
	if len(fs) == 0 {
		return
	}
	if err := conn.SendBatch(fs); err != nil {
		if errors.Is(err, ErrBackpressure) {
			r.Dropped = append(r.Dropped, id)
		}
		return
	}
	r.SendTo++
}

func (r *PublishResult) merge(o PublishResult) {
	r.SendTo += o.SendTo
	r.Dropped = append(r.Dropped, o.Dropped...)
}
