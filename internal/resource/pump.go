// Package resource holds the built-in resources: files, forwarded TCP ports
// and relayed media tracks.
package resource

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
)

const (
	chunkSize = 32 << 10
	// Sending pauses above highWater and resumes once the buffer drained
	// below lowWater.
	highWater = 1 << 20
	lowWater  = 256 << 10

	sendTimeout  = 30 * time.Second
	drainTimeout = 10 * time.Second

	// endMarker is sent as a text frame after the last chunk.
	endMarker = "end"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrSendTimeout   = errors.New("buffer not draining")
	ErrIncomplete    = errors.New("channel closed before end of stream")
)

// pump writes a stream into a data channel without queueing more than
// highWater bytes. The owner must call markClosed from the channel's
// close handler.
type pump struct {
	dc     core.DataChannel
	low    chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newPump(dc core.DataChannel) *pump {
	p := &pump{
		dc:     dc,
		low:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	dc.SetBufferedAmountLowThreshold(lowWater)
	dc.OnBufferedAmountLow(func() {
		select {
		case p.low <- struct{}{}:
		default:
		}
	})
	return p
}

func (p *pump) markClosed() {
	p.once.Do(func() { close(p.closed) })
}

func (p *pump) waitForWindow() error {
	for p.dc.BufferedAmount() >= highWater {
		select {
		case <-p.low:
		case <-p.closed:
			return ErrChannelClosed
		case <-time.After(sendTimeout):
			return ErrSendTimeout
		}
	}
	return nil
}

// copy sends r chunk by chunk followed by the end marker. progress, if set,
// is called with the running total after every chunk.
func (p *pump) copy(r io.Reader, progress func(sent int64)) (int64, error) {
	buf := make([]byte, chunkSize)
	var sent int64
	for {
		if err := p.waitForWindow(); err != nil {
			return sent, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if serr := p.dc.Send(buf[:n]); serr != nil {
				return sent, serr
			}
			sent += int64(n)
			if progress != nil {
				progress(sent)
			}
		}
		if errors.Is(err, io.EOF) {
			return sent, p.dc.SendText(endMarker)
		}
		if err != nil {
			return sent, err
		}
	}
}

// drain waits until everything queued went out, so closing the channel does
// not cut the tail of the stream.
func (p *pump) drain() {
	deadline := time.Now().Add(drainTimeout)
	for p.dc.BufferedAmount() > 0 && time.Now().Before(deadline) {
		select {
		case <-p.closed:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
