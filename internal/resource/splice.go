package resource

import (
	"net"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// splice joins a data channel and a TCP connection. Each side signals its
// EOF with the end marker; the channel closes once both sides are done.
// Messages arriving before the connection is attached are held back.
type splice struct {
	dc   core.DataChannel
	pump *pump
	log  zerolog.Logger

	mu        sync.Mutex
	conn      net.Conn
	pending   [][]byte
	remoteEOF bool

	remoteDone chan struct{}
	doneOnce   sync.Once
}

func newSplice(dc core.DataChannel, logger zerolog.Logger) *splice {
	s := &splice{
		dc:         dc,
		pump:       newPump(dc),
		log:        logger,
		remoteDone: make(chan struct{}),
	}
	dc.OnMessage(s.onMessage)
	dc.OnClose(s.onClose)
	return s
}

func (s *splice) onMessage(m webrtc.DataChannelMessage) {
	s.mu.Lock()
	if m.IsString {
		if string(m.Data) == endMarker {
			s.remoteEOF = true
			if s.conn != nil {
				closeWrite(s.conn)
			}
			s.doneOnce.Do(func() { close(s.remoteDone) })
		}
		s.mu.Unlock()
		return
	}
	if s.conn == nil {
		s.pending = append(s.pending, append([]byte(nil), m.Data...))
		s.mu.Unlock()
		return
	}
	_, err := s.conn.Write(m.Data)
	s.mu.Unlock()
	if err != nil {
		s.log.Debug().Err(err).Msg("tcp write")
		_ = s.dc.Close()
	}
}

func (s *splice) onClose() {
	s.pump.markClosed()
	s.doneOnce.Do(func() { close(s.remoteDone) })
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// attach hands over the TCP side and starts copying it into the channel.
func (s *splice) attach(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	for _, b := range s.pending {
		if _, err := conn.Write(b); err != nil {
			s.log.Debug().Err(err).Msg("tcp write")
			break
		}
	}
	s.pending = nil
	if s.remoteEOF {
		closeWrite(conn)
	}
	s.mu.Unlock()

	go s.upstream(conn)
}

func (s *splice) upstream(conn net.Conn) {
	defer func() {
		_ = s.dc.Close()
		_ = conn.Close()
	}()
	sent, err := s.pump.copy(conn, nil)
	if err != nil {
		s.log.Debug().Err(err).Int64("sent", sent).Msg("tcp to channel stopped")
		return
	}
	s.pump.drain()
	<-s.remoteDone
	s.log.Debug().Int64("sent", sent).Msg("connection finished")
}

func closeWrite(conn net.Conn) {
	if tc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = tc.CloseWrite()
		return
	}
	_ = conn.Close()
}
