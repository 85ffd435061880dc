package resource

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/peer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const dialTimeout = 5 * time.Second

// PortExposer provides a local TCP port. Each request is one TCP
// connection to 127.0.0.1:port, carried over its own data channel.
type PortExposer struct {
	info domain.ProvideInfo
	addr string
	log  zerolog.Logger
	open channelSet
}

func NewPortExposer(port int, id string) (*PortExposer, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	if id == "" {
		id = "p" + strconv.Itoa(port)
	}
	label := fmt.Sprintf("port %d", port)
	return &PortExposer{
		info: domain.ProvideInfo{ID: id, Kind: domain.KindPort, Label: &label},
		addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		log:  log.With().Str("module", "resource.port").Str("resource_id", id).Logger(),
	}, nil
}

func (e *PortExposer) Info() domain.ProvideInfo { return e.info }

func (e *PortExposer) OnRequest(p *peer.Peer) error {
	dc, err := p.CreateDataChannel(e.info.ID)
	if err != nil {
		return fmt.Errorf("port channel: %w", err)
	}
	logger := e.log.With().Stringer("peer_id", p.ID).Logger()
	e.open.add(p.ID, dc)
	sp := newSplice(dc, logger)
	// newSplice took OnClose; chain the bookkeeping behind it.
	dc.OnClose(func() {
		sp.onClose()
		e.open.remove(p.ID, dc)
	})
	dc.OnOpen(func() {
		go func() {
			conn, err := net.DialTimeout("tcp", e.addr, dialTimeout)
			if err != nil {
				logger.Warn().Err(err).Str("addr", e.addr).Msg("upstream connect failed")
				_ = dc.Close()
				return
			}
			logger.Info().Str("addr", e.addr).Msg("forwarding connection")
			sp.attach(conn)
		}()
	})
	return nil
}

func (e *PortExposer) OnRequestStop(p *peer.Peer) {
	closeAll(e.open.take(p.ID))
}

func (e *PortExposer) Close() error {
	closeAll(e.open.takeAll())
	return nil
}

// PortForwarder listens locally and tunnels every accepted connection to a
// port the remote exposes. Channels for the resource must be handed to
// Attach from ResourceConnected.
type PortForwarder struct {
	peer *peer.Peer
	id   string
	ln   net.Listener
	log  zerolog.Logger

	mu      sync.Mutex
	waiting []net.Conn
	closed  bool
}

// NewPortForwarder starts listening on addr, e.g. "127.0.0.1:0".
func NewPortForwarder(p *peer.Peer, id, addr string) (*PortForwarder, error) {
	info, ok := p.RemoteResource(id)
	if !ok {
		return nil, peer.ErrResourceNotFound
	}
	if info.Kind != domain.KindPort {
		return nil, fmt.Errorf("resource %s is a %s, not a port", id, info.Kind)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("forward listen: %w", err)
	}
	f := &PortForwarder{
		peer: p,
		id:   id,
		ln:   ln,
		log:  log.With().Str("module", "resource.port").Str("resource_id", id).Stringer("peer_id", p.ID).Logger(),
	}
	f.log.Info().Str("addr", ln.Addr().String()).Msg("forwarder listening")
	go f.accept()
	return f, nil
}

func (f *PortForwarder) Addr() net.Addr { return f.ln.Addr() }

func (f *PortForwarder) accept() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			f.log.Debug().Err(err).Msg("forwarder stopped")
			return
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			_ = conn.Close()
			return
		}
		f.waiting = append(f.waiting, conn)
		f.mu.Unlock()

		f.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("new local connection")
		if err := f.peer.RequestResource(f.id); err != nil {
			f.log.Warn().Err(err).Msg("request port")
			f.drop(conn)
		}
	}
}

func (f *PortForwarder) drop(conn net.Conn) {
	f.mu.Lock()
	for i, c := range f.waiting {
		if c == conn {
			f.waiting = append(f.waiting[:i], f.waiting[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	_ = conn.Close()
}

// Attach pairs a channel the remote opened with the oldest waiting local
// connection. It reports false when the channel is not ours.
func (f *PortForwarder) Attach(ch peer.TransportChannel) bool {
	if ch.Data == nil || ch.Info.ID != f.id {
		return false
	}
	f.mu.Lock()
	if len(f.waiting) == 0 {
		f.mu.Unlock()
		f.log.Warn().Msg("channel without a waiting connection, closing")
		_ = ch.Data.Close()
		return true
	}
	conn := f.waiting[0]
	f.waiting = f.waiting[1:]
	f.mu.Unlock()

	newSplice(ch.Data, f.log).attach(conn)
	return true
}

func (f *PortForwarder) Close() error {
	f.mu.Lock()
	f.closed = true
	waiting := f.waiting
	f.waiting = nil
	f.mu.Unlock()
	for _, c := range waiting {
		_ = c.Close()
	}
	return f.ln.Close()
}
