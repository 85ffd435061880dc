package resource

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/peer"
	"github.com/dustin/go-humanize"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const progressEvery = 2 * time.Second

// FileSender provides a file. Every request gets its own data channel
// labelled with the resource id.
type FileSender struct {
	info domain.ProvideInfo
	path string
	log  zerolog.Logger
	open channelSet
}

// NewFileSender provides the file at path. An empty id picks a random one.
func NewFileSender(path, id string) (*FileSender, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("provide file: %w", err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("provide file: %s is a directory", path)
	}
	if id == "" {
		id = domain.NewResourceID()
	}
	name := filepath.Base(path)
	size := uint64(st.Size())
	return &FileSender{
		info: domain.ProvideInfo{ID: id, Kind: domain.KindFile, Label: &name, Size: &size},
		path: path,
		log:  log.With().Str("module", "resource.file").Str("resource_id", id).Logger(),
	}, nil
}

func (s *FileSender) Info() domain.ProvideInfo { return s.info }

func (s *FileSender) OnRequest(p *peer.Peer) error {
	dc, err := p.CreateDataChannel(s.info.ID)
	if err != nil {
		return fmt.Errorf("file channel: %w", err)
	}
	s.open.add(p.ID, dc)
	pm := newPump(dc)
	dc.OnClose(func() {
		pm.markClosed()
		s.open.remove(p.ID, dc)
	})
	dc.OnOpen(func() { go s.send(p.ID, dc, pm) })
	s.log.Info().Stringer("peer_id", p.ID).Msg("file requested")
	return nil
}

func (s *FileSender) send(to domain.ClientID, dc core.DataChannel, pm *pump) {
	logger := s.log.With().Stringer("peer_id", to).Logger()
	defer func() { _ = dc.Close() }()

	f, err := os.Open(s.path)
	if err != nil {
		logger.Error().Err(err).Msg("open file")
		return
	}
	defer f.Close()

	total := humanize.Bytes(*s.info.Size)
	last := time.Now()
	start := last
	sent, err := pm.copy(f, func(n int64) {
		if time.Since(last) < progressEvery {
			return
		}
		last = time.Now()
		logger.Info().Str("sent", humanize.Bytes(uint64(n))).Str("total", total).Msg("sending file")
	})
	if err != nil {
		logger.Warn().Err(err).Str("sent", humanize.Bytes(uint64(sent))).Msg("file transfer aborted")
		return
	}
	pm.drain()
	logger.Info().Str("size", humanize.Bytes(uint64(sent))).Dur("took", time.Since(start)).Msg("file sent")
}

// OnRequestStop closes the transfers to p.
func (s *FileSender) OnRequestStop(p *peer.Peer) {
	closeAll(s.open.take(p.ID))
}

// Transfers is the number of channels currently open.
func (s *FileSender) Transfers() int { return s.open.count() }

// Close aborts all transfers.
func (s *FileSender) Close() error {
	closeAll(s.open.takeAll())
	return nil
}

// Download receives a file channel into w.
type Download struct {
	Info domain.ProvideInfo

	w        io.Writer
	dc       core.DataChannel
	received atomic.Int64
	done     chan struct{}
	once     sync.Once
	err      error
	log      zerolog.Logger
}

// Receive starts writing the channel's chunks to w. It must be called
// before the channel delivers its first message, i.e. inside
// ResourceConnected.
func Receive(ch peer.TransportChannel, w io.Writer) (*Download, error) {
	if ch.Data == nil {
		return nil, fmt.Errorf("resource %s is not a data channel", ch.Info.ID)
	}
	d := &Download{
		Info: ch.Info,
		w:    w,
		dc:   ch.Data,
		done: make(chan struct{}),
		log:  log.With().Str("module", "resource.file").Str("resource_id", ch.Info.ID).Logger(),
	}
	ch.Data.OnMessage(d.onMessage)
	ch.Data.OnClose(func() { d.finish(ErrIncomplete) })
	return d, nil
}

func (d *Download) onMessage(m webrtc.DataChannelMessage) {
	if m.IsString {
		if string(m.Data) == endMarker {
			d.finish(nil)
			_ = d.dc.Close()
		}
		return
	}
	if _, err := d.w.Write(m.Data); err != nil {
		d.finish(fmt.Errorf("write: %w", err))
		_ = d.dc.Close()
		return
	}
	d.received.Add(int64(len(m.Data)))
}

func (d *Download) finish(err error) {
	d.once.Do(func() {
		d.err = err
		if err != nil {
			d.log.Warn().Err(err).Str("received", humanize.Bytes(uint64(d.Received()))).Msg("download failed")
		} else {
			d.log.Info().Str("size", humanize.Bytes(uint64(d.Received()))).Msg("download complete")
		}
		close(d.done)
	})
}

// Done is closed when the transfer ended; Err tells how.
func (d *Download) Done() <-chan struct{} { return d.done }

func (d *Download) Err() error {
	<-d.done
	return d.err
}

func (d *Download) Received() int64 { return d.received.Load() }
