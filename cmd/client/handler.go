package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/peer"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/dkeye/Meet/internal/resource"
	"github.com/dkeye/Meet/internal/session"
)

type resourceKey struct {
	peer domain.ClientID
	id   string
}

// handler logs session events and routes connected resources to whatever
// command requested them.
type handler struct {
	session.BaseHandler

	ctx  context.Context
	inst *session.Instance
	log  zerolog.Logger
	// chat lines go here, separate from the log
	out io.Writer

	mu         sync.Mutex
	pending    map[resourceKey]func(*peer.Peer, peer.TransportChannel)
	forwarders map[resourceKey]*resource.PortForwarder
	provided   map[string]io.Closer
}

func newHandler(ctx context.Context, out io.Writer) *handler {
	return &handler{
		ctx:        ctx,
		log:        log.With().Str("module", "client").Logger(),
		out:        out,
		pending:    make(map[resourceKey]func(*peer.Peer, peer.TransportChannel)),
		forwarders: make(map[resourceKey]*resource.PortForwarder),
		provided:   make(map[string]io.Closer),
	}
}

func (h *handler) PeerJoined(p *peer.Peer) {
	h.log.Info().Stringer("peer_id", p.ID).Msg("peer joined")
}

func (h *handler) PeerLeft(p *peer.Peer) {
	h.log.Info().Stringer("peer_id", p.ID).Str("username", p.Username()).Msg("peer left")
	h.forgetPeer(p.ID)
}

func (h *handler) PeerFailed(p *peer.Peer, err error) {
	h.log.Warn().Err(err).Stringer("peer_id", p.ID).Msg("peer failed")
	h.forgetPeer(p.ID)
}

func (h *handler) ResourceAdded(p *peer.Peer, info domain.ProvideInfo) {
	ev := h.log.Info().Stringer("peer_id", p.ID).Str("resource_id", info.ID).Str("kind", info.Kind)
	if info.Label != nil {
		ev = ev.Str("label", *info.Label)
	}
	if info.Size != nil {
		ev = ev.Str("size", humanize.IBytes(*info.Size))
	}
	ev.Msg("resource provided")
}

func (h *handler) ResourceRemoved(p *peer.Peer, id string) {
	h.log.Info().Stringer("peer_id", p.ID).Str("resource_id", id).Msg("resource withdrawn")
	key := resourceKey{p.ID, id}
	h.mu.Lock()
	fw := h.forwarders[key]
	delete(h.forwarders, key)
	delete(h.pending, key)
	h.mu.Unlock()
	if fw != nil {
		_ = fw.Close()
	}
}

// ResourceConnected runs on the transport's callback goroutine, consumers
// must not block it.
func (h *handler) ResourceConnected(p *peer.Peer, ch peer.TransportChannel) {
	key := resourceKey{p.ID, ch.Info.ID}
	h.mu.Lock()
	fw := h.forwarders[key]
	fn := h.pending[key]
	delete(h.pending, key)
	h.mu.Unlock()

	switch {
	case fw != nil:
		fw.Attach(ch)
	case fn != nil:
		fn(p, ch)
	default:
		h.log.Warn().Stringer("peer_id", p.ID).Str("resource_id", ch.Info.ID).Msg("unrequested resource, closing")
		if ch.Data != nil {
			_ = ch.Data.Close()
		}
		if ch.Track != nil {
			_ = ch.Track.Stop()
		}
	}
}

func (h *handler) RelayObserved(from domain.ClientID, m protocol.RelayMessage) {
	chat, ok := m.(protocol.Chat)
	if !ok {
		return
	}
	name := from.String()
	if p, ok := h.inst.Peer(from); ok && p.Username() != "" {
		name = p.Username()
	}
	switch {
	case chat.Text != nil:
		fmt.Fprintf(h.out, "[%s] %s\n", name, *chat.Text)
	case chat.Image != nil:
		fmt.Fprintf(h.out, "[%s] sent an image (%s)\n", name, humanize.Bytes(uint64(len(*chat.Image))))
	}
}

func (h *handler) RoomInfo(info domain.RoomInfo) {
	h.log.Info().Str("room", string(info.Hash)).Int("users", info.UserCount).Msg("room occupancy")
}

func (h *handler) lookupPeer(arg string) (*peer.Peer, error) {
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad peer id %q", arg)
	}
	p, ok := h.inst.Peer(domain.ClientID(n))
	if !ok {
		return nil, fmt.Errorf("no peer %s", arg)
	}
	return p, nil
}

// request registers fn for the next channel of id from p and asks for it.
func (h *handler) request(p *peer.Peer, id, kind string, fn func(*peer.Peer, peer.TransportChannel)) error {
	info, ok := p.RemoteResource(id)
	if !ok {
		return session.ErrResourceNotFound
	}
	if info.Kind != kind {
		return fmt.Errorf("resource %s is a %s, not a %s", id, info.Kind, kind)
	}
	key := resourceKey{p.ID, id}
	h.mu.Lock()
	h.pending[key] = fn
	h.mu.Unlock()
	if err := p.RequestResource(id); err != nil {
		h.mu.Lock()
		delete(h.pending, key)
		h.mu.Unlock()
		return err
	}
	return nil
}

func (h *handler) download(p *peer.Peer, id, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	start := time.Now()
	err = h.request(p, id, domain.KindFile, func(p *peer.Peer, ch peer.TransportChannel) {
		d, err := resource.Receive(ch, f)
		if err != nil {
			h.log.Warn().Err(err).Str("resource_id", id).Msg("download")
			_ = f.Close()
			return
		}
		go func() {
			err := d.Err()
			_ = f.Close()
			if err != nil {
				h.log.Warn().Err(err).Str("path", path).Str("received", humanize.IBytes(uint64(d.Received()))).Msg("download failed")
				return
			}
			h.log.Info().Str("path", path).Str("size", humanize.IBytes(uint64(d.Received()))).
				Dur("took", time.Since(start)).Msg("download complete")
		}()
	})
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
	}
	return err
}

func (h *handler) forward(p *peer.Peer, id, addr string) (*resource.PortForwarder, error) {
	key := resourceKey{p.ID, id}
	h.mu.Lock()
	_, exists := h.forwarders[key]
	h.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("already forwarding %s", id)
	}
	fw, err := resource.NewPortForwarder(p, id, addr)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.forwarders[key] = fw
	h.mu.Unlock()
	return fw, nil
}

func (h *handler) export(p *peer.Peer, id, path string, pli time.Duration) error {
	return h.request(p, id, domain.KindTrack, func(p *peer.Peer, ch peer.TransportChannel) {
		if ch.Track == nil {
			h.log.Warn().Str("resource_id", id).Msg("export: not a track")
			return
		}
		w, err := resource.NewFileWriter(path, ch.Track.Codec())
		if err != nil {
			h.log.Warn().Err(err).Str("resource_id", id).Msg("export")
			_ = ch.Track.Stop()
			return
		}
		sink, err := resource.NewTrackSink(ch, w, pli)
		if err != nil {
			_ = w.Close()
			return
		}
		go func() {
			if err := sink.Run(h.ctx); err != nil {
				h.log.Warn().Err(err).Str("path", path).Msg("export failed")
				return
			}
			h.log.Info().Str("path", path).Int64("packets", sink.Packets()).Msg("export finished")
		}()
	})
}

// relay re-provides a remote track to the room under a new id.
func (h *handler) relay(p *peer.Peer, id, label string) error {
	return h.request(p, id, domain.KindTrack, func(p *peer.Peer, ch peer.TransportChannel) {
		if ch.Track == nil {
			return
		}
		r := resource.NewTrackRelay(ch.Track, "", label)
		r.Start(h.ctx)
		// Providing sends to every peer, keep it off the transport callback.
		go func() {
			if err := h.provide(r); err != nil {
				h.log.Warn().Err(err).Msg("relay provide")
				_ = r.Close()
			}
		}()
	})
}

type closableResource interface {
	peer.LocalResource
	io.Closer
}

func (h *handler) provide(r closableResource) error {
	if err := h.inst.AddLocalResource(r); err != nil {
		return err
	}
	h.mu.Lock()
	h.provided[r.Info().ID] = r
	h.mu.Unlock()
	h.log.Info().Str("resource_id", r.Info().ID).Str("kind", r.Info().Kind).Msg("providing")
	return nil
}

// unprovide withdraws id, the session closes it.
func (h *handler) unprovide(id string) error {
	h.mu.Lock()
	delete(h.provided, id)
	h.mu.Unlock()
	return h.inst.RemoveLocalResource(id)
}

// setMuted pauses or resumes a relayed track this client provides.
func (h *handler) setMuted(id string, muted bool) error {
	h.mu.Lock()
	c, ok := h.provided[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no local resource %q", id)
	}
	r, ok := c.(*resource.TrackRelay)
	if !ok {
		return fmt.Errorf("%q is not a relayed track", id)
	}
	r.SetMuted(muted)
	h.log.Info().Str("resource_id", id).Bool("muted", muted).Msg("relay mute")
	return nil
}

// stop tears down a consumed resource.
func (h *handler) stop(p *peer.Peer, id string) error {
	key := resourceKey{p.ID, id}
	h.mu.Lock()
	fw := h.forwarders[key]
	delete(h.forwarders, key)
	h.mu.Unlock()
	if fw != nil {
		_ = fw.Close()
	}
	return p.RequestStopResource(id)
}

func (h *handler) forgetPeer(id domain.ClientID) {
	h.mu.Lock()
	var fws []*resource.PortForwarder
	for k, fw := range h.forwarders {
		if k.peer == id {
			fws = append(fws, fw)
			delete(h.forwarders, k)
		}
	}
	for k := range h.pending {
		if k.peer == id {
			delete(h.pending, k)
		}
	}
	h.mu.Unlock()
	for _, fw := range fws {
		_ = fw.Close()
	}
}

func (h *handler) close() {
	h.mu.Lock()
	fws := h.forwarders
	provided := h.provided
	h.forwarders = make(map[resourceKey]*resource.PortForwarder)
	h.provided = make(map[string]io.Closer)
	h.mu.Unlock()
	for _, fw := range fws {
		_ = fw.Close()
	}
	for _, c := range provided {
		_ = c.Close()
	}
}
