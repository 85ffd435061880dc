package resource

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/peer"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TrackRelay provides a track received from one peer to all others. Each
// subscriber gets its own local track fed from a single read loop.
type TrackRelay struct {
	info domain.ProvideInfo
	src  core.RemoteTrack
	log  zerolog.Logger

	mu        sync.RWMutex
	outTracks map[domain.ClientID]*outTrack
	muted     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTrackRelay wraps src. An empty id picks a random one. Start must be
// called before the relay is provided.
func NewTrackRelay(src core.RemoteTrack, id, label string) *TrackRelay {
	if id == "" {
		id = domain.NewResourceID()
	}
	kind := domain.TrackVideo
	if src.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.TrackAudio
	}
	info := domain.ProvideInfo{ID: id, Kind: domain.KindTrack, TrackKind: &kind}
	if label != "" {
		info.Label = &label
	}
	return &TrackRelay{
		info:      info,
		src:       src,
		log:       log.With().Str("module", "resource.track").Str("resource_id", id).Logger(),
		outTracks: make(map[domain.ClientID]*outTrack),
		done:      make(chan struct{}),
	}
}

func (r *TrackRelay) Info() domain.ProvideInfo { return r.info }

// Start runs the read loop until ctx ends, Close is called or the source
// track ends.
func (r *TrackRelay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.log.Info().Str("codec", r.src.Codec().MimeType).Msg("starting relay loop")
	go r.loop(ctx)
}

// Done is closed when the read loop stopped.
func (r *TrackRelay) Done() <-chan struct{} { return r.done }

// loop reads RTP packets from the source track and forwards them to all outTracks.
func (r *TrackRelay) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := r.src.ReadRTP()
		if err != nil {
			r.log.Info().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt)
	}
}

func (r *TrackRelay) forward(pkt *rtp.Packet) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []domain.ClientID
	for dst, ot := range snapshot {
		switch ot.State() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				r.log.Error().
					Err(err).
					Stringer("peer_id", dst).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.markDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *TrackRelay) cleanupDeleted(dirty []domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.State() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *TrackRelay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.markDelete()
	}
}

// OnRequest adds a local copy of the track to p's connection. The stream id
// is the resource id so the remote can match it.
func (r *TrackRelay) OnRequest(p *peer.Peer) error {
	local, err := webrtc.NewTrackLocalStaticRTP(r.src.Codec().RTPCodecCapability, r.src.ID(), r.info.ID)
	if err != nil {
		return fmt.Errorf("relay track: %w", err)
	}
	sender, err := p.AddTrack(local)
	if err != nil {
		return fmt.Errorf("relay track: %w", err)
	}
	ot := &outTrack{track: local, sender: sender}

	r.mu.Lock()
	if r.muted {
		ot.markMuted()
	}
	old := r.outTracks[p.ID]
	r.outTracks[p.ID] = ot
	r.mu.Unlock()
	if old != nil {
		old.markDelete()
		if old.sender != nil {
			_ = p.RemoveTrack(old.sender)
		}
	}

	r.log.Info().Stringer("peer_id", p.ID).Msg("subscriber added")
	r.RequestKeyframe()
	return nil
}

func (r *TrackRelay) OnRequestStop(p *peer.Peer) {
	r.mu.Lock()
	ot, ok := r.outTracks[p.ID]
	delete(r.outTracks, p.ID)
	r.mu.Unlock()
	if !ok {
		return
	}
	ot.markDelete()
	if ot.sender != nil {
		if err := p.RemoveTrack(ot.sender); err != nil {
			r.log.Warn().Err(err).Stringer("peer_id", p.ID).Msg("remove track")
		}
	}
	r.log.Info().Stringer("peer_id", p.ID).Msg("subscriber removed")
}

// RequestKeyframe asks the source for a picture loss recovery, so a new
// subscriber does not wait for the next keyframe.
func (r *TrackRelay) RequestKeyframe() {
	if r.src.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(r.src.SSRC())}
	if err := r.src.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		r.log.Debug().Err(err).Msg("send PLI")
	}
}

// SetMuted pauses or resumes forwarding to every subscriber.
func (r *TrackRelay) SetMuted(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = muted
	for _, ot := range r.outTracks {
		if muted {
			ot.markMuted()
		} else {
			ot.markOk()
		}
	}
}

// Subscribers is the number of peers receiving the track.
func (r *TrackRelay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

func (r *TrackRelay) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.markAllDelete()
	return nil
}
