package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/peer"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// RTPWriter is implemented by the pion media writers.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// NewFileWriter picks a container for codec: Annex B for H264, IVF for
// VP8 and Ogg for Opus.
func NewFileWriter(path string, codec webrtc.RTPCodecParameters) (RTPWriter, error) {
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeH264):
		w, err := h264writer.New(path)
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		w, err := ivfwriter.New(path)
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		w, err := oggwriter.New(path, codec.ClockRate, codec.Channels)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("no container for %s", codec.MimeType)
}

// TrackSink exports a remote track into an RTPWriter.
type TrackSink struct {
	track   core.RemoteTrack
	w       RTPWriter
	pli     time.Duration
	packets atomic.Int64
	log     zerolog.Logger
}

// NewTrackSink consumes ch, which must carry a track. With pliInterval > 0
// the sender is asked for a keyframe that often.
func NewTrackSink(ch peer.TransportChannel, w RTPWriter, pliInterval time.Duration) (*TrackSink, error) {
	if ch.Track == nil {
		return nil, fmt.Errorf("resource %s is not a track", ch.Info.ID)
	}
	return &TrackSink{
		track: ch.Track,
		w:     w,
		pli:   pliInterval,
		log:   log.With().Str("module", "resource.track").Str("resource_id", ch.Info.ID).Logger(),
	}, nil
}

// Run copies packets until the track ends or ctx is cancelled, then closes
// the writer.
func (s *TrackSink) Run(ctx context.Context) error {
	defer func() {
		if err := s.w.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close writer")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	// Stopping the track unblocks ReadRTP.
	g.Go(func() error {
		<-ctx.Done()
		_ = s.track.Stop()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		for {
			pkt, err := s.track.ReadRTP()
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					s.log.Info().Int64("packets", s.Packets()).Msg("track ended")
					return nil
				}
				return fmt.Errorf("read rtp: %w", err)
			}
			if err := s.w.WriteRTP(pkt); err != nil {
				return fmt.Errorf("write rtp: %w", err)
			}
			s.packets.Add(1)
		}
	})
	if s.pli > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.pli)
			defer ticker.Stop()
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(s.track.SSRC())}}
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.log.Debug().Msg("sending pli")
					if err := s.track.WriteRTCP(pli); err != nil {
						s.log.Debug().Err(err).Msg("pli failed, stopping")
						return nil
					}
				}
			}
		})
	}
	return g.Wait()
}

// Packets is the number of RTP packets written so far.
func (s *TrackSink) Packets() int64 { return s.packets.Load() }
