package resource

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// outTrack is the copy of a relayed track sent to one subscriber.
type outTrack struct {
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	state  atomic.Int32 // TrackStateOk when zero
}

func (ot *outTrack) State() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *outTrack) markOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *outTrack) markMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *outTrack) markDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
