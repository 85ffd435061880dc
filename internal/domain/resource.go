package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Resource kinds understood by the built-in resources. ProvideInfo.Kind stays
// a free-form string so unknown kinds from newer peers pass through.
const (
	KindTrack = "track"
	KindFile  = "file"
	KindPort  = "port"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

func (k *TrackKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch TrackKind(s) {
	case TrackAudio, TrackVideo:
		*k = TrackKind(s)
		return nil
	}
	return fmt.Errorf("unknown track kind %q", s)
}

// ProvideInfo describes a resource a peer offers.
type ProvideInfo struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	TrackKind *TrackKind `json:"track_kind"`
	Label     *string    `json:"label"`
	Size      *uint64    `json:"size"`
}

// NewResourceID returns a random resource id. Ids only need to be unique per peer.
func NewResourceID() string {
	return uuid.NewString()
}

// LabelOr returns the label or fallback when none was announced.
func (p ProvideInfo) LabelOr(fallback string) string {
	if p.Label == nil {
		return fallback
	}
	return *p.Label
}

// ResourceState is the consumer-side connection state of a remote resource.
type ResourceState int

const (
	ResourceAvailable ResourceState = iota
	ResourceConnecting
	ResourceConnected
	ResourceDisconnecting
)

func (s ResourceState) String() string {
	switch s {
	case ResourceAvailable:
		return "available"
	case ResourceConnecting:
		return "connecting"
	case ResourceConnected:
		return "connected"
	case ResourceDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("ResourceState(%d)", int(s))
}
