package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/webrtc/v4"
)

// RelayMessage is the end-to-end encrypted payload exchanged between peers.
type RelayMessage interface{ relayMessage() }

type Identify struct {
	Username string `json:"username"`
}

type Provide domain.ProvideInfo

type ProvideStop struct {
	ID string `json:"id"`
}

type Request struct {
	ID string `json:"id"`
}

type RequestStop struct {
	ID string `json:"id"`
}

// Offer and Answer carry a bare SDP string.
type (
	Offer  string
	Answer string
)

type IceCandidate webrtc.ICECandidateInit

// Chat is either a text or an image (data url) message.
type Chat struct {
	Text  *string
	Image *string
}

func (Identify) relayMessage()     {}
func (Provide) relayMessage()      {}
func (ProvideStop) relayMessage()  {}
func (Request) relayMessage()      {}
func (RequestStop) relayMessage()  {}
func (Offer) relayMessage()        {}
func (Answer) relayMessage()       {}
func (IceCandidate) relayMessage() {}
func (Chat) relayMessage()         {}

func EncodeRelay(m RelayMessage) ([]byte, error) {
	switch m := m.(type) {
	case Identify:
		return encodeTagged("identify", m)
	case Provide:
		return encodeTagged("provide", m)
	case ProvideStop:
		return encodeTagged("provide_stop", m)
	case Request:
		return encodeTagged("request", m)
	case RequestStop:
		return encodeTagged("request_stop", m)
	case Offer:
		return encodeTagged("offer", string(m))
	case Answer:
		return encodeTagged("answer", string(m))
	case IceCandidate:
		return encodeTagged("ice_candidate", webrtc.ICECandidateInit(m))
	case Chat:
		body, err := m.encode()
		if err != nil {
			return nil, err
		}
		return encodeTagged("chat", body)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownVariant, m)
}

func DecodeRelay(data []byte) (RelayMessage, error) {
	tag, body, err := decodeTagged(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "identify":
		return decodeInto[Identify, RelayMessage](tag, body)
	case "provide":
		return decodeInto[Provide, RelayMessage](tag, body)
	case "provide_stop":
		return decodeInto[ProvideStop, RelayMessage](tag, body)
	case "request":
		return decodeInto[Request, RelayMessage](tag, body)
	case "request_stop":
		return decodeInto[RequestStop, RelayMessage](tag, body)
	case "offer":
		return decodeInto[Offer, RelayMessage](tag, body)
	case "answer":
		return decodeInto[Answer, RelayMessage](tag, body)
	case "ice_candidate":
		return decodeInto[IceCandidate, RelayMessage](tag, body)
	case "chat":
		if body == nil {
			return nil, fmt.Errorf("%w: chat has no body", ErrMalformed)
		}
		return decodeChat(body)
	}
	return nil, fmt.Errorf("%w: relay %q", ErrUnknownVariant, tag)
}

func (c Chat) encode() (json.RawMessage, error) {
	switch {
	case c.Text != nil:
		return encodeTagged("text", *c.Text)
	case c.Image != nil:
		return encodeTagged("image", *c.Image)
	}
	return nil, fmt.Errorf("%w: empty chat message", ErrMalformed)
}

func decodeChat(data []byte) (RelayMessage, error) {
	tag, body, err := decodeTagged(data)
	if err != nil {
		return nil, err
	}
	var s string
	if err := unmarshalBody(tag, body, &s); err != nil {
		return nil, err
	}
	switch tag {
	case "text":
		return Chat{Text: &s}, nil
	case "image":
		return Chat{Image: &s}, nil
	}
	return nil, fmt.Errorf("%w: chat %q", ErrUnknownVariant, tag)
}

// RelayMessageWrapper is the plaintext that gets encrypted into Message.Message.
// Sender repeats the outer sender so a lying server can be detected.
type RelayMessageWrapper struct {
	Sender domain.ClientID
	Inner  RelayMessage
}

type wireWrapper struct {
	Sender domain.ClientID `json:"sender"`
	Inner  json.RawMessage `json:"inner"`
}

func (w RelayMessageWrapper) MarshalJSON() ([]byte, error) {
	inner, err := EncodeRelay(w.Inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireWrapper{Sender: w.Sender, Inner: inner})
}

func (w *RelayMessageWrapper) UnmarshalJSON(data []byte) error {
	var raw wireWrapper
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: wrapper: %v", ErrMalformed, err)
	}
	if raw.Inner == nil {
		return fmt.Errorf("%w: wrapper has no inner message", ErrMalformed)
	}
	inner, err := DecodeRelay(raw.Inner)
	if err != nil {
		return err
	}
	w.Sender = raw.Sender
	w.Inner = inner
	return nil
}
