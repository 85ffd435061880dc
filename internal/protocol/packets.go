package protocol

import (
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
)

// ClientboundPacket is sent by the server to a client.
type ClientboundPacket interface{ clientbound() }

type Init struct {
	YourID  domain.ClientID `json:"your_id"`
	Version string          `json:"version"`
}

type ClientJoin struct {
	ID domain.ClientID `json:"id"`
}

type ClientLeave struct {
	ID domain.ClientID `json:"id"`
}

// Message carries an encrypted RelayMessageWrapper. The server never reads it.
type Message struct {
	Sender  domain.ClientID `json:"sender"`
	Message string          `json:"message"`
}

type RoomInfo domain.RoomInfo

func (Init) clientbound()        {}
func (ClientJoin) clientbound()  {}
func (ClientLeave) clientbound() {}
func (Message) clientbound()     {}
func (RoomInfo) clientbound()    {}

func EncodeClientbound(p ClientboundPacket) ([]byte, error) {
	switch p := p.(type) {
	case Init:
		return encodeTagged("init", p)
	case ClientJoin:
		return encodeTagged("client_join", p)
	case ClientLeave:
		return encodeTagged("client_leave", p)
	case Message:
		return encodeTagged("message", p)
	case RoomInfo:
		return encodeTagged("room_info", p)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownVariant, p)
}

func DecodeClientbound(data []byte) (ClientboundPacket, error) {
	tag, body, err := decodeTagged(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "init":
		return decodeInto[Init, ClientboundPacket](tag, body)
	case "client_join":
		return decodeInto[ClientJoin, ClientboundPacket](tag, body)
	case "client_leave":
		return decodeInto[ClientLeave, ClientboundPacket](tag, body)
	case "message":
		return decodeInto[Message, ClientboundPacket](tag, body)
	case "room_info":
		return decodeInto[RoomInfo, ClientboundPacket](tag, body)
	}
	return nil, fmt.Errorf("%w: clientbound %q", ErrUnknownVariant, tag)
}

// ServerboundPacket is sent by a client to the server.
type ServerboundPacket interface{ serverbound() }

// Join enters the room with the given hash. A nil hash only leaves the current room.
type Join struct {
	Hash *domain.RoomHash `json:"hash"`
}

type Ping struct{}

// Relay forwards an opaque message. A nil recipient broadcasts to the room.
type Relay struct {
	Recipient *domain.ClientID `json:"recipient"`
	Message   string           `json:"message"`
}

// WatchRooms replaces the set of room hashes whose occupancy the client follows.
type WatchRooms []domain.RoomHash

func (Join) serverbound()       {}
func (Ping) serverbound()       {}
func (Relay) serverbound()      {}
func (WatchRooms) serverbound() {}

func EncodeServerbound(p ServerboundPacket) ([]byte, error) {
	switch p := p.(type) {
	case Join:
		return encodeTagged("join", p)
	case Ping:
		return encodeUnit("ping")
	case Relay:
		return encodeTagged("relay", p)
	case WatchRooms:
		if p == nil {
			p = WatchRooms{}
		}
		return encodeTagged("watch_rooms", []domain.RoomHash(p))
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownVariant, p)
}

func DecodeServerbound(data []byte) (ServerboundPacket, error) {
	tag, body, err := decodeTagged(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "join":
		return decodeInto[Join, ServerboundPacket](tag, body)
	case "ping":
		return Ping{}, nil
	case "relay":
		return decodeInto[Relay, ServerboundPacket](tag, body)
	case "watch_rooms":
		return decodeInto[WatchRooms, ServerboundPacket](tag, body)
	}
	return nil, fmt.Errorf("%w: serverbound %q", ErrUnknownVariant, tag)
}
