package domain

import "strconv"

type (
	// RoomHash is the one-way hash of a room secret. The server only ever sees this.
	RoomHash string
	// ClientID is assigned by the server per signaling connection.
	ClientID uint64
)

func (id ClientID) String() string { return strconv.FormatUint(uint64(id), 10) }

// RoomInfo is the occupancy of a watched room.
type RoomInfo struct {
	Hash      RoomHash `json:"hash"`
	UserCount int      `json:"user_count"`
}
