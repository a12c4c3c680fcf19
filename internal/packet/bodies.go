package packet

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// BroadcastSlot addresses every member of a room in a ForwardBody.
const BroadcastSlot int32 = -1

// AdminSlot marks a ForwardBody sent by the room admin.
const AdminSlot int32 = -2

type HelloBody struct {
	Name       string `cbor:"1,keyasint"`
	RoomID     string `cbor:"2,keyasint,omitempty"`
	Create     bool   `cbor:"3,keyasint,omitempty"`
	Modded     bool   `cbor:"4,keyasint,omitempty"`
	Beta       bool   `cbor:"5,keyasint,omitempty"`
	Version    int    `cbor:"6,keyasint,omitempty"`
	MaxPlayers int    `cbor:"7,keyasint,omitempty"`
}

type ChallengeBody struct {
	Nonce      string    `cbor:"1,keyasint"`
	Difficulty uint8     `cbor:"2,keyasint"`
	ExpiresAt  time.Time `cbor:"3,keyasint"`
}

type ChallengeAnswerBody struct {
	Nonce    string `cbor:"1,keyasint"`
	Solution uint64 `cbor:"2,keyasint"`
}

type JoinedBody struct {
	RoomID       string `cbor:"1,keyasint"`
	Slot         int32  `cbor:"2,keyasint"`
	Admin        bool   `cbor:"3,keyasint,omitempty"`
	SessionToken string `cbor:"4,keyasint"`
}

type ForwardBody struct {
	From    int32  `cbor:"1,keyasint"`
	To      int32  `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint"`
}

type PlayerBody struct {
	Slot int32  `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint,omitempty"`
	Addr string `cbor:"3,keyasint,omitempty"`
}

type SystemMessageBody struct {
	Sender  string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Team    int32  `cbor:"3,keyasint"`
}

type ErrorBody struct {
	Reason string `cbor:"1,keyasint"`
}

// Marshal builds a packet of the given type with a CBOR encoded body.
func Marshal(t Type, body any) (Packet, error) {
	data, err := cbor.Marshal(body)
	if err != nil {
		return Packet{}, fmt.Errorf("packet: could not marshal %s: %w", t, err)
	}
	return New(t, data), nil
}

// Unmarshal decodes the CBOR body of p into v after checking the type.
func Unmarshal(p Packet, want Type, v any) error {
	if p.Type != want {
		return fmt.Errorf("packet: expected %s, got %s", want, p.Type)
	}
	if err := cbor.Unmarshal(p.Bytes, v); err != nil {
		return fmt.Errorf("packet: could not unmarshal %s: %w", p.Type, err)
	}
	return nil
}
