package relay

import (
	"context"

	"github.com/dimspell/relayhost/internal/packet"
)

// Permission describes what a connection is allowed to do inside a room.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionClient
	PermissionHost
)

func (p Permission) String() string {
	switch p {
	case PermissionClient:
		return "client"
	case PermissionHost:
		return "host"
	default:
		return "none"
	}
}

// Connection is a peer connected to the relay. Implementations are provided
// by the transport layer.
type Connection interface {
	// Name is the player name announced by the peer.
	Name() string

	// RemoteAddr is the network address of the peer.
	RemoteAddr() string

	// Protocol names the wire sub-protocol the peer negotiated.
	Protocol() string

	SetPermission(Permission)

	// Send writes the packet on the reliable channel.
	Send(ctx context.Context, p packet.Packet) error

	// SendUnreliable writes the packet on the best-effort channel.
	SendUnreliable(ctx context.Context, p packet.Packet) error
}

// PacketFactory builds the packets originated by the relay itself.
type PacketFactory interface {
	SystemMessage(text string) (packet.Packet, error)
}

// RandomSource returns uniform integers in [0, n).
type RandomSource interface {
	Intn(n int) int
}
