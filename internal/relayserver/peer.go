package relayserver

import (
	"context"
	"sync"
	"time"

	"github.com/dimspell/relayhost/internal/metrics"
	"github.com/dimspell/relayhost/internal/packet"
	"github.com/dimspell/relayhost/internal/relay"
)

// peer is a connected player. It implements relay.Connection.
type peer struct {
	name    string
	link    link
	timeout time.Duration

	mu         sync.Mutex
	permission relay.Permission
	slot       int
}

var _ relay.Connection = (*peer)(nil)

func newPeer(name string, l link, timeout time.Duration) *peer {
	return &peer{name: name, link: l, timeout: timeout, slot: int(packet.AdminSlot)}
}

func (p *peer) Name() string       { return p.name }
func (p *peer) RemoteAddr() string { return p.link.RemoteAddr() }
func (p *peer) Protocol() string   { return p.link.Protocol() }

func (p *peer) SetPermission(perm relay.Permission) {
	p.mu.Lock()
	p.permission = perm
	p.mu.Unlock()
}

func (p *peer) Permission() relay.Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

func (p *peer) setSlot(slot int) {
	p.mu.Lock()
	p.slot = slot
	p.mu.Unlock()
}

// Slot is the slot the peer was admitted to. It keeps its value after the
// peer is promoted to admin.
func (p *peer) Slot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot
}

func (p *peer) Send(ctx context.Context, pkt packet.Packet) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.link.WritePacket(ctx, pkt)
}

func (p *peer) SendUnreliable(ctx context.Context, pkt packet.Packet) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.link.WriteDatagram(ctx, pkt)
}

// disconnect closes the link. The read loops of the peer end and the
// server removes it from its room.
func (p *peer) disconnect(reason string) {
	metrics.PeerDisconnects.WithLabelValues(reason).Inc()
	_ = p.link.Close(reason)
}
