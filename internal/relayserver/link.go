package relayserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dimspell/relayhost/internal/metrics"
	"github.com/dimspell/relayhost/internal/packet"
	"github.com/quic-go/quic-go"
)

const (
	// ProtocolQUIC and ProtocolWebsocket are reported by Connection.Protocol.
	ProtocolQUIC      = "quic"
	ProtocolWebsocket = "websocket"

	// maxDatagramFrame keeps datagrams below the usual QUIC payload limit.
	// Larger frames go over the stream instead.
	maxDatagramFrame = 1100
)

var errLinkClosed = errors.New("relayserver: link closed")

// link is a transport connection of a single peer. It carries framed packets
// on a reliable channel and, where the transport supports it, on a
// best-effort datagram channel.
type link interface {
	ReadPacket(ctx context.Context) (packet.Packet, error)
	ReadDatagram(ctx context.Context) (packet.Packet, error)
	WritePacket(ctx context.Context, p packet.Packet) error
	WriteDatagram(ctx context.Context, p packet.Packet) error
	RemoteAddr() string
	Protocol() string
	Close(reason string) error
}

// RelayStream is the part of a QUIC stream used by the relay.
type RelayStream interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	CancelRead(code quic.StreamErrorCode)
	CancelWrite(code quic.StreamErrorCode)
}

// RelayConn is the part of a QUIC connection used by the relay.
type RelayConn interface {
	SendDatagram(payload []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	CloseWithError(code quic.ApplicationErrorCode, msg string) error
	RemoteAddr() net.Addr
}

const (
	closeCodeNormal quic.ApplicationErrorCode = 0x0
	streamCodeClose quic.StreamErrorCode      = 0xdead
)

type quicLink struct {
	conn   RelayConn
	stream RelayStream

	writeMu sync.Mutex
	once    sync.Once
}

func newQUICLink(conn RelayConn, stream RelayStream) *quicLink {
	return &quicLink{conn: conn, stream: stream}
}

func (l *quicLink) ReadPacket(ctx context.Context) (packet.Packet, error) {
	deadline, _ := ctx.Deadline()
	if err := l.stream.SetReadDeadline(deadline); err != nil {
		return packet.Packet{}, err
	}
	return packet.Read(l.stream)
}

// ReadDatagram returns the next well-formed datagram. Malformed ones are
// dropped.
func (l *quicLink) ReadDatagram(ctx context.Context) (packet.Packet, error) {
	for {
		frame, err := l.conn.ReceiveDatagram(ctx)
		if err != nil {
			return packet.Packet{}, err
		}
		p, err := packet.Decode(frame)
		if err != nil {
			metrics.PacketsDropped.WithLabelValues("malformed_datagram").Inc()
			continue
		}
		return p, nil
	}
}

func (l *quicLink) WritePacket(ctx context.Context, p packet.Packet) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := l.stream.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return packet.Write(l.stream, p)
}

func (l *quicLink) WriteDatagram(ctx context.Context, p packet.Packet) error {
	if p.Len() > maxDatagramFrame {
		return l.WritePacket(ctx, p)
	}
	frame, err := packet.Encode(p)
	if err != nil {
		return err
	}
	return l.conn.SendDatagram(frame)
}

func (l *quicLink) RemoteAddr() string { return l.conn.RemoteAddr().String() }
func (l *quicLink) Protocol() string   { return ProtocolQUIC }

func (l *quicLink) Close(reason string) error {
	var err error
	l.once.Do(func() {
		l.stream.CancelWrite(streamCodeClose)
		l.stream.CancelRead(streamCodeClose)
		err = l.conn.CloseWithError(closeCodeNormal, reason)
	})
	return err
}

// WebsocketConn is the part of a websocket connection used by the relay.
type WebsocketConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ WebsocketConn = (*websocket.Conn)(nil)

// wsLink carries both channels over one websocket. Unreliable writes are
// sent as ordinary binary messages and there is no separate datagram read.
type wsLink struct {
	conn WebsocketConn
	addr string

	done chan struct{}
	once sync.Once
}

func newWSLink(conn WebsocketConn, addr string) *wsLink {
	return &wsLink{conn: conn, addr: addr, done: make(chan struct{})}
}

func (l *wsLink) ReadPacket(ctx context.Context) (packet.Packet, error) {
	typ, data, err := l.conn.Read(ctx)
	if err != nil {
		return packet.Packet{}, err
	}
	if typ != websocket.MessageBinary {
		return packet.Packet{}, errors.New("relayserver: expected a binary message")
	}
	return packet.Decode(data)
}

func (l *wsLink) ReadDatagram(ctx context.Context) (packet.Packet, error) {
	select {
	case <-l.done:
		return packet.Packet{}, errLinkClosed
	case <-ctx.Done():
		return packet.Packet{}, ctx.Err()
	}
}

func (l *wsLink) WritePacket(ctx context.Context, p packet.Packet) error {
	frame, err := packet.Encode(p)
	if err != nil {
		return err
	}
	return l.conn.Write(ctx, websocket.MessageBinary, frame)
}

func (l *wsLink) WriteDatagram(ctx context.Context, p packet.Packet) error {
	return l.WritePacket(ctx, p)
}

func (l *wsLink) RemoteAddr() string { return l.addr }
func (l *wsLink) Protocol() string   { return ProtocolWebsocket }

func (l *wsLink) Close(reason string) error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}
