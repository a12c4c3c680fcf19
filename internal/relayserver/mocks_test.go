package relayserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dimspell/relayhost/internal/app/logger"
	"github.com/dimspell/relayhost/internal/packet"
	"github.com/dimspell/relayhost/internal/relay"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// pipeLink is an in-memory link. The test plays the client on the other end.
type pipeLink struct {
	addr string

	in           chan packet.Packet
	datagramsIn  chan packet.Packet
	out          chan packet.Packet
	datagramsOut chan packet.Packet

	done chan struct{}
	once sync.Once
}

func newPipeLink(addr string) *pipeLink {
	return &pipeLink{
		addr:         addr,
		in:           make(chan packet.Packet, 16),
		datagramsIn:  make(chan packet.Packet, 16),
		out:          make(chan packet.Packet, 16),
		datagramsOut: make(chan packet.Packet, 16),
		done:         make(chan struct{}),
	}
}

func (l *pipeLink) read(ctx context.Context, ch chan packet.Packet) (packet.Packet, error) {
	select {
	case p := <-ch:
		return p, nil
	case <-l.done:
		return packet.Packet{}, errLinkClosed
	case <-ctx.Done():
		return packet.Packet{}, ctx.Err()
	}
}

func (l *pipeLink) write(ctx context.Context, ch chan packet.Packet, p packet.Packet) error {
	select {
	case <-l.done:
		return errLinkClosed
	default:
	}
	select {
	case ch <- p:
		return nil
	case <-l.done:
		return errLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *pipeLink) ReadPacket(ctx context.Context) (packet.Packet, error) {
	return l.read(ctx, l.in)
}

func (l *pipeLink) ReadDatagram(ctx context.Context) (packet.Packet, error) {
	return l.read(ctx, l.datagramsIn)
}

func (l *pipeLink) WritePacket(ctx context.Context, p packet.Packet) error {
	return l.write(ctx, l.out, p)
}

func (l *pipeLink) WriteDatagram(ctx context.Context, p packet.Packet) error {
	return l.write(ctx, l.datagramsOut, p)
}

func (l *pipeLink) RemoteAddr() string { return l.addr }
func (l *pipeLink) Protocol() string   { return "pipe" }

func (l *pipeLink) Close(string) error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeLink) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

type testClient struct {
	t    *testing.T
	link *pipeLink
}

func (c *testClient) send(typ packet.Type, body any) {
	p, err := packet.Marshal(typ, body)
	require.NoError(c.t, err)
	c.link.in <- p
}

func (c *testClient) sendDatagram(typ packet.Type, body any) {
	p, err := packet.Marshal(typ, body)
	require.NoError(c.t, err)
	c.link.datagramsIn <- p
}

func (c *testClient) receive(ch chan packet.Packet, typ packet.Type, v any) {
	c.t.Helper()
	select {
	case p := <-ch:
		require.Equal(c.t, typ, p.Type, "unexpected %s", p)
		if v != nil {
			require.NoError(c.t, packet.Unmarshal(p, typ, v))
		}
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for %s", typ)
	}
}

func (c *testClient) expect(typ packet.Type, v any) {
	c.t.Helper()
	c.receive(c.link.out, typ, v)
}

func (c *testClient) expectDatagram(typ packet.Type, v any) {
	c.t.Helper()
	c.receive(c.link.datagramsOut, typ, v)
}

func (c *testClient) expectNothing() {
	c.t.Helper()
	select {
	case p := <-c.link.out:
		c.t.Fatalf("unexpected packet %s", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func (c *testClient) hangUp() { _ = c.link.Close("") }

type testEnv struct {
	t        *testing.T
	server   *Server
	registry *relay.Registry
}

// newTestEnv starts a server that is shut down, and checked for leaked
// goroutines, when the test ends.
func newTestEnv(t *testing.T, difficulty uint8) *testEnv {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	reg := relay.NewRegistry(
		relay.WithLogger(logger.NewDiscardLogger()),
		relay.WithChallengeDifficulty(difficulty, time.Minute),
	)
	t.Cleanup(reg.Close)
	srv := New(reg,
		WithLogger(logger.NewDiscardLogger()),
		WithWriteTimeout(time.Second),
		WithHandshakeTimeout(2*time.Second),
	)
	env := &testEnv{t: t, server: srv, registry: reg}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
	})
	return env
}

func (e *testEnv) connect(addr string) *testClient {
	l := newPipeLink(addr)
	go e.server.serveLink(context.Background(), l)
	return &testClient{t: e.t, link: l}
}

// host creates a room and returns its admin.
func (e *testEnv) host(name, roomID string) *testClient {
	e.t.Helper()
	c := e.connect("192.168.0.10:5000")
	c.send(packet.Hello, packet.HelloBody{Name: name, RoomID: roomID, Create: true, Version: 176})

	var ch packet.ChallengeBody
	c.expect(packet.Challenge, &ch)
	solution := relay.Solve(relay.Challenge{Nonce: ch.Nonce, Difficulty: ch.Difficulty, ExpiresAt: ch.ExpiresAt})
	c.send(packet.ChallengeAnswer, packet.ChallengeAnswerBody{Nonce: ch.Nonce, Solution: solution})

	var joined packet.JoinedBody
	c.expect(packet.Joined, &joined)
	require.True(e.t, joined.Admin)
	require.Equal(e.t, packet.AdminSlot, joined.Slot)
	return c
}

// join connects a member to the room and returns it with its slot.
func (e *testEnv) join(name, roomID string) (*testClient, int32) {
	e.t.Helper()
	c := e.connect("192.168.0.20:5000")
	c.send(packet.Hello, packet.HelloBody{Name: name, RoomID: roomID})

	var joined packet.JoinedBody
	c.expect(packet.Joined, &joined)
	require.False(e.t, joined.Admin)
	return c, joined.Slot
}
