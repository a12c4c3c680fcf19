package relayserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/dimspell/relayhost/internal/app/logger"
	"github.com/dimspell/relayhost/internal/packet"
	"github.com/dimspell/relayhost/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWebsocketServer(t *testing.T) (*Server, string) {
	reg := relay.NewRegistry(
		relay.WithLogger(logger.NewDiscardLogger()),
		relay.WithChallengeDifficulty(4, time.Minute),
	)
	t.Cleanup(reg.Close)
	srv := New(reg, WithLogger(logger.NewDiscardLogger()))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestServer_WebsocketCreateRoom(t *testing.T) {
	srv, url := startWebsocketServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{ALPN},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	write := func(typ packet.Type, body any) {
		p, err := packet.Marshal(typ, body)
		require.NoError(t, err)
		frame, err := packet.Encode(p)
		require.NoError(t, err)
		require.NoError(t, conn.Write(ctx, websocket.MessageBinary, frame))
	}
	read := func(typ packet.Type, v any) {
		msgType, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, websocket.MessageBinary, msgType)
		p, err := packet.Decode(data)
		require.NoError(t, err)
		require.NoError(t, packet.Unmarshal(p, typ, v))
	}

	write(packet.Hello, packet.HelloBody{Name: "alice", RoomID: "web", Create: true})

	var ch packet.ChallengeBody
	read(packet.Challenge, &ch)
	solution := relay.Solve(relay.Challenge{Nonce: ch.Nonce, Difficulty: ch.Difficulty})
	write(packet.ChallengeAnswer, packet.ChallengeAnswerBody{Nonce: ch.Nonce, Solution: solution})

	var joined packet.JoinedBody
	read(packet.Joined, &joined)
	assert.Equal(t, "web", joined.RoomID)
	assert.True(t, joined.Admin)

	room, ok := srv.Registry().Lookup("web")
	require.True(t, ok)
	assert.Equal(t, ProtocolWebsocket, room.Admin().Protocol())
	assert.Equal(t, joined.SessionToken, room.SessionToken().String())
}

func TestServer_WebsocketRequiresSubprotocol(t *testing.T) {
	_, url := startWebsocketServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}
