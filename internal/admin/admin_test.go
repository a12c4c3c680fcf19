package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dimspell/relayhost/internal/app/logger"
	"github.com/dimspell/relayhost/internal/packet"
	"github.com/dimspell/relayhost/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var testSecret = []byte("test-secret")

type fakeConn struct {
	name string
	fail bool

	mu   sync.Mutex
	sent []packet.Packet
}

func (c *fakeConn) Name() string                   { return c.name }
func (c *fakeConn) RemoteAddr() string             { return "10.0.0.2:4000" }
func (c *fakeConn) Protocol() string               { return "quic" }
func (c *fakeConn) SetPermission(relay.Permission) {}

func (c *fakeConn) Send(_ context.Context, p packet.Packet) error {
	if c.fail {
		return errors.New("connection reset")
	}
	c.mu.Lock()
	c.sent = append(c.sent, p)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SendUnreliable(ctx context.Context, p packet.Packet) error {
	return c.Send(ctx, p)
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestServer(t *testing.T) (*httptest.Server, *relay.Registry) {
	reg := relay.NewRegistry(relay.WithLogger(logger.NewDiscardLogger()))
	t.Cleanup(reg.Close)

	config := DefaultConfig()
	config.Secret = testSecret
	config.Version = "1.2.3"

	srv := New(reg, WithConfig(config), WithLogger(logger.NewDiscardLogger()))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, reg
}

func do(t *testing.T, method, url, token string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func adminToken(t *testing.T) string {
	token, err := IssueToken(testSecret, time.Minute)
	require.NoError(t, err)
	return token
}

func TestServer_Health(t *testing.T) {
	ts, reg := newTestServer(t)
	room, err := reg.CreateManaged(relay.CreateParams{ID: "lobby"})
	require.NoError(t, err)
	room.TrackConnected()

	resp, body := do(t, http.MethodGet, ts.URL+"/_health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, HealthResponse{Status: "OK", Rooms: 1, Players: 1, Version: "1.2.3"}, health)
}

func TestServer_Metrics(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := do(t, http.MethodGet, ts.URL+"/_metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ListAndGetRooms(t *testing.T) {
	ts, reg := newTestServer(t)
	for _, id := range []string{"20", "10"} {
		_, err := reg.CreateManaged(relay.CreateParams{ID: id, CreatorName: "host-" + id})
		require.NoError(t, err)
	}

	resp, body := do(t, http.MethodGet, ts.URL+"/rooms", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var rooms []relay.RoomInfo
	require.NoError(t, json.Unmarshal(body, &rooms))
	require.Len(t, rooms, 2)
	assert.Equal(t, "10", rooms[0].PublicID)
	assert.Equal(t, "host-20", rooms[1].Creator)

	resp, body = do(t, http.MethodGet, ts.URL+"/rooms/20", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var room relay.RoomInfo
	require.NoError(t, json.Unmarshal(body, &room))
	assert.Equal(t, int32(20), room.InternalID)

	resp, _ = do(t, http.MethodGet, ts.URL+"/rooms/404", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_DescribeRooms(t *testing.T) {
	ts, reg := newTestServer(t)
	room, err := reg.CreateManaged(relay.CreateParams{ID: "7"})
	require.NoError(t, err)
	room.SetAdmin(&fakeConn{name: "host"})

	resp, body := do(t, http.MethodGet, ts.URL+"/rooms/describe", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "7\nhost / IP: 10.0.0.2:4000 / Protocol: quic / Admin: true", string(body))
}

func TestServer_MutatingRoutesRequireToken(t *testing.T) {
	ts, reg := newTestServer(t)
	_, err := reg.CreateManaged(relay.CreateParams{ID: "7"})
	require.NoError(t, err)

	resp, _ := do(t, http.MethodDelete, ts.URL+"/rooms/7", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := IssueToken([]byte("other-secret"), time.Minute)
	require.NoError(t, err)
	resp, _ = do(t, http.MethodDelete, ts.URL+"/rooms/7", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := IssueToken(testSecret, -time.Minute)
	require.NoError(t, err)
	resp, _ = do(t, http.MethodDelete, ts.URL+"/rooms/7", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.True(t, reg.Exists("7"))
}

func TestServer_CloseRoom(t *testing.T) {
	ts, reg := newTestServer(t)
	_, err := reg.CreateManaged(relay.CreateParams{ID: "7"})
	require.NoError(t, err)

	resp, _ := do(t, http.MethodDelete, ts.URL+"/rooms/7", adminToken(t), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, reg.Exists("7"))

	resp, _ = do(t, http.MethodDelete, ts.URL+"/rooms/7", adminToken(t), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Broadcast(t *testing.T) {
	ts, reg := newTestServer(t)
	first, err := reg.CreateManaged(relay.CreateParams{ID: "1"})
	require.NoError(t, err)
	second, err := reg.CreateManaged(relay.CreateParams{ID: "2"})
	require.NoError(t, err)

	host1, host2 := &fakeConn{name: "h1"}, &fakeConn{name: "h2", fail: true}
	first.SetAdmin(host1)
	second.SetAdmin(host2)

	resp, body := do(t, http.MethodPost, ts.URL+"/rooms/broadcast", adminToken(t),
		strings.NewReader(`{"message": "restart in 5 minutes"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var delivery DeliveryResponse
	require.NoError(t, json.Unmarshal(body, &delivery))
	assert.Equal(t, 1, delivery.Delivered)
	assert.Equal(t, 1, delivery.Failed)
	require.Len(t, delivery.Errors, 1)
	assert.Contains(t, delivery.Errors[0], "connection reset")
	assert.Equal(t, 1, host1.count())
}

func TestServer_MessageRoom(t *testing.T) {
	ts, reg := newTestServer(t)
	room, err := reg.CreateManaged(relay.CreateParams{ID: "1"})
	require.NoError(t, err)
	host, member := &fakeConn{name: "host"}, &fakeConn{name: "member"}
	room.SetAdmin(host)
	_, err = room.Admit(member)
	require.NoError(t, err)

	resp, _ := do(t, http.MethodPost, ts.URL+"/rooms/1/message", adminToken(t), strings.NewReader(`{"message": "  "}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, http.MethodPost, ts.URL+"/rooms/1/message", adminToken(t), strings.NewReader(`{"message": "hi"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var delivery DeliveryResponse
	require.NoError(t, json.Unmarshal(body, &delivery))
	assert.Equal(t, 3, delivery.Delivered)
	assert.Equal(t, 1, host.count())
	assert.Equal(t, 2, member.count())
}

func TestServer_NoSecretConfigured(t *testing.T) {
	reg := relay.NewRegistry(relay.WithLogger(logger.NewDiscardLogger()))
	defer reg.Close()
	srv := New(reg, WithLogger(logger.NewDiscardLogger()))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := do(t, http.MethodPost, ts.URL+"/rooms/broadcast", "anything", strings.NewReader(`{"message":"x"}`))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err := IssueToken(nil, time.Minute)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestServer_MountsRelayHandler(t *testing.T) {
	reg := relay.NewRegistry(relay.WithLogger(logger.NewDiscardLogger()))
	defer reg.Close()

	relayHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := New(reg, WithLogger(logger.NewDiscardLogger()), WithRelayHandler(relayHandler))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := do(t, http.MethodGet, ts.URL+"/relay", "", nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestServer_RelaySessionsDoNotThrottleAdmin(t *testing.T) {
	reg := relay.NewRegistry(relay.WithLogger(logger.NewDiscardLogger()))
	defer reg.Close()

	const sessions = 110
	var entered atomic.Int32
	release := make(chan struct{})
	relayHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := New(reg, WithLogger(logger.NewDiscardLogger()), WithRelayHandler(relayHandler))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := &http.Client{Timeout: 10 * time.Second, Transport: &http.Transport{}}
	defer client.CloseIdleConnections()

	statuses := make(chan int, sessions)
	var wg sync.WaitGroup
	for range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(ts.URL + "/relay")
			if err != nil {
				statuses <- 0
				return
			}
			_ = resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}

	require.Eventually(t, func() bool { return entered.Load() == sessions }, 5*time.Second, 10*time.Millisecond)

	resp, _ := do(t, http.MethodGet, ts.URL+"/_health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/rooms", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	close(release)
	wg.Wait()
	close(statuses)
	for status := range statuses {
		assert.Equal(t, http.StatusNoContent, status)
	}
}
