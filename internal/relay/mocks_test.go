package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/dimspell/relayhost/internal/app/logger"
	"github.com/dimspell/relayhost/internal/packet"
)

var errBrokenPipe = errors.New("broken pipe")

type mockConn struct {
	name  string
	addr  string
	proto string

	mu         sync.Mutex
	permission Permission
	reliable   []packet.Packet
	unreliable []packet.Packet
	sendErr    error
}

func newMockConn(name string) *mockConn {
	return &mockConn{name: name, addr: "10.0.0.1:5123", proto: "quic"}
}

func (m *mockConn) Name() string       { return m.name }
func (m *mockConn) RemoteAddr() string { return m.addr }
func (m *mockConn) Protocol() string   { return m.proto }

func (m *mockConn) SetPermission(p Permission) {
	m.mu.Lock()
	m.permission = p
	m.mu.Unlock()
}

func (m *mockConn) Permission() Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

func (m *mockConn) Send(_ context.Context, p packet.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.reliable = append(m.reliable, p)
	return nil
}

func (m *mockConn) SendUnreliable(_ context.Context, p packet.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.unreliable = append(m.unreliable, p)
	return nil
}

func (m *mockConn) Received() (reliable, unreliable []packet.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]packet.Packet(nil), m.reliable...), append([]packet.Packet(nil), m.unreliable...)
}

// sequenceRand returns the queued values in order, modulo n, and repeats the
// last one once the queue is drained.
type sequenceRand struct {
	mu     sync.Mutex
	values []int
}

func (s *sequenceRand) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[0]
	if len(s.values) > 1 {
		s.values = s.values[1:]
	}
	return v % n
}

func testOptions(extra ...Option) []Option {
	return append([]Option{WithLogger(logger.NewDiscardLogger())}, extra...)
}
