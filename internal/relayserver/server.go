// Package relayserver connects game clients to the relay rooms over QUIC and
// websockets.
package relayserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/dimspell/relayhost/internal/packet"
	"github.com/dimspell/relayhost/internal/relay"
	"github.com/kelindar/event"
	"github.com/quic-go/quic-go"
	"go.uber.org/atomic"
)

var ErrNotListening = errors.New("relayserver: QUIC listener is not open")

type Server struct {
	registry *relay.Registry
	factory  *packet.Factory
	logger   *slog.Logger

	writeTimeout     time.Duration
	handshakeTimeout time.Duration
	cert             *tls.Certificate
	quicConfig       *quic.Config

	listener *quic.Listener

	mu sync.Mutex
	// sessions holds every open link. The value stays nil until the
	// handshake completes.
	sessions    map[link]*session
	wg          sync.WaitGroup
	closed      atomic.Bool
	unsubscribe func()
}

func New(registry *relay.Registry, opts ...Option) *Server {
	s := &Server{
		registry:         registry,
		factory:          packet.NewFactory(),
		logger:           slog.With(slog.String("component", "relayserver")),
		writeTimeout:     DefaultWriteTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		quicConfig:       defaultQUICConfig(),
		sessions:         make(map[link]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = event.SubscribeTo(registry.Events(), relay.EventRoomClosed, s.onRoomClosed)
	return s
}

func (s *Server) Registry() *relay.Registry { return s.registry }

// ListenQUIC opens the UDP socket of the QUIC listener.
func (s *Server) ListenQUIC(addr string) error {
	if s.cert == nil {
		cert, err := GenerateSelfSigned(time.Now())
		if err != nil {
			return err
		}
		s.logger.Warn("Using a generated self-signed certificate")
		s.cert = &cert
	}

	listener, err := quic.ListenAddr(addr, serverTLSConfig(*s.cert), s.quicConfig)
	if err != nil {
		return fmt.Errorf("relay failed to listen: %w", err)
	}
	s.listener = listener
	return nil
}

// Addr returns the address of the QUIC listener, nil before ListenQUIC.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts QUIC connections until ctx is cancelled or the server is
// shut down.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return ErrNotListening
	}
	s.logger.Info("QUIC relay server listening", "addr", s.listener.Addr())

	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, quic.ErrServerClosed) || s.closed.Load() {
				return nil
			}
			s.logger.Warn("Relay server failed to accept", logging.Error(err))
			continue
		}
		go s.handleQUIC(ctx, conn)
	}
}

func (s *Server) handleQUIC(ctx context.Context, conn *quic.Conn) {
	actx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	stream, err := conn.AcceptStream(actx)
	cancel()
	if err != nil {
		s.logger.Warn("Relay stream accept error", logging.Error(err), logging.PeerAddr(conn.RemoteAddr().String()))
		_ = conn.CloseWithError(closeCodeNormal, "no stream")
		return
	}
	s.serveLink(ctx, newQUICLink(conn, stream))
}

// ServeHTTP upgrades the request to a websocket relay connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{ALPN},
	})
	if err != nil {
		s.logger.Error("Could not accept the connection",
			logging.Error(err),
			"origin", r.Header.Get("Origin"),
			logging.PeerAddr(r.RemoteAddr))
		return
	}
	defer conn.CloseNow()

	if conn.Subprotocol() != ALPN {
		_ = conn.Close(websocket.StatusPolicyViolation, "client must speak the "+ALPN+" subprotocol")
		return
	}
	conn.SetReadLimit(packet.HeaderSize + packet.MaxBodySize)

	s.serveLink(r.Context(), newWSLink(conn, r.RemoteAddr))
}

// serveLink runs a connection from handshake to disconnect.
func (s *Server) serveLink(ctx context.Context, l link) {
	if !s.track(l) {
		_ = l.Close("server shutting down")
		return
	}
	defer s.untrack(l)

	logger := s.logger.With(logging.PeerAddr(l.RemoteAddr()), "protocol", l.Protocol())

	sess, err := s.handshake(ctx, l)
	if err != nil {
		logger.Warn("Relay handshake failed", logging.Error(err))
		_ = l.Close("handshake failed")
		return
	}
	s.attach(l, sess)

	datagrams := make(chan struct{})
	go func() {
		defer close(datagrams)
		_ = s.readLoop(ctx, sess, l.ReadDatagram, relay.ChannelUnreliable)
	}()

	err = s.readLoop(ctx, sess, l.ReadPacket, relay.ChannelReliable)
	sess.logger.Info("Peer disconnected", "reason", err)

	s.attach(l, nil)
	s.leave(context.WithoutCancel(ctx), sess)
	_ = l.Close("bye")
	<-datagrams
}

func (s *Server) track(l link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.sessions[l] = nil
	s.wg.Add(1)
	return true
}

func (s *Server) attach(l link, sess *session) {
	s.mu.Lock()
	if _, ok := s.sessions[l]; ok {
		s.sessions[l] = sess
	}
	s.mu.Unlock()
}

func (s *Server) untrack(l link) {
	s.mu.Lock()
	delete(s.sessions, l)
	s.mu.Unlock()
	s.wg.Done()
}

// onRoomClosed disconnects the peers of a room closed from outside, for
// example by the admin API.
func (s *Server) onRoomClosed(ev relay.RoomClosed) {
	var peers []*peer
	s.mu.Lock()
	for _, sess := range s.sessions {
		if sess != nil && sess.room.PublicID() == ev.PublicID && sess.room.IsClosed() {
			peers = append(peers, sess.peer)
		}
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.disconnect(reasonRoomClosed)
	}
}

// PeerCount returns the number of open connections.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops accepting connections, closes every room and waits for the
// connections to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	links := make([]link, 0, len(s.sessions))
	for l := range s.sessions {
		links = append(links, l)
	}
	s.mu.Unlock()

	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	// The registry belongs to the caller; only its rooms are torn down.
	s.unsubscribe()
	for _, room := range s.registry.Rooms() {
		room.Close()
	}
	for _, l := range links {
		_ = l.Close("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Relay server stopped")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("relayserver: shutdown: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
