package relayserver

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPN is negotiated by QUIC clients and used as the websocket
	// sub-protocol.
	ALPN = "rw-relay"

	DefaultWriteTimeout     = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWriteTimeout bounds every write to a peer.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithHandshakeTimeout bounds the time from accepting a connection until the
// peer has joined a room.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithCertificate serves QUIC with the given certificate instead of a
// generated self-signed one.
func WithCertificate(cert tls.Certificate) Option {
	return func(s *Server) { s.cert = &cert }
}

func WithQUICConfig(c *quic.Config) Option {
	return func(s *Server) { s.quicConfig = c }
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
		EnableDatagrams: true,
	}
}
