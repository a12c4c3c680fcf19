// Package admin serves the HTTP API used to inspect and operate the relay.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/dimspell/relayhost/internal/relay"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type Server struct {
	registry *relay.Registry
	config   Config
	logger   *slog.Logger
	relay    http.Handler
}

type Config struct {
	BindAddr           string
	Secret             []byte
	CORSAllowedOrigins []string
	Version            string

	// WebsocketPath is where the relay websocket endpoint is mounted.
	WebsocketPath string
}

func DefaultConfig() Config {
	return Config{
		BindAddr:           "127.0.0.1:5124",
		CORSAllowedOrigins: []string{"*"},
		Version:            "dev",
		WebsocketPath:      "/relay",
	}
}

type Option func(*Server)

func WithConfig(c Config) Option {
	return func(s *Server) { s.config = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRelayHandler mounts the websocket relay endpoint on the admin router.
func WithRelayHandler(h http.Handler) Option {
	return func(s *Server) { s.relay = h }
}

func New(registry *relay.Registry, opts ...Option) *Server {
	s := &Server{
		registry: registry,
		config:   DefaultConfig(),
		logger:   slog.With(slog.String("component", "admin")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.Recoverer)

	// Relay sessions are long-lived and stay out of the throttle.
	throttle := middleware.Throttle(100)

	mux.Group(func(meta chi.Router) {
		meta.Use(throttle)
		meta.Get("/_health", s.health)
		meta.Get("/_metrics", promhttp.Handler().ServeHTTP)
	})

	{ // Room inspection and operations
		rooms := chi.NewRouter()
		rooms.Use(throttle)
		rooms.Use(middleware.Timeout(5 * time.Second))
		rooms.Use(cors.New(cors.Options{
			AllowedOrigins:   s.config.CORSAllowedOrigins,
			AllowCredentials: false,
			Debug:            false,
			AllowedMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodDelete,
			},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         7200,
		}).Handler)

		rooms.Get("/", s.listRooms)
		rooms.Get("/describe", s.describeRooms)
		rooms.Get("/{id}", s.getRoom)

		rooms.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/broadcast", s.broadcast)
			r.Post("/{id}/message", s.messageRoom)
			r.Delete("/{id}", s.closeRoom)
		})

		mux.Mount("/rooms", rooms)
	}

	if s.relay != nil && s.config.WebsocketPath != "" {
		mux.Mount(s.config.WebsocketPath, s.relay)
	}

	return mux
}

type GracefulFunc func(context.Context) error

// Handlers returns the functions starting and stopping the HTTP server.
func (s *Server) Handlers() (start GracefulFunc, shutdown GracefulFunc) {
	httpServer := &http.Server{
		Addr:              s.config.BindAddr,
		Handler:           h2c.NewHandler(s.Router(), &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	start = func(ctx context.Context) error {
		s.logger.Info("Configured admin server", "addr", s.config.BindAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdown = func(ctx context.Context) error {
		s.logger.Info("Started shutting down the admin server")
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Failed shutting down the admin server", logging.Error(err))
			return err
		}
		s.logger.Info("Successfully shut down the admin server")
		return nil
	}

	return start, shutdown
}
