package action

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dimspell/relayhost/internal/admin"
	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/dimspell/relayhost/internal/config"
	"github.com/dimspell/relayhost/internal/metrics"
	"github.com/dimspell/relayhost/internal/packet"
	"github.com/dimspell/relayhost/internal/relay"
	"github.com/dimspell/relayhost/internal/relayserver"
	"github.com/dimspell/relayhost/internal/uplist"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func ServeCommand(version string) *cli.Command {
	cmd := &cli.Command{
		Name:        "serve",
		Description: "Start the relay server and the admin API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "relay-addr",
				Value: defaultRelayAddr,
				Usage: "UDP address of the QUIC relay listener",
			},
			&cli.StringFlag{
				Name:  "admin-addr",
				Value: defaultAdminAddr,
				Usage: "Address of the admin API (also serves the websocket relay)",
			},
			&cli.StringFlag{
				Name:  "ws-path",
				Value: defaultWebsocketPath,
				Usage: "Path of the websocket relay endpoint, empty to disable",
			},
			&cli.StringFlag{
				Name:  "cert-file",
				Usage: "TLS certificate of the relay, a self-signed one is generated when empty",
			},
			&cli.StringFlag{
				Name:  "key-file",
				Usage: "TLS private key of the relay",
			},
			&cli.StringFlag{
				Name:    "admin-secret",
				Usage:   "Secret signing the admin API tokens",
				Sources: cli.EnvVars("RELAYHOST_ADMIN_SECRET"),
			},
			&cli.IntFlag{
				Name:  "pow-difficulty",
				Value: int(relay.DefaultChallengeDifficulty),
				Usage: "Leading zero bits required from room creators",
			},
			&cli.BoolFlag{
				Name:  "uplist",
				Usage: "Publish the relay on the master server list",
			},
			&cli.StringSliceFlag{
				Name:  "uplist-url",
				Usage: "Master server list endpoint (repeatable)",
			},
			&cli.StringFlag{
				Name:  "server-name",
				Value: defaultServerName,
				Usage: "Name shown on the master server list",
			},
		},
	}

	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		return serve(ctx, cfg, version)
	}

	return cmd
}

func serve(ctx context.Context, cfg config.Config, version string) error {
	metrics.InitRelay()

	registry := relay.NewRegistry(
		relay.WithChallengeDifficulty(cfg.Relay.PowDifficulty, cfg.Relay.ChallengeTTL),
		relay.WithPacketFactory(packet.NewFactory()),
	)
	defer registry.Close()

	relayOptions := []relayserver.Option{
		relayserver.WithWriteTimeout(cfg.Relay.WriteTimeout),
		relayserver.WithHandshakeTimeout(cfg.Relay.HandshakeTimeout),
	}
	if cfg.Relay.CertFile != "" {
		cert, err := relayserver.LoadCertificate(cfg.Relay.CertFile, cfg.Relay.KeyFile)
		if err != nil {
			return err
		}
		relayOptions = append(relayOptions, relayserver.WithCertificate(cert))
	}
	relaySrv := relayserver.New(registry, relayOptions...)

	adminConfig := admin.DefaultConfig()
	adminConfig.BindAddr = cfg.Admin.Addr
	adminConfig.Secret = []byte(cfg.Admin.Secret)
	adminConfig.CORSAllowedOrigins = cfg.Admin.CORSOrigins
	adminConfig.WebsocketPath = cfg.Admin.WebsocketPath
	adminConfig.Version = version
	if len(adminConfig.Secret) == 0 {
		slog.Warn("No admin secret configured, the mutating admin routes are disabled")
	}
	adminSrv := admin.New(registry, admin.WithConfig(adminConfig), admin.WithRelayHandler(relaySrv))
	startAdmin, stopAdmin := adminSrv.Handlers()

	if err := relaySrv.ListenQUIC(cfg.Relay.Addr); err != nil {
		return errors.Join(err, relaySrv.Shutdown(context.Background()))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		return relaySrv.Serve(groupContext)
	})
	group.Go(func() error {
		return startAdmin(groupContext)
	})
	if cfg.Uplist.Enabled {
		publisher := newPublisher(registry, cfg)
		group.Go(func() error {
			return publisher.Run(groupContext)
		})
	}
	group.Go(func() error {
		<-groupContext.Done()
		slog.Info("Shutting down the relay")

		timer, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(stopAdmin(timer), relaySrv.Shutdown(timer))
	})

	if err := group.Wait(); err != nil {
		slog.Error("Relay stopped with an error", logging.Error(err))
		return err
	}
	return nil
}

func newPublisher(registry *relay.Registry, cfg config.Config) *uplist.Publisher {
	pubConfig := uplist.DefaultConfig()
	pubConfig.URLs = cfg.Uplist.URLs
	pubConfig.ServerName = fallbackString(cfg.Uplist.ServerName, defaultServerName)
	pubConfig.MaxPlayers = cfg.Uplist.MaxPlayers
	if cfg.Uplist.UpdateInterval > 0 {
		pubConfig.UpdateInterval = cfg.Uplist.UpdateInterval
	}
	if port := portOf(cfg.Relay.Addr); port > 0 {
		pubConfig.Port = port
	}
	return uplist.New(registry, pubConfig)
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}
