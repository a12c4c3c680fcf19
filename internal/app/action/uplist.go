package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dimspell/relayhost/internal/admin"
	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/dimspell/relayhost/internal/uplist"
	"github.com/kelindar/event"
	"github.com/urfave/cli/v3"
)

// relayStatus reads the player count of a running relay from its admin API.
type relayStatus struct {
	client *adminClient
}

func (s *relayStatus) MemberCount() int {
	if s.client.baseURL == "" {
		return 0
	}
	var health admin.HealthResponse
	if err := s.client.do(context.Background(), http.MethodGet, "/_health", nil, false, &health); err != nil {
		slog.Warn("Could not read the player count of the relay", logging.Error(err))
		return 0
	}
	return health.Players
}

func (s *relayStatus) Events() *event.Dispatcher { return nil }

func UplistCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "uplist-url",
			Value: []string{defaultUplistURL},
			Usage: "Master server list endpoint (repeatable)",
		},
		&cli.StringFlag{
			Name:  "server-id",
			Usage: "Identifier of the list entry, generated when empty",
		},
		&cli.StringFlag{
			Name:  "server-name",
			Value: defaultServerName,
			Usage: "Name shown on the master server list",
		},
		&cli.IntFlag{
			Name:  "port",
			Value: 5123,
			Usage: "Advertised relay port",
		},
		&cli.IntFlag{
			Name:  "max-players",
			Value: 10,
			Usage: "Advertised player limit",
		},
	}

	addFlags := append([]cli.Flag{
		&cli.StringFlag{
			Name:  "admin-url",
			Value: defaultPublicAdminAddr,
			Usage: "Admin API of the relay the player count is read from, empty to advertise 0 players",
		},
		&cli.BoolFlag{
			Name:  "follow",
			Usage: "Keep the entry fresh until interrupted, then remove it",
		},
		&cli.DurationFlag{
			Name:  "update-interval",
			Value: 50 * time.Second,
			Usage: "Refresh period of the entry with --follow",
		},
	}, flags...)

	publisher := func(c *cli.Command, source uplist.Source, interval time.Duration) *uplist.Publisher {
		pubConfig := uplist.DefaultConfig()
		if interval > 0 {
			pubConfig.UpdateInterval = interval
		}
		pubConfig.URLs = c.StringSlice("uplist-url")
		if id := c.String("server-id"); id != "" {
			pubConfig.ServerID = id
		}
		pubConfig.ServerName = c.String("server-name")
		pubConfig.Port = c.Int("port")
		pubConfig.MaxPlayers = c.Int("max-players")
		return uplist.New(source, pubConfig)
	}

	return &cli.Command{
		Name:        "uplist",
		Description: "Edit the master server list entry of the relay",
		Commands: []*cli.Command{
			{
				Name: "add",
				Description: "Put the relay on the master server list. Without --follow the entry is a manual " +
					"override listed once with the current player count; serve --uplist keeps it fresh instead",
				Flags: addFlags,
				Action: func(ctx context.Context, c *cli.Command) error {
					source := &relayStatus{client: &adminClient{
						baseURL: strings.TrimSuffix(c.String("admin-url"), "/"),
						http:    &http.Client{Timeout: 5 * time.Second},
					}}

					if !c.Bool("follow") {
						p := publisher(c, source, 0)
						if err := p.Add(ctx); err != nil {
							return err
						}
						_, _ = fmt.Fprintf(c.Root().Writer, "Listed as %s\n", p.ServerID())
						return nil
					}

					ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
					defer stop()

					p := publisher(c, source, c.Duration("update-interval"))
					_, _ = fmt.Fprintf(c.Root().Writer, "Listing as %s until interrupted\n", p.ServerID())
					return p.Run(ctx)
				},
			},
			{
				Name:        "remove",
				Description: "Take the relay off the master server list",
				Flags:       flags,
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.String("server-id") == "" {
						return errors.New("server-id is required")
					}
					if err := publisher(c, &relayStatus{client: &adminClient{}}, 0).Remove(ctx); err != nil {
						return err
					}
					_, _ = fmt.Fprintln(c.Root().Writer, "Deleted UPLIST entry")
					return nil
				},
			},
		},
	}
}
