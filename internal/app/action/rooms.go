package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dimspell/relayhost/internal/admin"
	"github.com/dimspell/relayhost/internal/relay"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

func RoomsCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "admin-url",
			Value: defaultPublicAdminAddr,
			Usage: "Base URL of the admin API",
		},
		&cli.StringFlag{
			Name:    "admin-secret",
			Usage:   "Secret signing the admin API tokens",
			Sources: cli.EnvVars("RELAYHOST_ADMIN_SECRET"),
		},
	}

	cmd := &cli.Command{
		Name:        "rooms",
		Description: "List the rooms of a running relay",
		Flags:       flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			var rooms []relay.RoomInfo
			if err := newAdminClient(c).do(ctx, http.MethodGet, "/rooms", nil, false, &rooms); err != nil {
				return err
			}
			renderRooms(c.Root().Writer, rooms)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:        "broadcast",
				Usage:       "broadcast <message>",
				Description: "Send a system message to every room",
				Flags:       flags,
				Action: func(ctx context.Context, c *cli.Command) error {
					msg := strings.Join(c.Args().Slice(), " ")
					if strings.TrimSpace(msg) == "" {
						return errors.New("message is required")
					}
					var resp admin.DeliveryResponse
					err := newAdminClient(c).do(ctx, http.MethodPost, "/rooms/broadcast",
						admin.MessageRequest{Message: msg}, true, &resp)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(c.Root().Writer, "Delivered: %d, failed: %d\n", resp.Delivered, resp.Failed)
					for _, e := range resp.Errors {
						_, _ = fmt.Fprintf(c.Root().Writer, "  %s\n", e)
					}
					return nil
				},
			},
			{
				Name:        "close",
				Usage:       "close <id>",
				Description: "Close a room and disconnect its players",
				Flags:       flags,
				Action: func(ctx context.Context, c *cli.Command) error {
					id := c.Args().First()
					if id == "" {
						return errors.New("room id is required")
					}
					path := "/rooms/" + url.PathEscape(id)
					if err := newAdminClient(c).do(ctx, http.MethodDelete, path, nil, true, nil); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(c.Root().Writer, "Closed room %s\n", id)
					return nil
				},
			},
		},
	}

	return cmd
}

func renderRooms(w io.Writer, rooms []relay.RoomInfo) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"ID", "Admin", "Players", "Max", "Version", "Modded", "Started", "Age"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, room := range rooms {
		maxPlayers := "-"
		if room.MaxPlayers > 0 {
			maxPlayers = strconv.Itoa(room.MaxPlayers)
		}
		tw.Append([]string{
			room.PublicID,
			fallbackString(room.Admin, "-"),
			strconv.Itoa(room.Members),
			maxPlayers,
			strconv.Itoa(room.Version),
			strconv.FormatBool(room.Modded),
			strconv.FormatBool(room.Started),
			time.Since(room.CreatedAt).Truncate(time.Second).String(),
		})
	}

	tw.Render()
}
