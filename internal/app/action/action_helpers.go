package action

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dimspell/relayhost/internal/admin"
	"github.com/dimspell/relayhost/internal/config"
	"github.com/urfave/cli/v3"
)

// loadConfig reads the --config file and lets explicitly set flags override
// its values.
func loadConfig(c *cli.Command) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}

	if c.IsSet("relay-addr") {
		cfg.Relay.Addr = c.String("relay-addr")
	}
	if c.IsSet("cert-file") {
		cfg.Relay.CertFile = c.String("cert-file")
	}
	if c.IsSet("key-file") {
		cfg.Relay.KeyFile = c.String("key-file")
	}
	if c.IsSet("pow-difficulty") {
		difficulty := c.Int("pow-difficulty")
		if difficulty < 0 || difficulty > 32 {
			return cfg, fmt.Errorf("invalid pow-difficulty: %d", difficulty)
		}
		cfg.Relay.PowDifficulty = uint8(difficulty)
	}
	if c.IsSet("admin-addr") {
		cfg.Admin.Addr = c.String("admin-addr")
	}
	if c.IsSet("admin-secret") {
		cfg.Admin.Secret = c.String("admin-secret")
	}
	if c.IsSet("ws-path") {
		cfg.Admin.WebsocketPath = c.String("ws-path")
	}
	if c.IsSet("uplist") {
		cfg.Uplist.Enabled = c.Bool("uplist")
	}
	if c.IsSet("uplist-url") {
		cfg.Uplist.URLs = c.StringSlice("uplist-url")
	}
	if c.IsSet("server-name") {
		cfg.Uplist.ServerName = c.String("server-name")
	}
	if cfg.Uplist.Enabled && len(cfg.Uplist.URLs) == 0 {
		cfg.Uplist.URLs = []string{defaultUplistURL}
	}

	return cfg, cfg.Validate()
}

// adminClient calls the admin API of a running relay.
type adminClient struct {
	baseURL string
	secret  []byte
	http    *http.Client
}

func newAdminClient(c *cli.Command) *adminClient {
	return &adminClient{
		baseURL: strings.TrimSuffix(c.String("admin-url"), "/"),
		secret:  []byte(c.String("admin-secret")),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (a *adminClient) do(ctx context.Context, method, path string, body any, authorized bool, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		token, err := admin.IssueToken(a.secret, adminTokenTTL)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("bad status: %s (%d)", resp.Status, resp.StatusCode)
		}
		return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fallbackString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
