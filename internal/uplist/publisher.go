// Package uplist advertises the relay on the game's master server list.
package uplist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/dimspell/relayhost/internal/metrics"
	"github.com/dimspell/relayhost/internal/relay"
	"github.com/google/uuid"
	"github.com/kelindar/event"
	"go.uber.org/atomic"
)

const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionRemove = "remove"
	ActionOpen   = "open"
)

const (
	fallbackPrivateIP = "10.0.0.1"
	maxServerName     = 15
	maxResponseSize   = 64 << 10
)

var (
	ErrBadAPI          = errors.New("uplist: please check the api")
	ErrIPProhibited    = errors.New("uplist: ip prohibited")
	ErrVersionRejected = errors.New("uplist: version rejected")
	ErrNotListed       = errors.New("uplist: server is not on the list")
	ErrNoServers       = errors.New("uplist: no master server configured")
)

// Source is the part of the registry the publisher reads from.
type Source interface {
	MemberCount() int
	Events() *event.Dispatcher
}

type Config struct {
	URLs        []string
	ServerID    string
	ServerName  string
	Port        int
	GameVersion string
	VersionCode int
	Beta        bool
	Passworded  bool
	MaxPlayers  int

	UpdateInterval time.Duration
	RetryInterval  time.Duration
	RetryWindow    time.Duration
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ServerID:       uuid.NewString(),
		ServerName:     "RW-HPS relay",
		Port:           5123,
		GameVersion:    "1.15",
		VersionCode:    176,
		MaxPlayers:     10,
		UpdateInterval: 50 * time.Second,
		RetryInterval:  2 * time.Second,
		RetryWindow:    2 * time.Minute,
		RequestTimeout: 10 * time.Second,
	}
}

type Publisher struct {
	source Source
	config Config
	client *http.Client
	logger *slog.Logger

	privateIP func() string
	listed    atomic.Bool
	reachable atomic.Bool
}

type Option func(*Publisher)

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.client = c }
}

// WithPrivateIP overrides the detection of the address advertised as the
// local one.
func WithPrivateIP(fn func() string) Option {
	return func(p *Publisher) { p.privateIP = fn }
}

func New(source Source, config Config, opts ...Option) *Publisher {
	if config.ServerID == "" {
		config.ServerID = uuid.NewString()
	}
	p := &Publisher{
		source:    source,
		config:    config,
		logger:    slog.With(slog.String("component", "uplist")),
		privateIP: detectPrivateIP,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: config.RequestTimeout}
	}
	return p
}

// ServerID identifies the list entry across add, update and remove.
func (p *Publisher) ServerID() string { return p.config.ServerID }

// Listed reports whether the last add call succeeded and no remove followed.
func (p *Publisher) Listed() bool { return p.listed.Load() }

// Reachable reports whether a master server could open the relay port
// after the last add.
func (p *Publisher) Reachable() bool { return p.reachable.Load() }

// Add lists the server and asks the master servers to check that the relay
// port is open. A closed port is logged, not returned.
func (p *Publisher) Add(ctx context.Context) error {
	if err := p.announce(ctx, ActionAdd); err != nil {
		return err
	}
	p.listed.Store(true)

	if p.checkPort(ctx) {
		p.logger.Info("Relay port is open", "port", p.config.Port)
	} else {
		p.logger.Warn("Relay port is not reachable from the master server", "port", p.config.Port)
	}
	return nil
}

func (p *Publisher) Update(ctx context.Context) error {
	return p.announce(ctx, ActionUpdate)
}

func (p *Publisher) Remove(ctx context.Context) error {
	err := p.announce(ctx, ActionRemove)
	p.listed.Store(false)
	return err
}

// Run lists the server, keeps the entry fresh until ctx is cancelled and
// removes it on the way out. Room lifecycle events trigger an early update.
func (p *Publisher) Run(ctx context.Context) error {
	// Events raised during the initial add trigger the first update.
	trigger := make(chan struct{}, 1)
	for _, unsubscribe := range p.subscribe(trigger) {
		defer unsubscribe()
	}

	if err := p.addWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.RequestTimeout)
		defer cancel()
		if err := p.Remove(removeCtx); err != nil {
			p.logger.Warn("Could not remove the server from the list", logging.Error(err))
			return
		}
		p.logger.Info("Removed the server from the list")
	}()

	ticker := time.NewTicker(p.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
		}
		if err := p.Update(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Could not update the list entry", logging.Error(err))
		}
	}
}

func (p *Publisher) addWithRetry(ctx context.Context) error {
	exponentialBackOff := backoff.NewExponentialBackOff()
	exponentialBackOff.InitialInterval = p.config.RetryInterval
	exponentialBackOff.MaxElapsedTime = p.config.RetryWindow

	return backoff.RetryNotify(
		func() error {
			err := p.Add(ctx)
			if errors.Is(err, ErrBadAPI) || errors.Is(err, ErrIPProhibited) || errors.Is(err, ErrVersionRejected) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(exponentialBackOff, ctx),
		func(err error, duration time.Duration) {
			p.logger.Warn("Retrying the server list upload",
				"duration", duration.String(),
				logging.Error(err))
		},
	)
}

func (p *Publisher) subscribe(trigger chan<- struct{}) []context.CancelFunc {
	notify := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	events := p.source.Events()
	if events == nil {
		return nil
	}
	return []context.CancelFunc{
		event.SubscribeTo(events, relay.EventRoomCreated, func(relay.RoomCreated) { notify() }),
		event.SubscribeTo(events, relay.EventRoomClosed, func(relay.RoomClosed) { notify() }),
		event.SubscribeTo(events, relay.EventMembersChanged, func(relay.MembersChanged) { notify() }),
	}
}

// announce sends the action to every master server. One accepting server is
// enough for the call to succeed.
func (p *Publisher) announce(ctx context.Context, action string) error {
	if len(p.config.URLs) == 0 {
		return ErrNoServers
	}

	form := p.form(action)
	var errs []error
	accepted := 0
	for _, target := range p.config.URLs {
		body, err := p.post(ctx, target, form)
		if err == nil {
			err = p.checkResponse(action, body)
		}
		if err != nil {
			metrics.UplistRequests.WithLabelValues(action, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		metrics.UplistRequests.WithLabelValues(action, "ok").Inc()
		accepted++
	}

	switch {
	case accepted == 0:
		return errors.Join(errs...)
	case len(errs) > 0:
		p.logger.Warn("Some master servers refused the request",
			"action", action,
			"accepted", accepted,
			logging.Error(errors.Join(errs...)))
	default:
		p.logger.Debug("Master servers accepted the request", "action", action, "accepted", accepted)
	}
	return nil
}

// checkPort reports whether any master server answered the open port check
// with true.
func (p *Publisher) checkPort(ctx context.Context) bool {
	form := url.Values{}
	form.Set("action", ActionOpen)
	form.Set("id", p.config.ServerID)
	form.Set("port", strconv.Itoa(p.config.Port))

	open := false
	for _, target := range p.config.URLs {
		body, err := p.post(ctx, target, form)
		if err != nil {
			metrics.UplistRequests.WithLabelValues(ActionOpen, "error").Inc()
			p.logger.Debug("Open port check failed", "target", target, logging.Error(err))
			continue
		}
		metrics.UplistRequests.WithLabelValues(ActionOpen, "ok").Inc()
		if strings.Contains(body, "true") {
			open = true
		}
	}
	p.reachable.Store(open)
	return open
}

func (p *Publisher) form(action string) url.Values {
	form := url.Values{}
	form.Set("action", action)
	form.Set("id", p.config.ServerID)
	if action == ActionRemove {
		return form
	}

	form.Set("name", cut(p.config.ServerName, maxServerName))
	form.Set("port", strconv.Itoa(p.config.Port))
	form.Set("private_ip", p.privateIP())
	form.Set("map", "")
	form.Set("status", "ingame")
	form.Set("players", strconv.Itoa(p.source.MemberCount()))
	form.Set("max_players", strconv.Itoa(p.config.MaxPlayers))
	form.Set("passworded", strconv.FormatBool(p.config.Passworded))
	if action == ActionAdd {
		form.Set("game_version", p.config.GameVersion)
		form.Set("version_code", strconv.Itoa(p.config.VersionCode))
		form.Set("beta", strconv.FormatBool(p.config.Beta))
	}
	return form
}

func (p *Publisher) post(ctx context.Context, target string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "relayhost")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status: %s (%d)", resp.Status, resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}

func (p *Publisher) checkResponse(action, body string) error {
	switch {
	case strings.HasPrefix(body, "[-1]"):
		return ErrBadAPI
	case strings.HasPrefix(body, "[-2]"):
		return ErrIPProhibited
	case strings.HasPrefix(body, "[-4]"):
		return ErrVersionRejected
	case strings.HasPrefix(body, "[-0]"), strings.HasPrefix(body, "[-5]"):
		p.logger.Info("Master server notice", "message", strings.TrimSpace(body[4:]))
	}

	if action == ActionAdd && !strings.Contains(body, p.config.ServerID) {
		return ErrNotListed
	}
	return nil
}

func cut(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// detectPrivateIP returns the first non-loopback IPv4 address of the host.
func detectPrivateIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return fallbackPrivateIP
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return fallbackPrivateIP
}
