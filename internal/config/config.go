// Package config reads the optional relayhost YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Relay  Relay  `yaml:"relay"`
	Admin  Admin  `yaml:"admin"`
	Uplist Uplist `yaml:"uplist"`
}

type Relay struct {
	Addr             string        `yaml:"addr"`
	CertFile         string        `yaml:"cert_file"`
	KeyFile          string        `yaml:"key_file"`
	PowDifficulty    uint8         `yaml:"pow_difficulty"`
	ChallengeTTL     time.Duration `yaml:"challenge_ttl"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type Admin struct {
	Addr          string   `yaml:"addr"`
	Secret        string   `yaml:"secret"`
	WebsocketPath string   `yaml:"ws_path"`
	CORSOrigins   []string `yaml:"cors_origins"`
}

type Uplist struct {
	Enabled        bool          `yaml:"enabled"`
	URLs           []string      `yaml:"urls"`
	ServerName     string        `yaml:"server_name"`
	MaxPlayers     int           `yaml:"max_players"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			Addr:             ":5123",
			PowDifficulty:    12,
			ChallengeTTL:     time.Minute,
			WriteTimeout:     5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Admin: Admin{
			Addr:          "127.0.0.1:5124",
			WebsocketPath: "/relay",
			CORSOrigins:   []string{"*"},
		},
		Uplist: Uplist{
			ServerName:     "RW-HPS relay",
			MaxPlayers:     10,
			UpdateInterval: 50 * time.Second,
		},
	}
}

// Load reads the file at path over the defaults. A blank path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not open config file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("could not parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Relay.Addr == "" {
		errs = append(errs, errors.New("relay.addr must not be empty"))
	}
	if c.Relay.PowDifficulty > 32 {
		errs = append(errs, fmt.Errorf("relay.pow_difficulty %d is above 32", c.Relay.PowDifficulty))
	}
	if (c.Relay.CertFile == "") != (c.Relay.KeyFile == "") {
		errs = append(errs, errors.New("relay.cert_file and relay.key_file must be set together"))
	}
	if c.Uplist.Enabled && len(c.Uplist.URLs) == 0 {
		errs = append(errs, errors.New("uplist.urls must not be empty when the uplist is enabled"))
	}
	if c.Uplist.MaxPlayers < 0 {
		errs = append(errs, errors.New("uplist.max_players must not be negative"))
	}
	return errors.Join(errs...)
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
