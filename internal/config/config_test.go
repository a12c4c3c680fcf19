package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
relay:
  addr: ":7000"
  pow_difficulty: 16
  write_timeout: 2s
admin:
  secret: hunter2
uplist:
  enabled: true
  urls:
    - http://master.example/interface
`))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Relay.Addr)
	assert.Equal(t, uint8(16), cfg.Relay.PowDifficulty)
	assert.Equal(t, 2*time.Second, cfg.Relay.WriteTimeout)
	assert.Equal(t, "hunter2", cfg.Admin.Secret)
	assert.True(t, cfg.Uplist.Enabled)

	// Untouched keys keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Relay.HandshakeTimeout)
	assert.Equal(t, "127.0.0.1:5124", cfg.Admin.Addr)
	assert.Equal(t, 50*time.Second, cfg.Uplist.UpdateInterval)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "unknown key", input: "relay:\n  port: 1\n", want: "field port not found"},
		{name: "difficulty", input: "relay:\n  pow_difficulty: 40\n", want: "above 32"},
		{name: "half a key pair", input: "relay:\n  cert_file: cert.pem\n", want: "must be set together"},
		{name: "uplist without urls", input: "uplist:\n  enabled: true\n", want: "uplist.urls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "relayhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin:\n  ws_path: /ws\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/ws", cfg.Admin.WebsocketPath)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarshal_RoundTrip(t *testing.T) {
	want := Default()
	want.Admin.Secret = "s3cret"

	data, err := want.Marshal()
	require.NoError(t, err)

	got, err := Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
