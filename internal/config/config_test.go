package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Operative-001/ringnet/internal/crypto"
	"github.com/Operative-001/ringnet/internal/ring"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ringnet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testKey(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Ring.MaxHopsToLive)
	assert.Equal(t, 7, cfg.Ring.RandomPeerThreshold)
	assert.Equal(t, 10, cfg.Ring.MinConnections)
	assert.Equal(t, 20, cfg.Ring.MaxConnections)
	assert.Equal(t, 60*time.Second, cfg.Ops.OperationTTL)
	assert.Equal(t, 200*time.Millisecond, cfg.Transport.HandshakeInterval)
}

func TestLoadOverridesDefaults(t *testing.T) {
	kp := testKey(t)
	path := writeFile(t, `
data_dir: /var/lib/ringnet
listen: 0.0.0.0:7800
gateway: true
location: 0.25
log_level: debug
gateways:
  - addr: /ip4/127.0.0.1/udp/7801
    public_key: `+kp.PublicKeyHex()+`
ring:
  max_hops_to_live: 6
  random_peer_threshold: 3
transport:
  handshake_interval: 50ms
  peer_timeout: 2m
ops:
  operation_ttl: 15s
event_log:
  path: /tmp/events.log
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/ringnet", cfg.DataDir)
	assert.True(t, cfg.Gateway)
	require.NotNil(t, cfg.Location)
	assert.Equal(t, 0.25, *cfg.Location)
	assert.Equal(t, 6, cfg.Ring.MaxHopsToLive)
	assert.Equal(t, 3, cfg.Ring.RandomPeerThreshold)
	assert.Equal(t, 20, cfg.Ring.MaxConnections, "untouched keys keep defaults")
	assert.Equal(t, 50*time.Millisecond, cfg.Transport.HandshakeInterval)
	assert.Equal(t, 2*time.Minute, cfg.Transport.PeerTimeout)
	assert.Equal(t, 15*time.Second, cfg.Ops.OperationTTL)
	assert.Equal(t, "/tmp/events.log", cfg.EventLogPath())
	assert.Equal(t, "/var/lib/ringnet/identity.json", cfg.IdentityPath())
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "listen: :7800\nlisten_port: 7800\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateRejects(t *testing.T) {
	kp := testKey(t)
	one := 1.0
	cases := []struct {
		name string
		edit func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"threshold above max hops", func(c *Config) { c.Ring.RandomPeerThreshold = c.Ring.MaxHopsToLive + 1 }},
		{"min above max", func(c *Config) { c.Ring.MinConnections = c.Ring.MaxConnections + 1 }},
		{"zero hops", func(c *Config) { c.Ring.MaxHopsToLive = 0 }},
		{"location one", func(c *Config) { c.Location = &one }},
		{"negative retries", func(c *Config) { c.Ops.MaxRetries = -1 }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"event log batch", func(c *Config) { c.EventLog.BatchSize = 0 }},
		{"bad multiaddr", func(c *Config) {
			c.Gateways = []Gateway{{Addr: "127.0.0.1:7800", PublicKey: kp.PublicKeyHex()}}
		}},
		{"tcp gateway", func(c *Config) {
			c.Gateways = []Gateway{{Addr: "/ip4/127.0.0.1/tcp/7800", PublicKey: kp.PublicKeyHex()}}
		}},
		{"short key", func(c *Config) {
			c.Gateways = []Gateway{{Addr: "/ip4/127.0.0.1/udp/7800", PublicKey: "abcd"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.edit(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGatewayParse(t *testing.T) {
	kp := testKey(t)
	gw, err := Gateway{Addr: "/ip4/192.0.2.10/udp/7800", PublicKey: kp.PublicKeyHex()}.Parse()
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10:7800", gw.Addr)
	assert.Equal(t, kp.TransportPub, gw.PublicKey)

	gw, err = Gateway{Addr: "/ip6/::1/udp/7800", PublicKey: kp.PublicKeyHex()}.Parse()
	require.NoError(t, err)
	assert.Equal(t, "[::1]:7800", gw.Addr)
}

func TestGatewayMultiaddrRoundTrip(t *testing.T) {
	kp := testKey(t)
	m, err := GatewayMultiaddr("127.0.0.1:7800")
	require.NoError(t, err)
	assert.Equal(t, "/ip4/127.0.0.1/udp/7800", m)

	gw, err := Gateway{Addr: m, PublicKey: kp.PublicKeyHex()}.Parse()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7800", gw.Addr)
}

func TestNodeConfig(t *testing.T) {
	kp := testKey(t)
	loc := 0.75
	cfg := Default()
	cfg.Gateway = true
	cfg.Location = &loc
	cfg.Ops.MaxRetries = 0
	cfg.Gateways = []Gateway{{Addr: "/ip4/127.0.0.1/udp/7801", PublicKey: kp.PublicKeyHex()}}

	nc, err := cfg.NodeConfig(kp, nil)
	require.NoError(t, err)
	assert.True(t, nc.Gateway)
	require.NotNil(t, nc.Location)
	assert.Equal(t, ring.Location(0.75), *nc.Location)
	assert.Equal(t, ring.DefaultConfig(), nc.Ring)
	assert.Negative(t, nc.MaxRetries, "zero retries must survive the engine's defaulting")
	require.Len(t, nc.Gateways, 1)
	assert.Equal(t, "127.0.0.1:7801", nc.Gateways[0].Addr)

	cfg.Ring.MaxHopsToLive = -1
	_, err = cfg.NodeConfig(kp, nil)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	log, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(-1))
	assert.True(t, log.Core().Enabled(1))
}
