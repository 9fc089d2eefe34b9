// Package config loads and validates node settings.
//
// Settings come from Default, optionally overlaid by a YAML file, and are
// then overridden by command line flags. Validate must pass before a node
// is built from them.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/Operative-001/ringnet/internal/crypto"
	"github.com/Operative-001/ringnet/internal/eventlog"
	"github.com/Operative-001/ringnet/internal/node"
	"github.com/Operative-001/ringnet/internal/ops"
	"github.com/Operative-001/ringnet/internal/ring"
	"github.com/Operative-001/ringnet/internal/transport"
)

const (
	DefaultGatewayPort = 7800
	DefaultListen      = "0.0.0.0:0"

	identityFile = "identity.json"
	eventLogFile = "events.log"
)

type Config struct {
	DataDir    string    `yaml:"data_dir"`
	Listen     string    `yaml:"listen"`
	PublicAddr string    `yaml:"public_addr"`
	Gateway    bool      `yaml:"gateway"`
	Location   *float64  `yaml:"location"`
	Gateways   []Gateway `yaml:"gateways"`
	STUNServer string    `yaml:"stun_server"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	Ring      Ring      `yaml:"ring"`
	Transport Transport `yaml:"transport"`
	Ops       Ops       `yaml:"ops"`
	EventLog  EventLog  `yaml:"event_log"`
}

// Gateway is a well-known peer given as a UDP multiaddr, e.g.
// /ip4/203.0.113.7/udp/7800, and its hex X25519 transport key.
type Gateway struct {
	Addr      string `yaml:"addr"`
	PublicKey string `yaml:"public_key"`
}

type Ring struct {
	MaxHopsToLive       int `yaml:"max_hops_to_live"`
	RandomPeerThreshold int `yaml:"random_peer_threshold"`
	MinConnections      int `yaml:"min_connections"`
	MaxConnections      int `yaml:"max_connections"`
}

type Transport struct {
	HandshakeInterval         time.Duration `yaml:"handshake_interval"`
	MaxHandshakeFailures      int           `yaml:"max_handshake_failures"`
	KeepAlive                 time.Duration `yaml:"keep_alive"`
	PeerTimeout               time.Duration `yaml:"peer_timeout"`
	MaxUpstreamBytesPerSecond int           `yaml:"max_upstream_bytes_per_second"`
}

type Ops struct {
	ConnectTTL          time.Duration `yaml:"connect_ttl"`
	OperationTTL        time.Duration `yaml:"operation_ttl"`
	MaxRetries          int           `yaml:"max_retries"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type EventLog struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	MaxRecords    int           `yaml:"max_records"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the settings a node runs with when nothing is configured.
func Default() Config {
	rc := ring.DefaultConfig()
	return Config{
		DataDir:  defaultDataDir(),
		Listen:   DefaultListen,
		LogLevel: "info",
		Ring: Ring{
			MaxHopsToLive:       rc.MaxHopsToLive,
			RandomPeerThreshold: rc.RandomPeerThreshold,
			MinConnections:      rc.MinConnections,
			MaxConnections:      rc.MaxConnections,
		},
		Transport: Transport{
			HandshakeInterval:    transport.DefaultHandshakeInterval,
			MaxHandshakeFailures: transport.DefaultMaxFailures,
			KeepAlive:            transport.DefaultKeepAlive,
			PeerTimeout:          transport.DefaultPeerTimeout,
		},
		Ops: Ops{
			ConnectTTL:          ops.DefaultConnectTTL,
			OperationTTL:        ops.DefaultOperationTTL,
			MaxRetries:          ops.DefaultMaxRetries,
			MaintenanceInterval: node.DefaultMaintenanceInterval,
		},
		EventLog: EventLog{
			Enabled:       true,
			MaxRecords:    eventlog.DefaultMaxRecords,
			BatchSize:     eventlog.DefaultBatchSize,
			FlushInterval: eventlog.DefaultFlushInterval,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ringnet"
	}
	return filepath.Join(home, ".ringnet")
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings for consistency.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is empty")
	}
	if err := c.RingConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Location != nil {
		if _, err := ring.NewLocation(*c.Location); err != nil {
			return fmt.Errorf("config: location: %w", err)
		}
	}
	for i, gw := range c.Gateways {
		if _, err := gw.Parse(); err != nil {
			return fmt.Errorf("config: gateway %d: %w", i, err)
		}
	}
	if c.Transport.MaxUpstreamBytesPerSecond < 0 {
		return errors.New("config: max upstream bytes per second is negative")
	}
	if c.Ops.MaxRetries < 0 {
		return errors.New("config: max retries is negative")
	}
	if c.EventLog.Enabled && (c.EventLog.MaxRecords <= 0 || c.EventLog.BatchSize <= 0) {
		return errors.New("config: event log limits must be positive")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Parse resolves the gateway's multiaddr to a UDP address and decodes
// its key.
func (g Gateway) Parse() (node.Gateway, error) {
	m, err := ma.NewMultiaddr(g.Addr)
	if err != nil {
		return node.Gateway{}, fmt.Errorf("address %q: %w", g.Addr, err)
	}
	addr, err := manet.ToNetAddr(m)
	if err != nil {
		return node.Gateway{}, fmt.Errorf("address %q: %w", g.Addr, err)
	}
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return node.Gateway{}, fmt.Errorf("address %q is not udp", g.Addr)
	}
	key, err := crypto.PubKeyFromHex(g.PublicKey)
	if err != nil {
		return node.Gateway{}, fmt.Errorf("public key: %w", err)
	}
	return node.Gateway{PublicKey: key, Addr: udp.String()}, nil
}

// GatewayMultiaddr renders a UDP host:port in the form Gateway.Addr takes.
func GatewayMultiaddr(hostport string) (string, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return "", err
	}
	m, err := manet.FromNetAddr(addr)
	if err != nil {
		return "", err
	}
	return m.String(), nil
}

func (c Config) RingConfig() ring.Config {
	rc := ring.DefaultConfig()
	rc.MaxHopsToLive = c.Ring.MaxHopsToLive
	rc.RandomPeerThreshold = c.Ring.RandomPeerThreshold
	rc.MinConnections = c.Ring.MinConnections
	rc.MaxConnections = c.Ring.MaxConnections
	return rc
}

// IdentityPath is where the node's key pair lives.
func (c Config) IdentityPath() string { return filepath.Join(c.DataDir, identityFile) }

// EventLogPath is where network events are recorded.
func (c Config) EventLogPath() string {
	if c.EventLog.Path != "" {
		return c.EventLog.Path
	}
	return filepath.Join(c.DataDir, eventLogFile)
}

// FileOptions returns the event log settings for eventlog.OpenFile.
func (c Config) FileOptions(log *zap.Logger) eventlog.FileOptions {
	return eventlog.FileOptions{
		Path:          c.EventLogPath(),
		MaxRecords:    c.EventLog.MaxRecords,
		BatchSize:     c.EventLog.BatchSize,
		FlushInterval: c.EventLog.FlushInterval,
		Logger:        log,
	}
}

// NodeConfig builds the node settings. The caller supplies the socket,
// storage and telemetry.
func (c Config) NodeConfig(keys *crypto.KeyPair, conn net.PacketConn) (node.Config, error) {
	if err := c.Validate(); err != nil {
		return node.Config{}, err
	}
	nc := node.Config{
		Keys:                      keys,
		Conn:                      conn,
		Gateway:                   c.Gateway,
		PublicAddr:                c.PublicAddr,
		STUNServer:                c.STUNServer,
		Ring:                      c.RingConfig(),
		HandshakeInterval:         c.Transport.HandshakeInterval,
		MaxHandshakeFailures:      c.Transport.MaxHandshakeFailures,
		KeepAlive:                 c.Transport.KeepAlive,
		PeerTimeout:               c.Transport.PeerTimeout,
		MaxUpstreamBytesPerSecond: c.Transport.MaxUpstreamBytesPerSecond,
		ConnectTTL:                c.Ops.ConnectTTL,
		OperationTTL:              c.Ops.OperationTTL,
		MaxRetries:                c.Ops.MaxRetries,
		MaintenanceInterval:       c.Ops.MaintenanceInterval,
	}
	if nc.MaxRetries == 0 {
		nc.MaxRetries = -1
	}
	if c.Location != nil {
		l := ring.Location(*c.Location)
		nc.Location = &l
	}
	for _, g := range c.Gateways {
		gw, err := g.Parse()
		if err != nil {
			return node.Config{}, err
		}
		nc.Gateways = append(nc.Gateways, gw)
	}
	return nc, nil
}

// NewLogger builds the production zap logger at the configured level.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
