// Package transport turns a single datagram socket into authenticated,
// encrypted connections to individual peers.
//
// Design:
//   - One goroutine (Handler.Run) owns all connection state and is the only
//     writer to the socket. A helper goroutine only reads.
//   - Datagrams are routed by source address: established connection,
//     in-progress handshake, pending STUN request, or the unsolicited path.
//   - A handshake is symmetric. Each side seals an intro carrying a fresh
//     128-bit session key to the other's X25519 key and resends it every
//     HandshakeInterval. Once a side has learned the remote key it also
//     sends "hello" under its own key; receiving the remote's hello under
//     the learned key completes the connection. This doubles as UDP hole
//     punching when both sides dial each other.
//   - Gateways accept unsolicited intros and trust the sender key they carry
//     on first use. Other nodes drop datagrams they cannot attribute.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/Operative-001/ringnet/internal/crypto"
	"github.com/Operative-001/ringnet/internal/metrics"
)

const (
	DefaultHandshakeInterval = 200 * time.Millisecond
	DefaultMaxFailures       = 20
	DefaultKeepAlive         = 10 * time.Second
	DefaultPeerTimeout       = 60 * time.Second

	acceptQueueDepth  = 64
	inboundQueueDepth = 128
	sendQueueDepth    = 256
)

var (
	ErrProtocolMismatch  = errors.New("protocol version mismatch")
	ErrUnexpectedMessage = errors.New("unexpected handshake message")
	ErrMaxFailures       = errors.New("too many handshake failures")
	ErrAddressConflict   = errors.New("address already bound to a different peer")

	ErrClosed           = errors.New("transport: handler closed")
	ErrConnectionClosed = errors.New("transport: connection closed")
	ErrPeerTimeout      = errors.New("transport: peer timed out")
	ErrConnectionReset  = errors.New("transport: peer restarted its session")
)

// ConnectionEstablishmentError is the terminal failure of a handshake.
// It is never retried by the transport; Cause tells why.
type ConnectionEstablishmentError struct {
	Addr  net.Addr
	Cause error
}

func (e *ConnectionEstablishmentError) Error() string {
	return fmt.Sprintf("transport: connection to %s failed: %v", e.Addr, e.Cause)
}

func (e *ConnectionEstablishmentError) Unwrap() error { return e.Cause }

// Config configures a Handler.
type Config struct {
	Conn    net.PacketConn
	Keys    *crypto.KeyPair
	Gateway bool // accept unsolicited handshakes

	HandshakeInterval time.Duration
	MaxFailures       int
	KeepAlive         time.Duration
	PeerTimeout       time.Duration

	// MaxUpstreamBytesPerSecond caps data frames across all connections.
	// Zero means unlimited.
	MaxUpstreamBytesPerSecond int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.HandshakeInterval == 0 {
		c.HandshakeInterval = DefaultHandshakeInterval
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = DefaultPeerTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}
