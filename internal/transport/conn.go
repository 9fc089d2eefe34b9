package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/Operative-001/ringnet/internal/crypto"
	"github.com/Operative-001/ringnet/internal/protocol"
)

// PeerConnection is an established, encrypted channel to one peer.
//
// Send blocks while the previous payload is still waiting for the socket:
// the outbound buffer holds a single message so a slow peer pushes back on
// its sender instead of growing a queue.
type PeerConnection struct {
	h         *Handler
	addr      net.Addr
	remoteID  peer.ID
	remoteKey [32]byte
	gateway   bool
	outKey    crypto.SymmetricKey
	inKey     crypto.SymmetricKey

	outbound chan []byte
	inbound  chan []byte

	ctx    context.Context
	cancel context.CancelCauseFunc

	// owned by the Run goroutine
	lastSeen time.Time
	lastSent time.Time
}

// RemoteID returns the authenticated identity of the peer.
func (c *PeerConnection) RemoteID() peer.ID { return c.remoteID }

// RemoteAddr returns the address datagrams from the peer arrive from.
func (c *PeerConnection) RemoteAddr() net.Addr { return c.addr }

// RemoteKey returns the peer's X25519 transport key.
func (c *PeerConnection) RemoteKey() [32]byte { return c.remoteKey }

// IsGateway reports whether the peer was dialed as a gateway.
func (c *PeerConnection) IsGateway() bool { return c.gateway }

// Done is closed once the connection is gone.
func (c *PeerConnection) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns why the connection closed, or nil while it is open.
func (c *PeerConnection) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

// Send queues one payload for the peer.
func (c *PeerConnection) Send(ctx context.Context, payload []byte) error {
	if len(payload) > protocol.MaxPayload {
		return fmt.Errorf("transport: payload %d bytes: %w", len(payload), protocol.ErrTooLarge)
	}
	if c.ctx.Err() != nil {
		return context.Cause(c.ctx)
	}
	select {
	case c.outbound <- payload:
		return nil
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next payload from the peer. Payloads that arrived
// before the connection closed are still returned.
func (c *PeerConnection) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.inbound:
		return b, nil
	default:
	}
	select {
	case b := <-c.inbound:
		return b, nil
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the connection down locally. The peer notices through its
// own timeout.
func (c *PeerConnection) Close() error {
	if c.ctx.Err() != nil {
		return nil
	}
	c.cancel(ErrConnectionClosed)
	err := c.h.exec(context.Background(), func() { c.h.removeConnection(c) })
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// deliver runs on the Run goroutine and must not block it.
func (c *PeerConnection) deliver(payload []byte) {
	select {
	case c.inbound <- payload:
	default:
		c.h.m.PacketsDropped.WithLabelValues("backlog").Inc()
		c.h.log.Warn("receive backlog full, dropping payload", zap.Stringer("peer", c.remoteID))
	}
}

func (c *PeerConnection) writeLoop() {
	for {
		select {
		case b := <-c.outbound:
			if err := c.h.limiter.WaitN(c.ctx, len(b)); err != nil {
				return
			}
			pkt, err := protocol.EncodeFrame(c.outKey, protocol.FrameData, b)
			if err != nil {
				c.h.log.Error("encode frame", zap.Stringer("peer", c.remoteID), zap.Error(err))
				continue
			}
			if err := c.h.enqueue(c.ctx, datagram{addr: c.addr, data: pkt, conn: c}); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
