package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/Operative-001/ringnet/internal/ops"
	"github.com/Operative-001/ringnet/internal/ring"
	"github.com/Operative-001/ringnet/internal/transport"
)

// ErrNoConnection is returned when sending to a peer without a transport
// connection.
var ErrNoConnection = errors.New("node: no connection to peer")

// bridge maps peer identities to transport connections and carries
// operation messages over them.
type bridge struct {
	n *Node

	mu    sync.RWMutex
	conns map[peer.ID]*transport.PeerConnection
}

func newBridge(n *Node) *bridge {
	return &bridge{n: n, conns: make(map[peer.ID]*transport.PeerConnection)}
}

func (b *bridge) lookup(id peer.ID) (*transport.PeerConnection, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pc, ok := b.conns[id]
	return pc, ok
}

func (b *bridge) Send(ctx context.Context, to peer.ID, msg ops.Message) error {
	pc, ok := b.lookup(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConnection, to)
	}
	payload, err := ops.Encode(msg)
	if err != nil {
		return err
	}
	send := func() error { return pc.Send(ctx, payload) }
	if b.n.ring.Has(to) {
		return b.n.ring.Execute(to, send)
	}
	return send()
}

func (b *bridge) Connect(ctx context.Context, c ring.Contact) error {
	if pc, ok := b.lookup(c.ID()); ok && pc.Err() == nil {
		return nil
	}
	if c.Addr == "" {
		return fmt.Errorf("node: no address for %s", c.ID())
	}
	addr, err := b.n.handler.ResolveAddr(c.Addr)
	if err != nil {
		return fmt.Errorf("node: resolve %s: %w", c.Addr, err)
	}
	pc, err := b.n.handler.Connect(ctx, c.TransportKey(), addr, false)
	if err != nil {
		return err
	}
	if pc.RemoteID() != c.ID() {
		pc.Close()
		return fmt.Errorf("node: %s answered as %s, expected %s", c.Addr, pc.RemoteID(), c.ID())
	}
	b.track(pc)
	return nil
}

func (b *bridge) PeerAddr(id peer.ID) (string, bool) {
	pc, ok := b.lookup(id)
	if !ok {
		return "", false
	}
	return pc.RemoteAddr().String(), true
}

// track registers pc and starts its receive loop. A connection already
// tracked is left alone; one replacing a stale connection takes its place.
func (b *bridge) track(pc *transport.PeerConnection) {
	id := pc.RemoteID()
	b.mu.Lock()
	if old, ok := b.conns[id]; ok && old == pc {
		b.mu.Unlock()
		return
	}
	b.conns[id] = pc
	b.mu.Unlock()

	b.n.log.Debug("tracking connection", zap.Stringer("peer", id), zap.Stringer("addr", pc.RemoteAddr()))
	go b.recvLoop(pc)
}

// untrack forgets pc. It returns false if another connection to the same
// peer replaced it in the meantime.
func (b *bridge) untrack(pc *transport.PeerConnection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns[pc.RemoteID()] != pc {
		return false
	}
	delete(b.conns, pc.RemoteID())
	return true
}

func (b *bridge) close(id peer.ID) {
	if pc, ok := b.lookup(id); ok {
		pc.Close()
	}
}

func (b *bridge) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

func (b *bridge) recvLoop(pc *transport.PeerConnection) {
	id := pc.RemoteID()
	log := b.n.log.With(zap.Stringer("peer", id))
	for {
		payload, err := pc.Recv(b.n.ctx)
		if err != nil {
			b.n.disconnected(pc, err)
			return
		}
		msg, err := ops.Decode(payload)
		if err != nil {
			log.Warn("dropping undecodable message", zap.Int("bytes", len(payload)), zap.Error(err))
			continue
		}
		if err := b.n.ops.Handle(b.n.ctx, id, msg); err != nil {
			log.Debug("handle message", zap.Stringer("type", msg.Type()), zap.Error(err))
		}
	}
}
