package ops

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Operative-001/ringnet/internal/eventlog"
	"github.com/Operative-001/ringnet/internal/ring"
)

// maxParallelDials bounds the outbound connections a joiner opens at once.
const maxParallelDials = 8

// Join asks the network, starting at the already connected peer via, for
// neighbors. Every peer that accepts opens a connection to this node and
// this node opens one back; the contacts that ended up in the ring are
// returned. If this node has no location yet it takes the one assigned by
// the first hop.
func (m *Manager) Join(ctx context.Context, via peer.ID) ([]ring.Contact, error) {
	tx := NewTransaction(TxConnect)
	self := m.SelfContact()
	htl := m.ring.Config().MaxHopsToLive
	visited := visitedSet(nil, self.ID(), via)

	st := &opState{
		tx:      tx,
		htl:     htl,
		visited: visited,
		next:    via,
		joiner:  self,
	}
	if self.Peer.HasLocation() {
		st.target = *self.Peer.Location
	}
	req := &ConnectRequest{
		Header:  m.header(tx),
		Routing: Routing{HTL: htl, Visited: visited.Slice()},
		Joiner:  self,
	}
	res, err := m.originate(ctx, st, req)
	if err != nil {
		return nil, err
	}
	return res.contacts, nil
}

func (m *Manager) handleConnectRequest(ctx context.Context, from peer.ID, req *ConnectRequest) error {
	joiner := req.Joiner
	if joiner.ID() == m.selfID() {
		m.log.Debug("own join request came back", zap.Stringer("tx", req.Tx.ID))
		return nil
	}
	if from == joiner.ID() {
		// first hop: the joiner cannot know its public address or place
		if addr, ok := m.bridge.PeerAddr(from); ok {
			joiner.Addr = addr
		}
		if !joiner.Peer.HasLocation() {
			joiner.Peer = joiner.Peer.WithLocation(ring.LocationFromBytes([]byte(joiner.Addr)))
		}
	}
	if !joiner.Peer.HasLocation() {
		m.log.Warn("join request without joiner location", zap.Stringer("tx", req.Tx.ID), zap.Stringer("peer", from))
		return nil
	}
	loc := *joiner.Peer.Location

	respond := func(accepted []ring.Contact) error {
		return m.send(ctx, from, &ConnectResponse{
			Header:       m.header(req.Tx),
			AcceptedBy:   accepted,
			YourLocation: loc,
			YourAddr:     joiner.Addr,
		})
	}
	if m.has(req.Tx.ID) {
		return respond(req.AcceptedBy)
	}

	accepted := req.AcceptedBy
	if m.ring.ShouldAccept(loc, joiner.ID()) && !containsPeer(accepted, m.selfID()) {
		accepted = append(accepted, m.SelfContact())
		go m.acceptJoiner(req.Tx, joiner)
	}

	htl := m.hopsLeft(req.HTL)
	visited := visitedSet(req.Visited, m.selfID(), from, joiner.ID())
	next, ok := m.nextHop(loc, htl, visited)
	if !ok {
		return respond(accepted)
	}
	visited.Add(next)
	st := &opState{
		tx:       req.Tx,
		upstream: from,
		target:   loc,
		htl:      htl,
		visited:  visited,
		next:     next,
		sentAt:   time.Now(),
		joiner:   joiner,
		accepted: accepted,
	}
	if !m.insert(st) {
		return respond(accepted)
	}
	m.advance(st, PhaseAwaitingResponse)
	fwd := &ConnectRequest{
		Header:     m.header(req.Tx),
		Routing:    Routing{HTL: htl, Visited: visited.Slice()},
		Joiner:     joiner,
		AcceptedBy: accepted,
	}
	if err := m.send(ctx, next, fwd); err != nil && m.claim(st) {
		return respond(accepted)
	}
	return nil
}

// acceptJoiner opens a connection to a joiner this node agreed to take as
// a neighbor. The joiner dials back once the response reaches it.
func (m *Manager) acceptJoiner(tx Transaction, joiner ring.Contact) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTTL)
	defer cancel()
	if err := m.bridge.Connect(ctx, joiner); err != nil {
		m.log.Warn("connect to joiner", zap.Stringer("peer", joiner.ID()), zap.String("addr", joiner.Addr), zap.Error(err))
		return
	}
	if !m.ring.AddConnection(joiner) {
		return
	}
	m.m.RingConnections.Set(float64(m.ring.Len()))
	m.log.Info("accepted joiner", zap.Stringer("peer", joiner.ID()), zap.Stringer("location", *joiner.Peer.Location))
	m.emit(ctx, eventlog.Event{
		Tx:       tx.ID,
		Peer:     m.selfID(),
		Kind:     eventlog.KindConnected,
		Other:    joiner.ID(),
		Location: joiner.Peer.Location,
	})
}

func (m *Manager) handleConnectResponse(ctx context.Context, from peer.ID, resp *ConnectResponse) error {
	st, err := m.pendingFor(resp.Tx, TxConnect, from)
	if err != nil || st == nil {
		return err
	}
	if !m.claim(st) {
		return nil
	}
	m.routeEvent(st, from, len(resp.AcceptedBy) > 0)

	if !st.local() {
		m.finish(st, result{contacts: resp.AcceptedBy})
		return m.send(ctx, st.upstream, &ConnectResponse{
			Header:       m.header(st.tx),
			AcceptedBy:   resp.AcceptedBy,
			YourLocation: resp.YourLocation,
			YourAddr:     resp.YourAddr,
		})
	}

	if !m.ring.OwnLocation().HasLocation() {
		m.ring.SetLocation(resp.YourLocation)
	}
	m.mu.Lock()
	if m.self.Addr == "" {
		m.self.Addr = resp.YourAddr
	}
	m.mu.Unlock()

	// dialing acceptors can take a full hole punch; keep the receive path free
	go func() {
		connected := m.connectAcceptors(st.tx, resp.AcceptedBy)
		m.emit(m.ctx, eventlog.Event{
			Tx:       st.tx.ID,
			Peer:     m.selfID(),
			Kind:     eventlog.KindConnectFinished,
			Location: m.ring.OwnLocation().Location,
		})
		if len(connected) == 0 {
			m.finish(st, result{err: ErrNoAcceptors})
			return
		}
		m.finish(st, result{contacts: connected})
	}()
	return nil
}

// connectAcceptors dials every acceptor in parallel and adds the ones that
// answer to the ring.
func (m *Manager) connectAcceptors(tx Transaction, acceptors []ring.Contact) []ring.Contact {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTTL)
	defer cancel()

	var (
		mu        sync.Mutex
		connected []ring.Contact
	)
	var g errgroup.Group
	g.SetLimit(maxParallelDials)
	for _, c := range acceptors {
		if c.ID() == m.selfID() {
			continue
		}
		c := c
		g.Go(func() error {
			if err := m.bridge.Connect(ctx, c); err != nil {
				m.log.Warn("connect to acceptor", zap.Stringer("peer", c.ID()), zap.String("addr", c.Addr), zap.Error(err))
				return nil
			}
			added := m.ring.AddConnection(c)
			mu.Lock()
			connected = append(connected, c)
			mu.Unlock()
			if added {
				m.emit(ctx, eventlog.Event{
					Tx:       tx.ID,
					Peer:     m.selfID(),
					Kind:     eventlog.KindConnected,
					Other:    c.ID(),
					Location: c.Peer.Location,
				})
			}
			return nil
		})
	}
	g.Wait()
	m.m.RingConnections.Set(float64(m.ring.Len()))
	return connected
}

func containsPeer(contacts []ring.Contact, id peer.ID) bool {
	for _, c := range contacts {
		if c.ID() == id {
			return true
		}
	}
	return false
}
