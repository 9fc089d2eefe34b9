package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/Operative-001/ringnet/internal/contract"
	"github.com/Operative-001/ringnet/internal/eventlog"
)

// Put stores value under key locally and routes it towards the key's
// location, storing it on every hop. Once the put succeeds every node on
// the path pushes the value to its subscribers. The value is kept locally
// even when the network part fails, but then only local listeners see it.
func (m *Manager) Put(ctx context.Context, key contract.Key, value contract.Value, params contract.Params) error {
	if err := m.store.Put(ctx, key, value, params); err != nil {
		return fmt.Errorf("ops: store %q: %w", key, err)
	}
	tx := NewTransaction(TxPut)

	htl := m.ring.Config().MaxHopsToLive
	visited := visitedSet(nil, m.selfID())
	next, ok := m.nextHop(key.Location(), htl, visited)
	if !ok {
		m.notifyListeners(key, value)
		return ErrRoutingExhausted
	}
	visited.Add(next)
	st := &opState{
		tx:      tx,
		target:  key.Location(),
		key:     key,
		htl:     htl,
		visited: visited,
		next:    next,
		value:   value,
		params:  params,
	}
	req := &PutRequest{
		Header:  m.header(tx),
		Routing: Routing{HTL: htl, Visited: visited.Slice()},
		Key:     key,
		Value:   value,
		Params:  params,
	}
	m.emit(ctx, eventlog.Event{Tx: tx.ID, Peer: m.selfID(), Kind: eventlog.KindPutRequest, Key: key, Other: next})

	res, err := m.originate(ctx, st, req)
	if err != nil {
		return err
	}
	if !res.found {
		return ErrPutRejected
	}
	return nil
}

// broadcastOnce runs the broadcast step of a successful put the first time
// this node sees it.
func (m *Manager) broadcastOnce(ctx context.Context, tx Transaction, key contract.Key, value contract.Value, params contract.Params, exclude peer.ID) {
	if !m.seen.Add(tx.ID) {
		return
	}
	m.broadcast(ctx, tx, key, value, params, exclude)
}

// broadcast pushes value to local listeners and to every subscriber of key
// except the peer it came from.
func (m *Manager) broadcast(ctx context.Context, tx Transaction, key contract.Key, value contract.Value, params contract.Params, exclude peer.ID) {
	m.notifyListeners(key, value)

	m.mu.Lock()
	var targets []peer.ID
	for id := range m.subscribers[key] {
		if id != exclude {
			targets = append(targets, id)
		}
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	msg := &PutBroadcast{
		Header:      m.header(tx),
		BroadcastID: tx.ID,
		Key:         key,
		Value:       value,
		Params:      params,
	}
	for _, id := range targets {
		if err := m.send(ctx, id, msg); err == nil {
			m.m.Broadcasts.WithLabelValues("out").Inc()
		}
	}
	m.emit(ctx, eventlog.Event{Tx: tx.ID, Peer: m.selfID(), Kind: eventlog.KindBroadcastEmitted, Key: key, Targets: targets})
}

func (m *Manager) handlePutRequest(ctx context.Context, from peer.ID, req *PutRequest) error {
	reply := func(ok bool) error {
		return m.send(ctx, from, &PutResponse{Header: m.header(req.Tx), Key: req.Key, Success: ok})
	}
	// the put ends here
	terminal := func() error {
		m.broadcastOnce(ctx, req.Tx, req.Key, req.Value, req.Params, from)
		return reply(true)
	}

	if m.has(req.Tx.ID) {
		return reply(true)
	}
	if err := m.store.Put(ctx, req.Key, req.Value, req.Params); err != nil {
		m.log.Error("store put", zap.String("key", string(req.Key)), zap.Error(err))
		return reply(false)
	}

	htl := m.hopsLeft(req.HTL)
	visited := visitedSet(req.Visited, m.selfID(), from)
	next, ok := m.nextHop(req.Key.Location(), htl, visited)
	if !ok {
		return terminal()
	}
	visited.Add(next)
	st := &opState{
		tx:       req.Tx,
		upstream: from,
		target:   req.Key.Location(),
		key:      req.Key,
		htl:      htl,
		visited:  visited,
		next:     next,
		sentAt:   time.Now(),
		value:    req.Value,
		params:   req.Params,
	}
	if !m.insert(st) {
		return reply(true)
	}
	m.advance(st, PhaseAwaitingResponse)
	fwd := &PutRequest{
		Header:  m.header(req.Tx),
		Routing: Routing{HTL: htl, Visited: visited.Slice()},
		Key:     req.Key,
		Value:   req.Value,
		Params:  req.Params,
	}
	if err := m.send(ctx, next, fwd); err != nil && m.claim(st) {
		// stored here, which is as far as it gets
		m.finish(st, result{found: true})
		return terminal()
	}
	return nil
}

func (m *Manager) handlePutResponse(ctx context.Context, from peer.ID, resp *PutResponse) error {
	st, err := m.pendingFor(resp.Tx, TxPut, from)
	if err != nil || st == nil {
		return err
	}
	if !m.claim(st) {
		return nil
	}
	m.routeEvent(st, from, resp.Success)

	if resp.Success {
		m.advance(st, PhaseBroadcasting)
		m.broadcastOnce(ctx, st.tx, st.key, st.value, st.params, st.upstream)
	}
	if st.local() && resp.Success {
		m.emit(ctx, eventlog.Event{Tx: st.tx.ID, Peer: m.selfID(), Kind: eventlog.KindPutSuccess, Key: st.key, Other: from})
	}
	m.finish(st, result{found: resp.Success})
	if st.local() {
		return nil
	}
	return m.send(ctx, st.upstream, &PutResponse{Header: m.header(st.tx), Key: st.key, Success: resp.Success})
}

func (m *Manager) handlePutBroadcast(ctx context.Context, from peer.ID, b *PutBroadcast) error {
	if !m.seen.Add(b.BroadcastID) {
		return nil
	}
	m.m.Broadcasts.WithLabelValues("in").Inc()
	if err := m.store.Put(ctx, b.Key, b.Value, b.Params); err != nil {
		return fmt.Errorf("ops: store broadcast %q: %w", b.Key, err)
	}
	m.emit(ctx, eventlog.Event{Tx: b.Tx.ID, Peer: m.selfID(), Kind: eventlog.KindBroadcastReceived, Key: b.Key, Other: from})
	m.broadcast(ctx, b.Tx, b.Key, b.Value, b.Params, from)
	return nil
}
