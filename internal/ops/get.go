package ops

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/Operative-001/ringnet/internal/contract"
	"github.com/Operative-001/ringnet/internal/eventlog"
)

// Get fetches the value stored under key, from the local store if present
// and from the network otherwise. A value found elsewhere is kept in the
// local store with its parameters.
func (m *Manager) Get(ctx context.Context, key contract.Key) (contract.Value, error) {
	if v, ok, err := m.store.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	tx := NewTransaction(TxGet)
	st, err := m.newSearch(tx, key)
	if err != nil {
		return nil, err
	}
	req := &GetRequest{
		Header:  m.header(tx),
		Routing: Routing{HTL: st.htl, Visited: st.visited.Slice()},
		Key:     key,
	}
	res, err := m.originate(ctx, st, req)
	if err != nil {
		return nil, err
	}
	if !res.found {
		return nil, ErrNotFound
	}
	return res.value, nil
}

// newSearch prepares the local state of a get or subscribe and picks the
// first hop.
func (m *Manager) newSearch(tx Transaction, key contract.Key) (*opState, error) {
	htl := m.ring.Config().MaxHopsToLive
	visited := visitedSet(nil, m.selfID())
	next, ok := m.nextHop(key.Location(), htl, visited)
	if !ok {
		return nil, ErrRoutingExhausted
	}
	visited.Add(next)
	return &opState{
		tx:      tx,
		target:  key.Location(),
		key:     key,
		htl:     htl,
		visited: visited,
		next:    next,
	}, nil
}

// forwardSearch decides what a hop does with a get or subscribe request it
// cannot answer itself. It returns the state to forward with, or nil when
// the request ends here.
func (m *Manager) forwardSearch(tx Transaction, key contract.Key, from peer.ID, r Routing) (*opState, []peer.ID) {
	htl := m.hopsLeft(r.HTL)
	visited := visitedSet(r.Visited, m.selfID(), from)
	next, ok := m.nextHop(key.Location(), htl, visited)
	if !ok {
		return nil, visited.Slice()
	}
	visited.Add(next)
	st := &opState{
		tx:       tx,
		upstream: from,
		target:   key.Location(),
		key:      key,
		htl:      htl,
		visited:  visited,
		next:     next,
		sentAt:   time.Now(),
	}
	if !m.insert(st) {
		return nil, visited.Slice()
	}
	m.advance(st, PhaseAwaitingResponse)
	return st, nil
}

// retrySearch points st at another unvisited hop after a negative answer.
// retry reports whether st should be sent again; owned is false when st
// already left the table, in which case the caller must drop the answer.
// When owned && !retry st has been removed.
func (m *Manager) retrySearch(st *opState, downstream []peer.ID) (retry, owned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ops[st.tx.ID] != st {
		return false, false
	}
	for _, id := range downstream {
		st.visited.Add(id)
	}
	if st.retries < m.cfg.MaxRetries {
		if next, ok := m.nextHop(st.target, st.htl, st.visited); ok {
			st.retries++
			st.visited.Add(next)
			st.next = next
			st.sentAt = time.Now()
			return true, true
		}
	}
	delete(m.ops, st.tx.ID)
	return false, true
}

func (m *Manager) handleGetRequest(ctx context.Context, from peer.ID, req *GetRequest) error {
	miss := func(visited []peer.ID) error {
		return m.send(ctx, from, &GetResponse{
			Header:  m.header(req.Tx),
			Key:     req.Key,
			Visited: visited,
		})
	}

	if m.has(req.Tx.ID) {
		return miss(visitedSet(req.Visited, m.selfID()).Slice())
	}
	v, ok, err := m.store.Get(ctx, req.Key)
	if err != nil {
		m.log.Error("store lookup", zap.String("key", string(req.Key)), zap.Error(err))
	}
	if ok {
		params, err := m.store.Params(ctx, req.Key)
		if err != nil {
			m.log.Warn("store params", zap.String("key", string(req.Key)), zap.Error(err))
		}
		return m.send(ctx, from, &GetResponse{
			Header: m.header(req.Tx),
			Key:    req.Key,
			Found:  true,
			Value:  v,
			Params: params,
		})
	}

	st, visited := m.forwardSearch(req.Tx, req.Key, from, req.Routing)
	if st == nil {
		return miss(visited)
	}
	fwd := &GetRequest{
		Header:  m.header(req.Tx),
		Routing: Routing{HTL: st.htl, Visited: st.visited.Slice()},
		Key:     req.Key,
	}
	if err := m.send(ctx, st.next, fwd); err != nil && m.claim(st) {
		return miss(fwd.Visited)
	}
	return nil
}

func (m *Manager) handleGetResponse(ctx context.Context, from peer.ID, resp *GetResponse) error {
	st, err := m.pendingFor(resp.Tx, TxGet, from)
	if err != nil || st == nil {
		return err
	}
	m.routeEvent(st, from, resp.Found)

	if resp.Found {
		if !m.claim(st) {
			return nil
		}
	} else {
		retry, owned := m.retrySearch(st, resp.Visited)
		if !owned {
			return nil
		}
		if retry {
			m.mu.Lock()
			fwd := &GetRequest{
				Header:  m.header(st.tx),
				Routing: Routing{HTL: st.htl, Visited: st.visited.Slice()},
				Key:     st.key,
			}
			next := st.next
			m.mu.Unlock()
			m.log.Debug("get retry", zap.Stringer("tx", st.tx.ID), zap.Stringer("peer", next))
			if err := m.send(ctx, next, fwd); err == nil || !m.claim(st) {
				return nil
			}
		}
	}

	if st.local() {
		if resp.Found {
			if err := m.store.Put(ctx, st.key, resp.Value, resp.Params); err != nil {
				m.log.Warn("cache fetched value", zap.String("key", string(st.key)), zap.Error(err))
			}
			m.emit(ctx, eventlog.Event{Tx: st.tx.ID, Peer: m.selfID(), Kind: eventlog.KindGet, Key: st.key, Other: from})
		}
		m.finish(st, result{value: resp.Value, found: resp.Found})
		return nil
	}
	m.finish(st, result{found: resp.Found})
	m.mu.Lock()
	visited := st.visited.Slice()
	m.mu.Unlock()
	return m.send(ctx, st.upstream, &GetResponse{
		Header:  m.header(st.tx),
		Key:     st.key,
		Found:   resp.Found,
		Value:   resp.Value,
		Params:  resp.Params,
		Visited: visited,
	})
}
