package ops

import (
	"context"
	"errors"
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/Operative-001/ringnet/internal/contract"
	"github.com/Operative-001/ringnet/internal/eventlog"
	"github.com/Operative-001/ringnet/internal/ring"
)

// Subscribe asks a peer holding key to push future puts of it to this
// node. The returned channel receives every new value until cancel is
// called or the manager stops. If no peer can be reached but the value is
// stored locally, only local puts and broadcasts are delivered.
func (m *Manager) Subscribe(ctx context.Context, key contract.Key) (<-chan contract.Value, func(), error) {
	l := m.addListener(key)
	cancel := func() { m.removeListener(key, l) }

	localOnly := func(cause error) (<-chan contract.Value, func(), error) {
		if _, ok, err := m.store.Get(ctx, key); err == nil && ok {
			m.log.Debug("subscribed locally", zap.String("key", string(key)), zap.Error(cause))
			return l.ch, cancel, nil
		}
		cancel()
		return nil, nil, cause
	}

	tx := NewTransaction(TxSubscribe)
	st, err := m.newSearch(tx, key)
	if errors.Is(err, ErrRoutingExhausted) {
		return localOnly(err)
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req := &SubscribeRequest{
		Header:  m.header(tx),
		Routing: Routing{HTL: st.htl, Visited: st.visited.Slice()},
		Key:     key,
	}
	res, err := m.originate(ctx, st, req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if !res.found {
		return localOnly(ErrNotFound)
	}
	return l.ch, cancel, nil
}

// Subscribers returns the peers that receive broadcasts for key.
func (m *Manager) Subscribers(key contract.Key) []peer.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.subscribers[key].Slice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) addSubscriber(key contract.Key, id peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribers[key]
	if !ok {
		subs = ring.NewPeerSet()
		m.subscribers[key] = subs
	}
	subs.Add(id)
}

func (m *Manager) addListener(key contract.Key) *listener {
	l := &listener{ch: make(chan contract.Value, listenerBuffer)}
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.listeners[key]
	if !ok {
		ls = make(map[*listener]struct{})
		m.listeners[key] = ls
	}
	ls[l] = struct{}{}
	return l
}

func (m *Manager) removeListener(key contract.Key, l *listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.listeners[key]
	if !ok {
		return
	}
	if _, ok := ls[l]; !ok {
		return
	}
	delete(ls, l)
	close(l.ch)
	if len(ls) == 0 {
		delete(m.listeners, key)
	}
}

// notifyListeners hands value to local subscribers without blocking.
func (m *Manager) notifyListeners(key contract.Key, value contract.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for l := range m.listeners[key] {
		select {
		case l.ch <- value:
		default:
			m.log.Warn("subscriber too slow, dropping update", zap.String("key", string(key)))
		}
	}
}

func (m *Manager) handleSubscribeRequest(ctx context.Context, from peer.ID, req *SubscribeRequest) error {
	reply := func(ok bool, visited []peer.ID) error {
		return m.send(ctx, from, &SubscribeResponse{
			Header:     m.header(req.Tx),
			Key:        req.Key,
			Subscribed: ok,
			Visited:    visited,
		})
	}

	if m.has(req.Tx.ID) {
		return reply(false, visitedSet(req.Visited, m.selfID()).Slice())
	}
	_, ok, err := m.store.Get(ctx, req.Key)
	if err != nil {
		m.log.Error("store lookup", zap.String("key", string(req.Key)), zap.Error(err))
	}
	if ok {
		m.addSubscriber(req.Key, from)
		m.log.Debug("peer subscribed", zap.String("key", string(req.Key)), zap.Stringer("peer", from))
		return reply(true, nil)
	}

	st, visited := m.forwardSearch(req.Tx, req.Key, from, req.Routing)
	if st == nil {
		return reply(false, visited)
	}
	fwd := &SubscribeRequest{
		Header:  m.header(req.Tx),
		Routing: Routing{HTL: st.htl, Visited: st.visited.Slice()},
		Key:     req.Key,
	}
	if err := m.send(ctx, st.next, fwd); err != nil && m.claim(st) {
		return reply(false, fwd.Visited)
	}
	return nil
}

func (m *Manager) handleSubscribeResponse(ctx context.Context, from peer.ID, resp *SubscribeResponse) error {
	st, err := m.pendingFor(resp.Tx, TxSubscribe, from)
	if err != nil || st == nil {
		return err
	}
	m.routeEvent(st, from, resp.Subscribed)

	if resp.Subscribed {
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
			fwd := &SubscribeRequest{
				Header:  m.header(st.tx),
				Routing: Routing{HTL: st.htl, Visited: st.visited.Slice()},
				Key:     st.key,
			}
			next := st.next
			m.mu.Unlock()
			if err := m.send(ctx, next, fwd); err == nil || !m.claim(st) {
				return nil
			}
		}
	}

	if st.local() {
		if resp.Subscribed {
			m.emit(ctx, eventlog.Event{Tx: st.tx.ID, Peer: m.selfID(), Kind: eventlog.KindSubscribed, Key: st.key, Other: from})
		}
		m.finish(st, result{found: resp.Subscribed})
		return nil
	}
	if resp.Subscribed {
		m.addSubscriber(st.key, st.upstream)
	}
	m.finish(st, result{found: resp.Subscribed})
	m.mu.Lock()
	visited := st.visited.Slice()
	m.mu.Unlock()
	return m.send(ctx, st.upstream, &SubscribeResponse{
		Header:     m.header(st.tx),
		Key:        st.key,
		Subscribed: resp.Subscribed,
		Visited:    visited,
	})
}
