// Package ops runs the distributed operations of a node: joining the ring,
// storing values, fetching them and subscribing to their updates.
//
// Every operation is a Transaction that travels hop by hop. A hop that
// forwards a request keeps an entry in the Manager's table until the
// response comes back through it or the entry expires; the response then
// retraces the same path towards the originator.
package ops

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/Operative-001/ringnet/internal/contract"
	"github.com/Operative-001/ringnet/internal/eventlog"
	"github.com/Operative-001/ringnet/internal/metrics"
	"github.com/Operative-001/ringnet/internal/ring"
	"github.com/Operative-001/ringnet/internal/seen"
)

const (
	DefaultConnectTTL    = 30 * time.Second
	DefaultOperationTTL  = 60 * time.Second
	DefaultMaxRetries    = 2
	DefaultSweepInterval = time.Second

	listenerBuffer = 16
)

var (
	ErrRoutingExhausted = errors.New("ops: no eligible peer to route to")
	ErrOperationTimeout = errors.New("ops: operation timed out")
	ErrIncorrectTxType  = errors.New("ops: message does not match the transaction type")
	ErrNotFound         = errors.New("ops: contract not found")
	ErrNoAcceptors      = errors.New("ops: no peer accepted the join")
	ErrPutRejected      = errors.New("ops: put rejected downstream")
	ErrClosed           = errors.New("ops: manager stopped")
)

// Bridge is how the engine reaches other peers.
type Bridge interface {
	// Send delivers msg over an established connection to the peer.
	Send(ctx context.Context, to peer.ID, msg Message) error
	// Connect opens a transport connection to c, or returns at once if one
	// exists.
	Connect(ctx context.Context, c ring.Contact) error
	// PeerAddr returns the address a connected peer's datagrams come from.
	PeerAddr(id peer.ID) (string, bool)
}

// Config wires a Manager to its collaborators.
type Config struct {
	Ring   *ring.Ring
	Store  contract.Store
	Bridge Bridge
	Events eventlog.Register

	// Self is this node's contact. Its location is taken from Ring.
	Self ring.Contact

	ConnectTTL   time.Duration
	OperationTTL time.Duration
	// MaxRetries bounds how often a get or subscribe tries another hop
	// after a miss. Zero means DefaultMaxRetries, negative means never.
	MaxRetries    int
	SweepInterval time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.Events == nil {
		c.Events = eventlog.Discard{}
	}
	if c.ConnectTTL <= 0 {
		c.ConnectTTL = DefaultConnectTTL
	}
	if c.OperationTTL <= 0 {
		c.OperationTTL = DefaultOperationTTL
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}

type result struct {
	value    contract.Value
	found    bool
	contacts []ring.Contact
	err      error
}

// opState is one row of the transaction table.
type opState struct {
	tx       Transaction
	phase    Phase
	upstream peer.ID // empty when the operation started here
	target   ring.Location
	key      contract.Key
	htl      int
	visited  ring.PeerSet
	retries  int
	next     peer.ID
	sentAt   time.Time
	expires  time.Time
	done     chan result

	value  contract.Value // put only
	params contract.Params

	joiner   ring.Contact
	accepted []ring.Contact
}

func (st *opState) local() bool { return st.upstream == "" }

type listener struct {
	ch chan contract.Value
}

// Manager owns the transaction table of one node.
type Manager struct {
	cfg    Config
	ring   *ring.Ring
	store  contract.Store
	bridge Bridge
	events eventlog.Register
	log    *zap.Logger
	m      *metrics.Metrics
	seen   *seen.Cache[uuid.UUID]

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	self        ring.Contact
	ops         map[uuid.UUID]*opState
	subscribers map[contract.Key]ring.PeerSet
	listeners   map[contract.Key]map[*listener]struct{}
}

// New creates a Manager. Run must be called for expired transactions to
// be swept.
func New(cfg Config) (*Manager, error) {
	switch {
	case cfg.Ring == nil:
		return nil, errors.New("ops: Ring is required")
	case cfg.Store == nil:
		return nil, errors.New("ops: Store is required")
	case cfg.Bridge == nil:
		return nil, errors.New("ops: Bridge is required")
	}
	cfg.setDefaults()
	cfg.Self.Peer.Peer = cfg.Ring.OwnLocation().Peer

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		ring:        cfg.Ring,
		store:       cfg.Store,
		bridge:      cfg.Bridge,
		events:      cfg.Events,
		log:         cfg.Logger.Named("ops"),
		m:           cfg.Metrics,
		seen:        seen.New[uuid.UUID](cfg.OperationTTL),
		ctx:         ctx,
		cancel:      cancel,
		self:        cfg.Self,
		ops:         make(map[uuid.UUID]*opState),
		subscribers: make(map[contract.Key]ring.PeerSet),
		listeners:   make(map[contract.Key]map[*listener]struct{}),
	}, nil
}

// Run sweeps expired transactions until ctx is done. Pending local
// operations then fail with ErrClosed.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.sweep(now)
		case <-ctx.Done():
			m.shutdown()
			return nil
		}
	}
}

func (m *Manager) shutdown() {
	m.cancel()
	m.seen.Close()
	m.mu.Lock()
	pending := m.ops
	m.ops = make(map[uuid.UUID]*opState)
	for key, ls := range m.listeners {
		for l := range ls {
			close(l.ch)
		}
		delete(m.listeners, key)
	}
	m.mu.Unlock()
	m.m.InFlight.Set(0)
	for _, st := range pending {
		if st.done != nil {
			st.done <- result{err: ErrClosed}
		}
	}
}

// sweep drops every transaction past its deadline.
func (m *Manager) sweep(now time.Time) {
	var expired []*opState
	m.mu.Lock()
	for id, st := range m.ops {
		if now.After(st.expires) {
			delete(m.ops, id)
			expired = append(expired, st)
		}
	}
	inFlight := len(m.ops)
	m.mu.Unlock()
	m.m.InFlight.Set(float64(inFlight))

	for _, st := range expired {
		m.mu.Lock()
		phase := st.phase
		m.mu.Unlock()
		m.advance(st, PhaseFailed)
		m.log.Info("transaction timed out",
			zap.Stringer("tx", st.tx.ID),
			zap.Stringer("type", st.tx.Type),
			zap.Stringer("phase", phase),
			zap.Bool("local", st.local()))
		m.emit(m.ctx, eventlog.Event{Tx: st.tx.ID, Peer: m.selfID(), Kind: eventlog.KindTimeout, Key: st.key, Other: st.next})
		if st.done != nil {
			st.done <- result{err: fmt.Errorf("%w: %s", ErrOperationTimeout, st.tx)}
		}
	}
}

// Pending returns the number of transactions in the table.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// PhaseOf reports the phase of a transaction still in the table.
func (m *Manager) PhaseOf(id uuid.UUID) (Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.ops[id]
	if !ok {
		return 0, false
	}
	return st.phase, true
}

// SelfContact returns this node's contact with its current location.
func (m *Manager) SelfContact() ring.Contact {
	m.mu.Lock()
	c := m.self
	m.mu.Unlock()
	c.Peer = m.ring.OwnLocation()
	return c
}

// SetAddr records the address other peers reach this node at.
func (m *Manager) SetAddr(addr string) {
	m.mu.Lock()
	m.self.Addr = addr
	m.mu.Unlock()
}

func (m *Manager) selfID() peer.ID { return m.self.Peer.Peer }

func (m *Manager) header(tx Transaction) Header {
	return Header{Tx: tx, Sender: m.ring.OwnLocation()}
}

func (m *Manager) ttl(t TxType) time.Duration {
	if t == TxConnect {
		return m.cfg.ConnectTTL
	}
	return m.cfg.OperationTTL
}

// insert adds st to the table. It returns false if the transaction is
// already there.
func (m *Manager) insert(st *opState) bool {
	st.expires = time.Now().Add(m.ttl(st.tx.Type))
	m.mu.Lock()
	if _, ok := m.ops[st.tx.ID]; ok {
		m.mu.Unlock()
		return false
	}
	m.ops[st.tx.ID] = st
	n := len(m.ops)
	m.mu.Unlock()
	m.m.InFlight.Set(float64(n))
	return true
}

func (m *Manager) take(id uuid.UUID) *opState {
	m.mu.Lock()
	st, ok := m.ops[id]
	if ok {
		delete(m.ops, id)
	}
	n := len(m.ops)
	m.mu.Unlock()
	m.m.InFlight.Set(float64(n))
	return st
}

// claim removes st from the table. It returns false if st already left it,
// through a timeout or another response.
func (m *Manager) claim(st *opState) bool {
	m.mu.Lock()
	ok := m.ops[st.tx.ID] == st
	if ok {
		delete(m.ops, st.tx.ID)
	}
	n := len(m.ops)
	m.mu.Unlock()
	m.m.InFlight.Set(float64(n))
	return ok
}

func (m *Manager) has(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ops[id]
	return ok
}

// originate sends the first request of a local operation and waits for
// its result.
func (m *Manager) originate(ctx context.Context, st *opState, req Message) (result, error) {
	st.done = make(chan result, 1)
	m.advance(st, PhaseRequesting)
	st.sentAt = time.Now()
	m.insert(st)

	if err := m.send(ctx, st.next, req); err != nil {
		m.take(st.tx.ID)
		m.advance(st, PhaseFailed)
		m.observe(st, err)
		return result{}, err
	}
	// a fast answer may already have settled st
	m.advance(st, PhaseAwaitingResponse, PhaseRequesting)

	select {
	case res := <-st.done:
		m.observe(st, res.err)
		return res, res.err
	case <-ctx.Done():
		m.take(st.tx.ID)
		m.advance(st, PhaseFailed)
		m.observe(st, ctx.Err())
		return result{}, ctx.Err()
	}
}

func (m *Manager) observe(st *opState, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, ErrOperationTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	m.m.Operations.WithLabelValues(st.tx.Type.String(), outcome).Inc()
	m.m.OperationDuration.WithLabelValues(st.tx.Type.String()).Observe(time.Since(st.tx.Started).Seconds())
}

// finish settles st and delivers the result if the operation started
// here. st must already be out of the table.
func (m *Manager) finish(st *opState, res result) {
	failed := !res.found
	if st.tx.Type == TxConnect {
		failed = len(res.contacts) == 0
	}
	if res.err != nil || failed {
		m.advance(st, PhaseFailed)
	} else {
		m.advance(st, PhaseCompleted)
	}
	if st.done != nil {
		st.done <- res
	}
}

// advance moves st to phase p and reports whether it did. Completed and
// Failed are final. When from is given st only moves out of those phases.
func (m *Manager) advance(st *opState, p Phase, from ...Phase) bool {
	m.mu.Lock()
	cur := st.phase
	ok := !cur.Final() && (len(from) == 0 || slices.Contains(from, cur))
	if ok {
		st.phase = p
	}
	m.mu.Unlock()
	if ok {
		m.m.Phases.WithLabelValues(st.tx.Type.String(), p.String()).Inc()
	}
	return ok
}

func (m *Manager) send(ctx context.Context, to peer.ID, msg Message) error {
	if err := m.bridge.Send(ctx, to, msg); err != nil {
		m.log.Warn("send failed",
			zap.Stringer("peer", to),
			zap.Stringer("tx", msg.Transaction().ID),
			zap.Error(err))
		return fmt.Errorf("ops: send to %s: %w", to, err)
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, events ...eventlog.Event) {
	if err := m.events.Register(ctx, events...); err != nil {
		m.log.Warn("register events", zap.Error(err))
	}
}

func (m *Manager) routeEvent(st *opState, from peer.ID, ok bool) {
	m.emit(m.ctx, eventlog.Event{
		Tx:   st.tx.ID,
		Peer: m.selfID(),
		Kind: eventlog.KindRoute,
		Key:  st.key,
		Route: &eventlog.Route{
			Peer:    from,
			Target:  st.target,
			Success: ok,
			Latency: time.Since(st.sentAt),
		},
	})
}

// hopsLeft is the budget a request that arrived with htl carries past
// this node. Budgets above the local maximum are cut down to it.
func (m *Manager) hopsLeft(htl int) int {
	return min(htl, m.ring.Config().MaxHopsToLive) - 1
}

// nextHop picks where a request with htl hops left goes next.
func (m *Manager) nextHop(target ring.Location, htl int, visited ring.PeerSet) (peer.ID, bool) {
	if htl <= 0 {
		return "", false
	}
	next, ok := m.ring.SelectNextHop(target, htl, visited)
	if !ok {
		return "", false
	}
	return next.Peer, true
}

func visitedSet(visited []peer.ID, extra ...peer.ID) ring.PeerSet {
	s := ring.NewPeerSet(visited...)
	for _, id := range extra {
		s.Add(id)
	}
	return s
}

// Handle processes one message received from a connected peer.
func (m *Manager) Handle(ctx context.Context, from peer.ID, msg Message) error {
	if s := msg.Transaction(); s.ID == uuid.Nil {
		return fmt.Errorf("ops: %T without transaction", msg)
	}
	switch msg := msg.(type) {
	case *ConnectRequest:
		return m.handleConnectRequest(ctx, from, msg)
	case *ConnectResponse:
		return m.handleConnectResponse(ctx, from, msg)
	case *PutRequest:
		return m.handlePutRequest(ctx, from, msg)
	case *PutResponse:
		return m.handlePutResponse(ctx, from, msg)
	case *PutBroadcast:
		return m.handlePutBroadcast(ctx, from, msg)
	case *GetRequest:
		return m.handleGetRequest(ctx, from, msg)
	case *GetResponse:
		return m.handleGetResponse(ctx, from, msg)
	case *SubscribeRequest:
		return m.handleSubscribeRequest(ctx, from, msg)
	case *SubscribeResponse:
		return m.handleSubscribeResponse(ctx, from, msg)
	}
	return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
}

// pendingFor looks up the transaction a response belongs to and checks
// that it came from the hop the request went to.
func (m *Manager) pendingFor(tx Transaction, want TxType, from peer.ID) (*opState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.ops[tx.ID]
	if !ok {
		return nil, nil
	}
	if st.tx.Type != want || tx.Type != want {
		return nil, fmt.Errorf("%w: %s for %s", ErrIncorrectTxType, want, st.tx)
	}
	if st.next != from {
		m.log.Debug("response from unexpected hop",
			zap.Stringer("tx", tx.ID),
			zap.Stringer("peer", from),
			zap.Stringer("want", st.next))
		return nil, nil
	}
	return st, nil
}

// PeerDisconnected forgets every subscription held by id.
func (m *Manager) PeerDisconnected(id peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, subs := range m.subscribers {
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.subscribers, key)
		}
	}
}
