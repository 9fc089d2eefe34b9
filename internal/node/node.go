// Package node runs one ringnet peer.
//
// Design:
//   - Start launches the transport's socket loop, the operation sweeper,
//     the accept loop and the maintenance loop under one errgroup. The
//     first of them to fail stops the rest.
//   - Every transport connection gets a receive goroutine that decodes
//     operation messages and hands them to the engine in arrival order.
//   - A connection becomes a ring neighbor only through a join. Gateways
//     are reachable before that so the join itself can go through them.
//   - The maintenance loop keeps the neighbor count between the ring's
//     bounds: below the minimum it joins again through a random neighbor,
//     above the maximum it evicts the ring's candidate.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Operative-001/ringnet/internal/contract"
	"github.com/Operative-001/ringnet/internal/crypto"
	"github.com/Operative-001/ringnet/internal/eventlog"
	"github.com/Operative-001/ringnet/internal/metrics"
	"github.com/Operative-001/ringnet/internal/ops"
	"github.com/Operative-001/ringnet/internal/ring"
	"github.com/Operative-001/ringnet/internal/transport"
)

const (
	DefaultMaintenanceInterval = 10 * time.Second
	stunTimeout                = 5 * time.Second
)

var ErrNoGateways = errors.New("node: no gateway to join through")

// Gateway is a well-known peer new nodes join through.
type Gateway struct {
	PublicKey [32]byte
	Addr      string
}

// Config configures a Node.
type Config struct {
	Keys *crypto.KeyPair
	Conn net.PacketConn

	// Gateway nodes accept connections from unknown peers.
	Gateway bool
	// PublicAddr is where other peers reach this node. Gateways default to
	// the socket's local address.
	PublicAddr string
	// Location pins this node on the ring. Gateways without one derive it
	// from PublicAddr; other nodes are placed by their first join.
	Location *ring.Location
	Gateways []Gateway
	// STUNServer, when set, is asked for the node's reflexive address.
	STUNServer string

	Ring ring.Config

	HandshakeInterval         time.Duration
	MaxHandshakeFailures      int
	KeepAlive                 time.Duration
	PeerTimeout               time.Duration
	MaxUpstreamBytesPerSecond int

	ConnectTTL          time.Duration
	OperationTTL        time.Duration
	MaxRetries          int
	MaintenanceInterval time.Duration

	Store   contract.Store
	Events  eventlog.Register
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.Ring == (ring.Config{}) {
		c.Ring = ring.DefaultConfig()
	}
	if c.ConnectTTL == 0 {
		c.ConnectTTL = ops.DefaultConnectTTL
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.Store == nil {
		c.Store = contract.NewMemoryStore()
	}
	if c.Events == nil {
		c.Events = eventlog.Discard{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}

// Node is a running peer.
type Node struct {
	cfg     Config
	log     *zap.Logger
	m       *metrics.Metrics
	handler *transport.Handler
	ring    *ring.Ring
	ops     *ops.Manager
	store   contract.Store
	events  eventlog.Register
	bridge  *bridge

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	stopErr   error
}

// New creates a Node. Nothing is sent until Start.
func New(cfg Config) (*Node, error) {
	if cfg.Keys == nil {
		return nil, errors.New("node: Keys are required")
	}
	if cfg.Conn == nil {
		return nil, errors.New("node: Conn is required")
	}
	cfg.setDefaults()

	h, err := transport.New(transport.Config{
		Conn:                      cfg.Conn,
		Keys:                      cfg.Keys,
		Gateway:                   cfg.Gateway,
		HandshakeInterval:         cfg.HandshakeInterval,
		MaxFailures:               cfg.MaxHandshakeFailures,
		KeepAlive:                 cfg.KeepAlive,
		PeerTimeout:               cfg.PeerTimeout,
		MaxUpstreamBytesPerSecond: cfg.MaxUpstreamBytesPerSecond,
		Logger:                    cfg.Logger,
		Metrics:                   cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	r, err := ring.New(h.PeerID(), cfg.Ring)
	if err != nil {
		return nil, err
	}
	if cfg.Gateway {
		if cfg.PublicAddr == "" {
			cfg.PublicAddr = h.LocalAddr().String()
		}
		if cfg.Location == nil {
			l := ring.LocationFromBytes([]byte(cfg.PublicAddr))
			cfg.Location = &l
		}
	}
	if cfg.Location != nil {
		r.SetLocation(*cfg.Location)
	}

	n := &Node{
		cfg:     cfg,
		log:     cfg.Logger.Named("node").With(zap.Stringer("self", h.PeerID())),
		m:       cfg.Metrics,
		handler: h,
		ring:    r,
		store:   cfg.Store,
		events:  cfg.Events,
		ctx:     context.Background(),
	}
	n.bridge = newBridge(n)
	n.ops, err = ops.New(ops.Config{
		Ring:   r,
		Store:  cfg.Store,
		Bridge: n.bridge,
		Events: cfg.Events,
		Self: ring.Contact{
			PublicKey: append([]byte(nil), cfg.Keys.TransportPub[:]...),
			Addr:      cfg.PublicAddr,
		},
		ConnectTTL:   cfg.ConnectTTL,
		OperationTTL: cfg.OperationTTL,
		MaxRetries:   cfg.MaxRetries,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Start runs the node in the background until ctx is cancelled or Stop is
// called. It does not join the network; call Join, or let the
// maintenance loop do it.
func (n *Node) Start(ctx context.Context) error {
	started := false
	n.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("node: Start called twice")
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	n.ctx, n.cancel, n.group = gctx, cancel, g

	g.Go(func() error { return n.handler.Run(gctx) })
	g.Go(func() error { return n.ops.Run(gctx) })
	g.Go(func() error { return n.acceptLoop(gctx) })
	n.discoverAddr(gctx)
	g.Go(func() error { return n.maintain(gctx) })

	n.log.Info("started",
		zap.Stringer("addr", n.handler.LocalAddr()),
		zap.String("public", n.Contact().Addr),
		zap.Stringer("location", n.Contact().Peer),
		zap.Bool("gateway", n.cfg.Gateway))
	return nil
}

// Stop shuts the node down and waits for its goroutines.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		if n.cancel == nil {
			n.stopErr = n.cfg.Conn.Close()
			return
		}
		n.cancel()
		n.stopErr = n.group.Wait()
		n.log.Info("stopped")
	})
	return n.stopErr
}

// discoverAddr asks the STUN server for this node's public address when
// none is configured.
func (n *Node) discoverAddr(ctx context.Context) {
	if n.cfg.STUNServer == "" || n.cfg.PublicAddr != "" {
		return
	}
	server, err := n.handler.ResolveAddr(n.cfg.STUNServer)
	if err != nil {
		n.log.Warn("resolve stun server", zap.String("server", n.cfg.STUNServer), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, stunTimeout)
	defer cancel()
	ext, err := n.handler.ExternalAddr(ctx, server)
	if err != nil {
		n.log.Warn("stun discovery", zap.String("server", n.cfg.STUNServer), zap.Error(err))
		return
	}
	n.ops.SetAddr(ext.String())
	n.log.Info("public address discovered", zap.Stringer("addr", ext))
}

// Join connects to the configured gateways in random order and joins the
// ring through the first one that answers.
func (n *Node) Join(ctx context.Context) error {
	gateways := slices.Clone(n.cfg.Gateways)
	rand.Shuffle(len(gateways), func(i, j int) { gateways[i], gateways[j] = gateways[j], gateways[i] })

	var errs []error
	for _, gw := range gateways {
		if gw.PublicKey == n.cfg.Keys.TransportPub {
			continue
		}
		contacts, err := n.joinVia(ctx, gw)
		if err == nil {
			n.log.Info("joined",
				zap.String("gateway", gw.Addr),
				zap.Int("neighbors", len(contacts)),
				zap.Stringer("location", n.Contact().Peer))
			return nil
		}
		n.log.Warn("join failed", zap.String("gateway", gw.Addr), zap.Error(err))
		errs = append(errs, fmt.Errorf("gateway %s: %w", gw.Addr, err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return ErrNoGateways
	}
	return errors.Join(errs...)
}

func (n *Node) joinVia(ctx context.Context, gw Gateway) ([]ring.Contact, error) {
	addr, err := n.handler.ResolveAddr(gw.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	pc, err := n.handler.Connect(ctx, gw.PublicKey, addr, true)
	if err != nil {
		return nil, err
	}
	n.bridge.track(pc)
	return n.ops.Join(ctx, pc.RemoteID())
}

func (n *Node) acceptLoop(ctx context.Context) error {
	for {
		pc, err := n.handler.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		n.bridge.track(pc)
	}
}

func (n *Node) maintain(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.maintainOnce(ctx)
		}
	}
}

func (n *Node) maintainOnce(ctx context.Context) {
	for {
		p, ok := n.ring.EvictionCandidate()
		if !ok {
			break
		}
		n.evict(p)
	}

	size := n.ring.Len()
	if size >= n.cfg.Ring.MinConnections {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTTL)
	defer cancel()
	if size == 0 {
		if len(n.cfg.Gateways) == 0 {
			return
		}
		if err := n.Join(ctx); err != nil {
			n.log.Warn("rejoin", zap.Error(err))
		}
		return
	}
	conns := n.ring.Connections()
	via := conns[rand.Intn(len(conns))].Contact.ID()
	contacts, err := n.ops.Join(ctx, via)
	if err != nil {
		n.log.Debug("connect for more neighbors", zap.Stringer("via", via), zap.Error(err))
		return
	}
	n.log.Debug("added neighbors", zap.Int("count", len(contacts)), zap.Int("total", n.ring.Len()))
}

func (n *Node) evict(p ring.PeerKeyLocation) {
	n.log.Info("evicting neighbor", zap.Stringer("peer", p))
	n.ring.RemoveConnection(p.Peer)
	n.m.Evictions.Inc()
	n.m.RingConnections.Set(float64(n.ring.Len()))
	n.bridge.close(p.Peer)
}

// disconnected cleans up after a connection closed for any reason.
func (n *Node) disconnected(pc *transport.PeerConnection, cause error) {
	if !n.bridge.untrack(pc) {
		return
	}
	id := pc.RemoteID()
	neighbor := n.ring.RemoveConnection(id)
	n.ops.PeerDisconnected(id)
	n.m.RingConnections.Set(float64(n.ring.Len()))
	if n.ctx.Err() != nil {
		return
	}
	n.log.Info("peer disconnected", zap.Stringer("peer", id), zap.Bool("neighbor", neighbor), zap.Error(cause))
	err := n.events.Register(n.ctx, eventlog.Event{
		Peer:  n.PeerID(),
		Kind:  eventlog.KindDisconnected,
		Other: id,
	})
	if err != nil {
		n.log.Warn("register disconnect", zap.Error(err))
	}
}

// Put stores value under key here and along the route to the key's
// location, and pushes it to the key's subscribers.
func (n *Node) Put(ctx context.Context, key contract.Key, value contract.Value, params contract.Params) error {
	return n.ops.Put(ctx, key, value, params)
}

// Get returns the value stored under key.
func (n *Node) Get(ctx context.Context, key contract.Key) (contract.Value, error) {
	return n.ops.Get(ctx, key)
}

// Subscribe delivers future values of key until cancel is called.
func (n *Node) Subscribe(ctx context.Context, key contract.Key) (<-chan contract.Value, func(), error) {
	return n.ops.Subscribe(ctx, key)
}

// HasContract reports whether key is stored on this node.
func (n *Node) HasContract(ctx context.Context, key contract.Key) (bool, error) {
	_, ok, err := n.store.Get(ctx, key)
	return ok, err
}

// Ring returns the node's neighbor table.
func (n *Node) Ring() *ring.Ring { return n.ring }

// PeerID returns the node's identity.
func (n *Node) PeerID() peer.ID { return n.handler.PeerID() }

// Contact returns what other peers need to connect to this node.
func (n *Node) Contact() ring.Contact { return n.ops.SelfContact() }

// LocalAddr returns the socket's bound address.
func (n *Node) LocalAddr() net.Addr { return n.handler.LocalAddr() }

// Connections returns the number of live transport connections, ring
// neighbors or not.
func (n *Node) Connections() int { return n.bridge.len() }

// Metrics returns the node's collectors.
func (n *Node) Metrics() *metrics.Metrics { return n.m }
