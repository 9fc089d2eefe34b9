package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pion/stun/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Operative-001/ringnet/internal/crypto"
	"github.com/Operative-001/ringnet/internal/metrics"
	"github.com/Operative-001/ringnet/internal/protocol"
)

type datagram struct {
	addr net.Addr
	data []byte
	conn *PeerConnection // set for data frames, nil otherwise
}

type connectResult struct {
	conn *PeerConnection
	err  error
}

// Handler owns one socket and every connection multiplexed over it.
type Handler struct {
	cfg     Config
	conn    net.PacketConn
	keys    *crypto.KeyPair
	self    peer.ID
	log     *zap.Logger
	m       *metrics.Metrics
	limiter *rate.Limiter

	inbound  chan datagram
	outbound chan datagram
	cmds     chan func()
	accepted chan *PeerConnection

	runOnce sync.Once
	ctx     context.Context
	done    chan struct{}

	// owned by the Run goroutine
	conns       map[string]*PeerConnection
	handshakes  map[string]*handshake
	stunWaiters map[[stun.TransactionIDSize]byte]chan *stun.Message
}

// New creates a Handler. Nothing is read or sent until Run is called.
func New(cfg Config) (*Handler, error) {
	if cfg.Conn == nil {
		return nil, errors.New("transport: Conn is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("transport: Keys are required")
	}
	cfg.setDefaults()

	self, err := cfg.Keys.PeerID()
	if err != nil {
		return nil, err
	}

	limit, burst := rate.Inf, protocol.MaxPacketSize
	if cfg.MaxUpstreamBytesPerSecond > 0 {
		limit = rate.Limit(cfg.MaxUpstreamBytesPerSecond)
		burst = max(cfg.MaxUpstreamBytesPerSecond, protocol.MaxPacketSize)
	}

	return &Handler{
		cfg:         cfg,
		conn:        cfg.Conn,
		keys:        cfg.Keys,
		self:        self,
		log:         cfg.Logger.Named("transport"),
		m:           cfg.Metrics,
		limiter:     rate.NewLimiter(limit, burst),
		inbound:     make(chan datagram, sendQueueDepth),
		outbound:    make(chan datagram, sendQueueDepth),
		cmds:        make(chan func()),
		accepted:    make(chan *PeerConnection, acceptQueueDepth),
		ctx:         context.Background(),
		done:        make(chan struct{}),
		conns:       make(map[string]*PeerConnection),
		handshakes:  make(map[string]*handshake),
		stunWaiters: make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
	}, nil
}

// LocalAddr returns the socket's bound address.
func (h *Handler) LocalAddr() net.Addr { return h.conn.LocalAddr() }

// PeerID returns the identity this handler authenticates as.
func (h *Handler) PeerID() peer.ID { return h.self }

// ResolveAddr parses a peer address in the socket's address family.
func (h *Handler) ResolveAddr(s string) (net.Addr, error) {
	if h.conn.LocalAddr().Network() == memoryNetwork {
		return MemoryAddr(s), nil
	}
	return net.ResolveUDPAddr("udp", s)
}

// Run serves the socket until ctx is cancelled, then closes every
// connection and the socket itself. It may only be called once.
func (h *Handler) Run(ctx context.Context) error {
	started := false
	h.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("transport: Run called twice")
	}
	h.ctx = ctx
	defer close(h.done)

	go h.readLoop()

	ticker := time.NewTicker(h.cfg.HandshakeInterval)
	defer ticker.Stop()

	h.log.Info("listening", zap.Stringer("addr", h.conn.LocalAddr()), zap.Bool("gateway", h.cfg.Gateway))
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case d := <-h.inbound:
			h.handleDatagram(d)
		case d := <-h.outbound:
			h.write(d)
		case fn := <-h.cmds:
			fn()
		case now := <-ticker.C:
			h.tick(now)
		}
	}
}

func (h *Handler) readLoop() {
	buf := make([]byte, 2*protocol.MaxPacketSize)
	for {
		n, addr, err := h.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-h.done:
				return
			default:
			}
			h.log.Warn("socket read", zap.Error(err))
			continue
		}
		if n > protocol.MaxPacketSize {
			h.m.PacketsDropped.WithLabelValues("oversize").Inc()
			h.log.Warn("oversize datagram", zap.Stringer("addr", addr), zap.Int("bytes", n))
			continue
		}
		d := datagram{addr: addr, data: append([]byte(nil), buf[:n]...)}
		select {
		case h.inbound <- d:
		case <-h.done:
			return
		}
	}
}

// exec runs fn on the Run goroutine.
func (h *Handler) exec(ctx context.Context, fn func()) error {
	select {
	case h.cmds <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrClosed
	}
}

// Connect opens a connection to the peer holding remotePub at addr. If a
// handshake with addr is already running the call joins it; if a
// connection already exists it is returned as is.
func (h *Handler) Connect(ctx context.Context, remotePub [32]byte, addr net.Addr, remoteIsGateway bool) (*PeerConnection, error) {
	res := make(chan connectResult, 1)
	if err := h.exec(ctx, func() { h.startHandshake(addr, remotePub, remoteIsGateway, res) }); err != nil {
		return nil, err
	}
	select {
	case r := <-res:
		return r.conn, r.err
	case <-ctx.Done():
		_ = h.exec(context.Background(), func() { h.abandon(addr.String(), res) })
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrClosed
	}
}

// Accept returns the next connection a remote peer opened to this node.
func (h *Handler) Accept(ctx context.Context) (*PeerConnection, error) {
	select {
	case pc := <-h.accepted:
		return pc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrClosed
	}
}

// Connections returns the number of established connections.
func (h *Handler) Connections(ctx context.Context) (int, error) {
	ch := make(chan int, 1)
	if err := h.exec(ctx, func() { ch <- len(h.conns) }); err != nil {
		return 0, err
	}
	return <-ch, nil
}

func (h *Handler) handleDatagram(d datagram) {
	h.m.PacketsReceived.Inc()
	if len(d.data) == 0 {
		h.m.PacketsDropped.WithLabelValues("empty").Inc()
		return
	}
	if len(h.stunWaiters) > 0 && stun.IsMessage(d.data) {
		h.handleSTUN(d)
		return
	}
	key := d.addr.String()
	if pc, ok := h.conns[key]; ok {
		h.handleEstablished(pc, d)
		return
	}
	if hs, ok := h.handshakes[key]; ok {
		h.handleHandshake(hs, d)
		return
	}
	h.handleUnsolicited(d)
}

func (h *Handler) handleEstablished(pc *PeerConnection, d datagram) {
	switch d.data[0] {
	case protocol.KindSymmetric:
		frame, payload, err := protocol.DecodeFrame(pc.inKey, d.data)
		if err != nil {
			h.m.PacketsDropped.WithLabelValues("decrypt").Inc()
			h.log.Warn("undecryptable frame", zap.Stringer("peer", pc.remoteID), zap.Error(err))
			return
		}
		pc.lastSeen = time.Now()
		if frame == protocol.FrameData {
			pc.deliver(payload)
		}

	case protocol.KindIntro:
		in, err := protocol.DecodeIntro(h.keys.TransportPriv, d.data)
		if err != nil {
			h.m.PacketsDropped.WithLabelValues("intro").Inc()
			h.log.Warn("bad intro on established address", zap.Stringer("addr", d.addr), zap.Error(err))
			return
		}
		if in.TransportKey != pc.remoteKey {
			h.m.PacketsDropped.WithLabelValues("anomaly").Inc()
			h.log.Warn("intro from established address with a different key", zap.Stringer("addr", d.addr))
			return
		}
		if in.SessionKey == pc.inKey {
			// the remote missed our final hello and is still handshaking.
			// Answer with hello only: an intro would make an established
			// remote answer back.
			h.writeHello(pc.addr, pc.outKey)
			return
		}
		h.log.Info("peer restarted session", zap.Stringer("peer", pc.remoteID))
		h.dropConnection(pc, ErrConnectionReset)
		h.handleUnsolicited(d)

	default:
		h.m.PacketsDropped.WithLabelValues("kind").Inc()
	}
}

func (h *Handler) handleUnsolicited(d datagram) {
	if !h.cfg.Gateway || d.data[0] != protocol.KindIntro {
		h.m.PacketsDropped.WithLabelValues("unsolicited").Inc()
		h.log.Warn("dropping unrecognized datagram", zap.Stringer("addr", d.addr), zap.Int("bytes", len(d.data)))
		return
	}
	in, err := protocol.DecodeIntro(h.keys.TransportPriv, d.data)
	if err != nil {
		h.m.PacketsDropped.WithLabelValues("intro").Inc()
		h.log.Warn("rejecting unsolicited intro", zap.Stringer("addr", d.addr), zap.Error(err))
		return
	}
	hs, err := h.newHandshake(d.addr, in.TransportKey, false)
	if err != nil {
		h.log.Error("create handshake", zap.Error(err))
		return
	}
	hs.inbound = true
	h.handshakes[d.addr.String()] = hs
	h.acceptIntro(hs, in)
}

func (h *Handler) tick(now time.Time) {
	for _, hs := range h.handshakes {
		if !hs.progress {
			hs.failures++
		}
		hs.progress = false
		if hs.failures >= h.cfg.MaxFailures {
			h.failHandshake(hs, fmt.Errorf("%w: %d", ErrMaxFailures, hs.failures))
			continue
		}
		h.sendHandshake(hs)
	}

	for _, pc := range h.conns {
		switch {
		case now.Sub(pc.lastSeen) > h.cfg.PeerTimeout:
			h.log.Info("peer timed out", zap.Stringer("peer", pc.remoteID))
			h.dropConnection(pc, ErrPeerTimeout)
		case now.Sub(pc.lastSent) >= h.cfg.KeepAlive:
			h.writeHello(pc.addr, pc.outKey)
			pc.lastSent = now
		}
	}
}

// write sends one datagram. Socket errors are logged, never propagated;
// the caller's own retry cadence covers them.
func (h *Handler) write(d datagram) error {
	n, err := h.conn.WriteTo(d.data, d.addr)
	if err != nil {
		h.log.Warn("socket write", zap.Stringer("addr", d.addr), zap.Error(err))
		return err
	}
	h.m.PacketsSent.Inc()
	h.m.BytesSent.Add(float64(n))
	if d.conn != nil {
		d.conn.lastSent = time.Now()
	}
	return nil
}

func (h *Handler) writeHello(addr net.Addr, key crypto.SymmetricKey) error {
	pkt, err := protocol.EncodeFrame(key, protocol.FrameHello, protocol.Hello)
	if err != nil {
		return err
	}
	return h.write(datagram{addr: addr, data: pkt})
}

// enqueue hands a data frame to the Run goroutine.
func (h *Handler) enqueue(ctx context.Context, d datagram) error {
	select {
	case h.outbound <- d:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-h.done:
		return ErrClosed
	}
}

func (h *Handler) dropConnection(pc *PeerConnection, cause error) {
	key := pc.addr.String()
	if h.conns[key] == pc {
		delete(h.conns, key)
		h.m.Sessions.Dec()
	}
	pc.cancel(cause)
}

func (h *Handler) removeConnection(pc *PeerConnection) {
	key := pc.addr.String()
	if h.conns[key] == pc {
		delete(h.conns, key)
		h.m.Sessions.Dec()
	}
}

func (h *Handler) shutdown() {
	for _, hs := range h.handshakes {
		h.failHandshake(hs, ErrClosed)
	}
	for _, pc := range h.conns {
		h.dropConnection(pc, ErrClosed)
	}
	for id, ch := range h.stunWaiters {
		close(ch)
		delete(h.stunWaiters, id)
	}
	if err := h.conn.Close(); err != nil {
		h.log.Debug("close socket", zap.Error(err))
	}
	h.log.Info("stopped")
}
