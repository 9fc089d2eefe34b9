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

// handshake is the state of one connection attempt, keyed by remote address.
type handshake struct {
	addr      net.Addr
	remotePub [32]byte
	outKey    crypto.SymmetricKey
	intro     []byte // our intro, sealed to remotePub

	inKey    *crypto.SymmetricKey
	remoteID peer.ID

	gateway  bool
	inbound  bool
	failures int
	progress bool
	started  time.Time

	waiters []chan<- connectResult
}

func (h *Handler) newHandshake(addr net.Addr, remotePub [32]byte, gateway bool) (*handshake, error) {
	key, err := crypto.NewSymmetricKey()
	if err != nil {
		return nil, err
	}
	intro, err := protocol.EncodeIntro(remotePub, protocol.NewIntro(h.keys, key))
	if err != nil {
		return nil, err
	}
	return &handshake{
		addr:      addr,
		remotePub: remotePub,
		outKey:    key,
		intro:     intro,
		gateway:   gateway,
		started:   time.Now(),
	}, nil
}

func (h *Handler) startHandshake(addr net.Addr, remotePub [32]byte, gateway bool, res chan<- connectResult) {
	key := addr.String()
	if pc, ok := h.conns[key]; ok {
		if pc.remoteKey != remotePub {
			res <- connectResult{err: &ConnectionEstablishmentError{Addr: addr, Cause: ErrAddressConflict}}
			return
		}
		res <- connectResult{conn: pc}
		return
	}
	if hs, ok := h.handshakes[key]; ok {
		if hs.remotePub != remotePub {
			res <- connectResult{err: &ConnectionEstablishmentError{Addr: addr, Cause: ErrAddressConflict}}
			return
		}
		hs.gateway = hs.gateway || gateway
		hs.waiters = append(hs.waiters, res)
		return
	}

	hs, err := h.newHandshake(addr, remotePub, gateway)
	if err != nil {
		res <- connectResult{err: &ConnectionEstablishmentError{Addr: addr, Cause: err}}
		return
	}
	hs.waiters = append(hs.waiters, res)
	h.handshakes[key] = hs
	h.log.Debug("handshake started", zap.Stringer("addr", addr), zap.Bool("gateway", gateway))
	h.sendHandshake(hs)
}

// abandon removes a caller that gave up. The handshake itself is dropped
// once nobody is waiting for it, unless a remote started it.
func (h *Handler) abandon(key string, res chan connectResult) {
	hs, ok := h.handshakes[key]
	if !ok {
		return
	}
	for i, w := range hs.waiters {
		if w == res {
			hs.waiters = append(hs.waiters[:i], hs.waiters[i+1:]...)
			break
		}
	}
	if len(hs.waiters) == 0 && !hs.inbound {
		delete(h.handshakes, key)
		h.m.Handshakes.WithLabelValues("abandoned").Inc()
	}
}

func (h *Handler) handleHandshake(hs *handshake, d datagram) {
	switch d.data[0] {
	case protocol.KindIntro:
		in, err := protocol.DecodeIntro(h.keys.TransportPriv, d.data)
		var verr *protocol.VersionError
		switch {
		case errors.As(err, &verr):
			h.failHandshake(hs, fmt.Errorf("%w: %v", ErrProtocolMismatch, verr))
			return
		case err != nil:
			hs.failures++
			h.log.Warn("bad intro", zap.Stringer("addr", d.addr), zap.Error(err))
			return
		}
		if in.TransportKey != hs.remotePub {
			hs.failures++
			h.log.Warn("intro signed by an unexpected key", zap.Stringer("addr", d.addr))
			return
		}
		h.acceptIntro(hs, in)

	case protocol.KindSymmetric:
		if hs.inKey == nil {
			hs.failures++
			h.log.Debug("session frame before intro", zap.Stringer("addr", d.addr))
			return
		}
		frame, payload, err := protocol.DecodeFrame(*hs.inKey, d.data)
		if err != nil {
			hs.failures++
			h.log.Warn("undecryptable handshake frame", zap.Stringer("addr", d.addr), zap.Error(err))
			return
		}
		switch {
		case protocol.IsHello(frame, payload):
			h.completeHandshake(hs, nil)
		case frame == protocol.FrameData:
			// the remote finished first and its hello was lost or reordered
			h.completeHandshake(hs, payload)
		default:
			h.failHandshake(hs, fmt.Errorf("%w: frame %#x %q", ErrUnexpectedMessage, frame, payload))
		}

	default:
		hs.failures++
		h.m.PacketsDropped.WithLabelValues("kind").Inc()
	}
}

// acceptIntro records the remote's session key and answers with our intro
// and a hello under our own key.
func (h *Handler) acceptIntro(hs *handshake, in *protocol.Intro) {
	id, err := crypto.PeerIDFromIdentity(in.Identity)
	if err != nil {
		hs.failures++
		h.log.Warn("intro identity", zap.Stringer("addr", hs.addr), zap.Error(err))
		return
	}
	if hs.remoteID != "" && hs.remoteID != id {
		hs.failures++
		h.log.Warn("intro identity changed mid-handshake", zap.Stringer("addr", hs.addr))
		return
	}
	hs.progress = true
	if hs.inKey != nil && *hs.inKey == in.SessionKey {
		// duplicate, the next tick answers it
		return
	}
	key := in.SessionKey
	hs.inKey = &key
	hs.remoteID = id
	h.sendHandshake(hs)
}

func (h *Handler) sendHandshake(hs *handshake) {
	if err := h.write(datagram{addr: hs.addr, data: hs.intro}); err != nil {
		hs.failures++
	}
	if hs.inKey == nil {
		return
	}
	if err := h.writeHello(hs.addr, hs.outKey); err != nil {
		hs.failures++
	}
}

func (h *Handler) completeHandshake(hs *handshake, first []byte) {
	key := hs.addr.String()
	delete(h.handshakes, key)

	now := time.Now()
	ctx, cancel := context.WithCancelCause(h.ctx)
	pc := &PeerConnection{
		h:         h,
		addr:      hs.addr,
		remoteID:  hs.remoteID,
		remoteKey: hs.remotePub,
		gateway:   hs.gateway,
		outKey:    hs.outKey,
		inKey:     *hs.inKey,
		outbound:  make(chan []byte, 1),
		inbound:   make(chan []byte, inboundQueueDepth),
		ctx:       ctx,
		cancel:    cancel,
		lastSeen:  now,
		lastSent:  now,
	}
	h.conns[key] = pc
	h.m.Sessions.Inc()
	h.m.Handshakes.WithLabelValues("ok").Inc()

	// the remote may still be waiting for our hello
	h.writeHello(hs.addr, hs.outKey)
	go pc.writeLoop()

	if first != nil {
		pc.deliver(first)
	}

	h.log.Info("connection established",
		zap.Stringer("peer", pc.remoteID),
		zap.Stringer("addr", pc.addr),
		zap.Duration("took", now.Sub(hs.started)),
		zap.Bool("inbound", hs.inbound && len(hs.waiters) == 0))

	if len(hs.waiters) > 0 {
		for _, w := range hs.waiters {
			w <- connectResult{conn: pc}
		}
		return
	}
	select {
	case h.accepted <- pc:
	default:
		h.log.Warn("accept queue full, closing connection", zap.Stringer("peer", pc.remoteID))
		h.dropConnection(pc, ErrConnectionClosed)
	}
}

func (h *Handler) failHandshake(hs *handshake, cause error) {
	delete(h.handshakes, hs.addr.String())
	h.m.Handshakes.WithLabelValues(handshakeResult(cause)).Inc()
	err := &ConnectionEstablishmentError{Addr: hs.addr, Cause: cause}
	h.log.Warn("handshake failed", zap.Stringer("addr", hs.addr), zap.Error(cause))
	for _, w := range hs.waiters {
		w <- connectResult{err: err}
	}
}

func handshakeResult(cause error) string {
	switch {
	case errors.Is(cause, ErrProtocolMismatch):
		return "version"
	case errors.Is(cause, ErrUnexpectedMessage):
		return "unexpected"
	case errors.Is(cause, ErrMaxFailures):
		return "timeout"
	default:
		return "error"
	}
}
