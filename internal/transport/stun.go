package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

// ErrSTUN is returned when a STUN server answers with something other
// than a usable binding success.
var ErrSTUN = errors.New("transport: stun binding failed")

// ExternalAddr asks a STUN server which address this node's socket has
// from outside its NAT. The request goes out through the handler's own
// socket so the answer describes the mapping peers will see.
func (h *Handler) ExternalAddr(ctx context.Context, server net.Addr) (net.Addr, error) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("transport: build stun request: %w", err)
	}
	ch := make(chan *stun.Message, 1)
	send := func() { h.write(datagram{addr: server, data: req.Raw}) }

	if err := h.exec(ctx, func() {
		h.stunWaiters[req.TransactionID] = ch
		send()
	}); err != nil {
		return nil, err
	}
	defer h.exec(context.Background(), func() { delete(h.stunWaiters, req.TransactionID) }) //nolint:errcheck

	retry := time.NewTicker(5 * h.cfg.HandshakeInterval)
	defer retry.Stop()
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return nil, ErrClosed
			}
			return mappedAddr(res)
		case <-retry.C:
			if err := h.exec(ctx, send); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.done:
			return nil, ErrClosed
		}
	}
}

func mappedAddr(res *stun.Message) (net.Addr, error) {
	if res.Type != stun.BindingSuccess {
		return nil, fmt.Errorf("%w: response type %s", ErrSTUN, res.Type)
	}
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
	var plain stun.MappedAddress
	if err := plain.GetFrom(res); err != nil {
		return nil, fmt.Errorf("%w: no mapped address: %v", ErrSTUN, err)
	}
	return &net.UDPAddr{IP: plain.IP, Port: plain.Port}, nil
}

func (h *Handler) handleSTUN(d datagram) {
	m := &stun.Message{Raw: d.data}
	if err := m.Decode(); err != nil {
		h.m.PacketsDropped.WithLabelValues("stun").Inc()
		h.log.Warn("malformed stun message", zap.Stringer("addr", d.addr), zap.Error(err))
		return
	}
	ch, ok := h.stunWaiters[m.TransactionID]
	if !ok {
		h.m.PacketsDropped.WithLabelValues("stun").Inc()
		return
	}
	delete(h.stunWaiters, m.TransactionID)
	ch <- m
}
