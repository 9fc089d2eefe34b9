package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stunServer answers binding requests with the address it saw, mapped to
// reflexive.
func stunServer(t *testing.T, network *MemoryNetwork, reflexive *net.UDPAddr, drop int) net.Addr {
	t.Helper()
	conn, err := network.Listen("")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		seen := 0
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			if seen++; seen <= drop {
				continue
			}
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: reflexive.IP, Port: reflexive.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			conn.WriteTo(res.Raw, from)
		}
	}()
	return conn.LocalAddr()
}

func TestExternalAddr(t *testing.T) {
	network := NewMemoryNetwork()
	want := &net.UDPAddr{IP: net.ParseIP("203.0.113.7").To4(), Port: 40123}
	server := stunServer(t, network, want, 0)
	p := newMemoryPeer(t, network, false)

	got, err := p.h.ExternalAddr(testCtx(t), server)
	require.NoError(t, err)
	assert.Equal(t, want.String(), got.String())
}

func TestExternalAddrRetransmits(t *testing.T) {
	network := NewMemoryNetwork()
	want := &net.UDPAddr{IP: net.ParseIP("198.51.100.2").To4(), Port: 9}
	server := stunServer(t, network, want, 1)
	p := newMemoryPeer(t, network, false)

	got, err := p.h.ExternalAddr(testCtx(t), server)
	require.NoError(t, err)
	assert.Equal(t, want.String(), got.String())
}

func TestExternalAddrTimeout(t *testing.T) {
	network := NewMemoryNetwork()
	p := newMemoryPeer(t, network, false)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := p.h.ExternalAddr(ctx, MemoryAddr("no-stun-here"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMappedAddrRejectsError(t *testing.T) {
	res, err := stun.Build(stun.TransactionID, stun.BindingError)
	require.NoError(t, err)
	_, err = mappedAddr(res)
	assert.ErrorIs(t, err, ErrSTUN)
}
