package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Operative-001/ringnet/internal/crypto"
	"github.com/Operative-001/ringnet/internal/protocol"
)

type testPeer struct {
	h    *Handler
	keys *crypto.KeyPair
	addr net.Addr
}

func newTestPeer(t *testing.T, conn net.PacketConn, gateway bool, tune ...func(*Config)) *testPeer {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	cfg := Config{
		Conn:              conn,
		Keys:              kp,
		Gateway:           gateway,
		HandshakeInterval: 20 * time.Millisecond,
		Logger:            zap.NewNop(),
	}
	for _, f := range tune {
		f(&cfg)
	}
	h, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &testPeer{h: h, keys: kp, addr: conn.LocalAddr()}
}

func newMemoryPeer(t *testing.T, network *MemoryNetwork, gateway bool, tune ...func(*Config)) *testPeer {
	t.Helper()
	conn, err := network.Listen("")
	require.NoError(t, err)
	return newTestPeer(t, conn, gateway, tune...)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectToGateway(t *testing.T) {
	network := NewMemoryNetwork()
	gw := newMemoryPeer(t, network, true)
	client := newMemoryPeer(t, network, false)
	ctx := testCtx(t)

	pc, err := client.h.Connect(ctx, gw.keys.TransportPub, gw.addr, true)
	require.NoError(t, err)
	assert.Equal(t, gw.h.PeerID(), pc.RemoteID())
	assert.True(t, pc.IsGateway())
	assert.Equal(t, gw.keys.TransportPub, pc.RemoteKey())

	in, err := gw.h.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, client.h.PeerID(), in.RemoteID())
	assert.Equal(t, client.addr.String(), in.RemoteAddr().String())

	require.NoError(t, pc.Send(ctx, []byte("ping")))
	got, err := in.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	require.NoError(t, in.Send(ctx, []byte("pong")))
	got, err = pc.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestConnectReturnsExistingConnection(t *testing.T) {
	network := NewMemoryNetwork()
	gw := newMemoryPeer(t, network, true)
	client := newMemoryPeer(t, network, false)
	ctx := testCtx(t)

	first, err := client.h.Connect(ctx, gw.keys.TransportPub, gw.addr, true)
	require.NoError(t, err)
	second, err := client.h.Connect(ctx, gw.keys.TransportPub, gw.addr, true)
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, _ := crypto.GenerateKeyPair()
	_, err = client.h.Connect(ctx, other.TransportPub, gw.addr, true)
	assert.ErrorIs(t, err, ErrAddressConflict)
}

func TestHolePunchBothSidesDial(t *testing.T) {
	network := NewMemoryNetwork()
	a := newMemoryPeer(t, network, false)
	b := newMemoryPeer(t, network, false)
	ctx := testCtx(t)

	var (
		wg       sync.WaitGroup
		pcA, pcB *PeerConnection
		errA     error
		errB     error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		pcA, errA = a.h.Connect(ctx, b.keys.TransportPub, b.addr, false)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(100 * time.Millisecond) // a's first intros are dropped by b
		pcB, errB = b.h.Connect(ctx, a.keys.TransportPub, a.addr, false)
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, b.h.PeerID(), pcA.RemoteID())
	assert.Equal(t, a.h.PeerID(), pcB.RemoteID())

	require.NoError(t, pcB.Send(ctx, []byte("through the nat")))
	got, err := pcA.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "through the nat", string(got))
}

func TestNonGatewayDropsUnsolicited(t *testing.T) {
	network := NewMemoryNetwork()
	target := newMemoryPeer(t, network, false)
	client := newMemoryPeer(t, network, false, func(c *Config) { c.MaxFailures = 5 })

	_, err := client.h.Connect(testCtx(t), target.keys.TransportPub, target.addr, false)
	var cerr *ConnectionEstablishmentError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrMaxFailures)

	n, err := target.h.Connections(testCtx(t))
	require.NoError(t, err)
	assert.Zero(t, n)
}

// fakeResponder reads the client's first intro and answers with whatever
// datagrams respond returns.
func fakeResponder(t *testing.T, network *MemoryNetwork, respond func(keys *crypto.KeyPair, clientPub [32]byte) [][]byte) (*crypto.KeyPair, net.Addr) {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	conn, err := network.Listen("")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, protocol.MaxPacketSize)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			in, err := protocol.DecodeIntro(keys.TransportPriv, buf[:n])
			if err != nil {
				continue
			}
			for _, pkt := range respond(keys, in.TransportKey) {
				conn.WriteTo(pkt, from)
			}
			return
		}
	}()
	return keys, conn.LocalAddr()
}

func TestVersionMismatchIsTerminal(t *testing.T) {
	network := NewMemoryNetwork()
	client := newMemoryPeer(t, network, false, func(c *Config) { c.MaxFailures = 1000 })

	keys, addr := fakeResponder(t, network, func(keys *crypto.KeyPair, clientPub [32]byte) [][]byte {
		key, _ := crypto.NewSymmetricKey()
		in := protocol.NewIntro(keys, key)
		in.Version = protocol.Version + 1
		pkt, err := protocol.EncodeIntro(clientPub, in)
		if err != nil {
			panic(err)
		}
		return [][]byte{pkt}
	})

	_, err := client.h.Connect(testCtx(t), keys.TransportPub, addr, false)
	var cerr *ConnectionEstablishmentError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrProtocolMismatch)
	assert.Equal(t, addr.String(), cerr.Addr.String())
}

func TestWrongHelloIsTerminal(t *testing.T) {
	network := NewMemoryNetwork()
	client := newMemoryPeer(t, network, false, func(c *Config) { c.MaxFailures = 1000 })

	keys, addr := fakeResponder(t, network, func(keys *crypto.KeyPair, clientPub [32]byte) [][]byte {
		key, _ := crypto.NewSymmetricKey()
		intro, err := protocol.EncodeIntro(clientPub, protocol.NewIntro(keys, key))
		if err != nil {
			panic(err)
		}
		bogus, err := protocol.EncodeFrame(key, protocol.FrameHello, []byte("hullo"))
		if err != nil {
			panic(err)
		}
		return [][]byte{intro, bogus}
	})

	_, err := client.h.Connect(testCtx(t), keys.TransportPub, addr, false)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestHandshakeSurvivesPacketLoss(t *testing.T) {
	network := NewMemoryNetwork()
	gw := newMemoryPeer(t, network, true)
	client := newMemoryPeer(t, network, false)

	var dropped atomic.Int32
	network.SetFilter(func(from, to net.Addr, b []byte) bool {
		if from.String() == client.addr.String() && dropped.Load() < 4 {
			dropped.Add(1)
			return false
		}
		return true
	})

	pc, err := client.h.Connect(testCtx(t), gw.keys.TransportPub, gw.addr, true)
	require.NoError(t, err)
	assert.Equal(t, gw.h.PeerID(), pc.RemoteID())
	assert.EqualValues(t, 4, dropped.Load())
}

func TestConnectCancelled(t *testing.T) {
	network := NewMemoryNetwork()
	target := newMemoryPeer(t, network, false)
	client := newMemoryPeer(t, network, false, func(c *Config) { c.MaxFailures = 1000 })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.h.Connect(ctx, target.keys.TransportPub, target.addr, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseConnection(t *testing.T) {
	network := NewMemoryNetwork()
	gw := newMemoryPeer(t, network, true)
	client := newMemoryPeer(t, network, false)
	ctx := testCtx(t)

	pc, err := client.h.Connect(ctx, gw.keys.TransportPub, gw.addr, true)
	require.NoError(t, err)
	require.NoError(t, pc.Close())

	_, err = pc.Recv(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, pc.Send(ctx, []byte("x")), ErrConnectionClosed)
	assert.ErrorIs(t, pc.Err(), ErrConnectionClosed)

	n, err := client.h.Connections(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendRejectsOversizePayload(t *testing.T) {
	network := NewMemoryNetwork()
	gw := newMemoryPeer(t, network, true)
	client := newMemoryPeer(t, network, false)
	ctx := testCtx(t)

	pc, err := client.h.Connect(ctx, gw.keys.TransportPub, gw.addr, true)
	require.NoError(t, err)
	assert.ErrorIs(t, pc.Send(ctx, make([]byte, protocol.MaxPayload+1)), protocol.ErrTooLarge)
	assert.NoError(t, pc.Send(ctx, make([]byte, protocol.MaxPayload)))
}

func TestPeerTimeout(t *testing.T) {
	network := NewMemoryNetwork()
	quiet := func(c *Config) {
		c.KeepAlive = time.Hour
		c.PeerTimeout = 150 * time.Millisecond
	}
	gw := newMemoryPeer(t, network, true, quiet)
	client := newMemoryPeer(t, network, false, quiet)
	ctx := testCtx(t)

	pc, err := client.h.Connect(ctx, gw.keys.TransportPub, gw.addr, true)
	require.NoError(t, err)

	select {
	case <-pc.Done():
		assert.ErrorIs(t, pc.Err(), ErrPeerTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not timed out")
	}
}

func TestKeepAliveHoldsConnection(t *testing.T) {
	network := NewMemoryNetwork()
	chatty := func(c *Config) {
		c.KeepAlive = 30 * time.Millisecond
		c.PeerTimeout = 200 * time.Millisecond
	}
	gw := newMemoryPeer(t, network, true, chatty)
	client := newMemoryPeer(t, network, false, chatty)
	ctx := testCtx(t)

	pc, err := client.h.Connect(ctx, gw.keys.TransportPub, gw.addr, true)
	require.NoError(t, err)

	select {
	case <-pc.Done():
		t.Fatalf("connection closed despite keepalives: %v", pc.Err())
	case <-time.After(600 * time.Millisecond):
	}
}

func TestUpstreamRateLimit(t *testing.T) {
	network := NewMemoryNetwork()
	gw := newMemoryPeer(t, network, true)
	client := newMemoryPeer(t, network, false, func(c *Config) { c.MaxUpstreamBytesPerSecond = 4 * protocol.MaxPacketSize })
	ctx := testCtx(t)

	pc, err := client.h.Connect(ctx, gw.keys.TransportPub, gw.addr, true)
	require.NoError(t, err)
	in, err := gw.h.Accept(ctx)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, protocol.MaxPayload)
	start := time.Now()
	go func() {
		for i := 0; i < 8; i++ {
			if err := pc.Send(ctx, payload); err != nil {
				return
			}
		}
	}()
	for i := 0; i < 8; i++ {
		_, err := in.Recv(ctx)
		require.NoError(t, err)
	}
	// the burst covers the first four, the rest need roughly one second
	assert.Greater(t, time.Since(start), 700*time.Millisecond)
}

func TestUDPLoopback(t *testing.T) {
	gwConn, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	clientConn, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	gw := newTestPeer(t, gwConn, true)
	client := newTestPeer(t, clientConn, false)
	ctx := testCtx(t)

	addr, err := client.h.ResolveAddr(gw.addr.String())
	require.NoError(t, err)
	pc, err := client.h.Connect(ctx, gw.keys.TransportPub, addr, true)
	require.NoError(t, err)
	in, err := gw.h.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, pc.Send(ctx, []byte("over udp")))
	got, err := in.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "over udp", string(got))
}

func TestRunTwice(t *testing.T) {
	network := NewMemoryNetwork()
	p := newMemoryPeer(t, network, false)
	ctx := testCtx(t)

	// answered only once the first Run is serving
	_, err := p.h.Connections(ctx)
	require.NoError(t, err)

	second, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.Error(t, p.h.Run(second))
	assert.NoError(t, second.Err(), "second Run blocked instead of refusing")
}

func TestHandlerStopFailsPendingConnect(t *testing.T) {
	network := NewMemoryNetwork()
	conn, err := network.Listen("")
	require.NoError(t, err)
	kp, _ := crypto.GenerateKeyPair()
	h, err := New(Config{Conn: conn, Keys: kp, MaxFailures: 1000, Logger: zap.NewNop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	target, _ := crypto.GenerateKeyPair()
	errCh := make(chan error, 1)
	go func() {
		_, err := h.Connect(context.Background(), target.TransportPub, MemoryAddr("nowhere"), false)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	err = <-errCh
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}
