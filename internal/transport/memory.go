package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const memoryNetwork = "memory"

// MemoryAddr addresses an endpoint on a MemoryNetwork.
type MemoryAddr string

func (a MemoryAddr) Network() string { return memoryNetwork }
func (a MemoryAddr) String() string  { return string(a) }

// MemoryNetwork is an in-process datagram network for tests. Endpoints
// created by Listen exchange datagrams by name. Like UDP, writes to
// unknown endpoints or full queues are silently lost.
type MemoryNetwork struct {
	mu     sync.Mutex
	conns  map[string]*MemoryConn
	nextID int
	filter func(from, to net.Addr, b []byte) bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{conns: make(map[string]*MemoryConn)}
}

// SetFilter installs f to decide per datagram whether it is delivered.
// A nil filter delivers everything.
func (n *MemoryNetwork) SetFilter(f func(from, to net.Addr, b []byte) bool) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Listen creates an endpoint. An empty name picks a unique one.
func (n *MemoryNetwork) Listen(name string) (*MemoryConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if name == "" {
		n.nextID++
		name = fmt.Sprintf("mem-%d", n.nextID)
	}
	if _, ok := n.conns[name]; ok {
		return nil, fmt.Errorf("memory network: %q already in use", name)
	}
	c := &MemoryConn{
		network: n,
		addr:    MemoryAddr(name),
		in:      make(chan datagram, 1024),
		closed:  make(chan struct{}),
	}
	n.conns[name] = c
	return c, nil
}

func (n *MemoryNetwork) route(from, to net.Addr, b []byte) {
	n.mu.Lock()
	dst, ok := n.conns[to.String()]
	filter := n.filter
	n.mu.Unlock()
	if !ok {
		return
	}
	if filter != nil && !filter(from, to, b) {
		return
	}
	select {
	case dst.in <- datagram{addr: from, data: append([]byte(nil), b...)}:
	default:
	}
}

// MemoryConn is one endpoint of a MemoryNetwork. It implements net.PacketConn.
type MemoryConn struct {
	network *MemoryNetwork
	addr    MemoryAddr
	in      chan datagram

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	deadline time.Time
}

func (c *MemoryConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case d := <-c.in:
		return copy(p, d.data), d.addr, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *MemoryConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.network.route(c.addr, addr, p)
	return len(p), nil
}

func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.mu.Lock()
		delete(c.network.conns, string(c.addr))
		c.network.mu.Unlock()
	})
	return nil
}

func (c *MemoryConn) LocalAddr() net.Addr { return c.addr }

func (c *MemoryConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *MemoryConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *MemoryConn) SetWriteDeadline(time.Time) error { return nil }
