package transport

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNetworkDelivers(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Listen("a")
	require.NoError(t, err)
	b, err := network.Listen("b")
	require.NoError(t, err)
	_, err = network.Listen("a")
	assert.Error(t, err, "duplicate name accepted")

	_, err = a.WriteTo([]byte("hi"), b.LocalAddr())
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
	assert.Equal(t, "a", from.String())
}

func TestMemoryNetworkUnknownDestination(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Listen("")
	require.NoError(t, err)
	_, err = a.WriteTo([]byte("lost"), MemoryAddr("nobody"))
	assert.NoError(t, err, "write to unknown endpoint")
}

func TestMemoryNetworkFilter(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Listen("")
	require.NoError(t, err)
	b, err := network.Listen("")
	require.NoError(t, err)
	network.SetFilter(func(from, to net.Addr, p []byte) bool { return string(p) != "drop" })

	a.WriteTo([]byte("drop"), b.LocalAddr())
	a.WriteTo([]byte("keep"), b.LocalAddr())

	buf := make([]byte, 16)
	n, _, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(buf[:n]))
}

func TestMemoryConnDeadlineAndClose(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Listen("")
	require.NoError(t, err)

	a.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	_, _, err = a.ReadFrom(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	a.Close()
	_, _, err = a.ReadFrom(make([]byte, 1))
	assert.ErrorIs(t, err, net.ErrClosed)
	_, err = a.WriteTo([]byte("x"), MemoryAddr("b"))
	assert.ErrorIs(t, err, net.ErrClosed, "write after close")
	_, err = network.Listen(a.LocalAddr().String())
	assert.NoError(t, err, "name not released after close")
}
