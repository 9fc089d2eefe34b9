package ring

import (
	"math"
	"math/rand"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loc(v float64) *Location {
	l := Location(v)
	return &l
}

func contact(id string, l *Location) Contact {
	return Contact{Peer: PeerKeyLocation{Peer: peer.ID(id), Location: l}}
}

func newTestRing(t *testing.T, self string, l float64) *Ring {
	t.Helper()
	r, err := New(peer.ID(self), DefaultConfig())
	require.NoError(t, err)
	r.SetLocation(Location(l))
	return r
}

func TestNewLocation(t *testing.T) {
	for _, v := range []float64{0, 0.25, 0.999999} {
		l, err := NewLocation(v)
		require.NoError(t, err)
		assert.Equal(t, v, float64(l))
	}
	for _, v := range []float64{-0.1, 1, 1.5, math.NaN(), math.Inf(1)} {
		_, err := NewLocation(v)
		assert.ErrorIs(t, err, ErrInvalidLocation, "value %v", v)
	}
}

func TestDistanceSymmetricAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		a := Location(rng.Float64())
		b := Location(rng.Float64())
		d := Distance(a, b)
		assert.Equal(t, d, Distance(b, a))
		assert.GreaterOrEqual(t, d, 0.0)
		assert.LessOrEqual(t, d, 0.5)
	}
	assert.InDelta(t, 0.2, Distance(0.1, 0.9), 1e-12)
	assert.InDelta(t, 0.5, Distance(0, 0.5), 1e-12)
	assert.Equal(t, 0.0, Location(0.3).Distance(0.3))
}

func TestLocationFromBytes(t *testing.T) {
	a := LocationFromBytes([]byte("contract-a"))
	assert.Equal(t, a, LocationFromBytes([]byte("contract-a")))
	assert.NotEqual(t, a, LocationFromBytes([]byte("contract-b")))
	_, err := NewLocation(float64(a))
	assert.NoError(t, err)
}

func TestNewSegment(t *testing.T) {
	_, err := NewSegment(0, 0)
	assert.NoError(t, err)
	_, err = NewSegment(0, 1)
	assert.ErrorIs(t, err, ErrInvalidSegment)

	for depth := uint8(1); depth <= 10; depth++ {
		limit := uint64(1) << depth
		_, err := NewSegment(depth, limit-1)
		assert.NoError(t, err)
		_, err = NewSegment(depth, limit)
		assert.ErrorIs(t, err, ErrInvalidSegment)
	}
	_, err = NewSegment(64, 0)
	assert.ErrorIs(t, err, ErrInvalidSegment)
}

func TestEnclosingSegment(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		l := rng.Float64()
		d := uint8(rng.Intn(20))
		s, err := EnclosingSegment(l, d)
		require.NoError(t, err)
		assert.Equal(t, uint64(math.Floor(l*math.Pow(2, float64(d)))), s.Position)
		assert.Equal(t, d, s.Depth)
		assert.True(t, s.Contains(Location(l)))
	}

	s, err := EnclosingSegment(0.75, 2)
	require.NoError(t, err)
	assert.Equal(t, Segment{Depth: 2, Position: 3}, s)
	assert.Equal(t, Location(0.75), s.Start())
	assert.Equal(t, 0.25, s.Width())

	// 1.0 is inside the input domain but lands one past the last arc
	_, err = EnclosingSegment(1, 3)
	assert.ErrorIs(t, err, ErrInvalidSegment)
	s, err = EnclosingSegment(1, 0)
	assert.ErrorIs(t, err, ErrInvalidSegment)
	assert.Equal(t, Segment{}, s)

	for _, l := range []float64{-0.01, 1.01, math.NaN()} {
		_, err := EnclosingSegment(l, 4)
		assert.ErrorIs(t, err, ErrInvalidLocation)
	}
}

func TestAddRemoveConnection(t *testing.T) {
	r := newTestRing(t, "self", 0.5)

	assert.True(t, r.AddConnection(contact("a", loc(0.1))))
	assert.False(t, r.AddConnection(contact("a", loc(0.2))), "second add is a no-op")
	assert.False(t, r.AddConnection(contact("self", loc(0.5))))
	assert.Equal(t, 1, r.Len())

	c, ok := r.Contact("a")
	require.True(t, ok)
	assert.Equal(t, Location(0.1), *c.Peer.Location)

	assert.True(t, r.RemoveConnection("a"))
	assert.False(t, r.RemoveConnection("a"))
	assert.False(t, r.Has("a"))
}

func TestSelectNextHopGreedy(t *testing.T) {
	r := newTestRing(t, "self", 0.5)
	r.AddConnection(contact("a", loc(0.10)))
	r.AddConnection(contact("b", loc(0.40)))
	r.AddConnection(contact("c", loc(0.95)))
	r.AddConnection(contact("d", nil))

	low := r.Config().RandomPeerThreshold - 1

	got, ok := r.SelectNextHop(0.38, low, nil)
	require.True(t, ok)
	assert.Equal(t, peer.ID("b"), got.Peer)

	// wraps around zero
	got, ok = r.SelectNextHop(0.01, low, nil)
	require.True(t, ok)
	assert.Equal(t, peer.ID("c"), got.Peer)

	got, ok = r.SelectNextHop(0.01, low, NewPeerSet("c"))
	require.True(t, ok)
	assert.Equal(t, peer.ID("a"), got.Peer)

	_, ok = r.SelectNextHop(0.01, low, NewPeerSet("a", "b", "c"))
	assert.False(t, ok, "unplaced peers are not greedy candidates")
}

func TestSelectNextHopTieBreak(t *testing.T) {
	r := newTestRing(t, "self", 0.5)
	r.AddConnection(contact("zz", loc(0.25)))
	r.AddConnection(contact("aa", loc(0.75)))

	for i := 0; i < 20; i++ {
		got, ok := r.SelectNextHop(0.5, 0, nil)
		require.True(t, ok)
		assert.Equal(t, peer.ID("aa"), got.Peer)
	}
}

func TestSelectNextHopRandomNeverExcluded(t *testing.T) {
	r := newTestRing(t, "self", 0.5)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.AddConnection(contact(id, loc(0.2)))
	}
	r.RemoveConnection("e")
	exclude := NewPeerSet("a", "c")
	seen := map[peer.ID]int{}
	for i := 0; i < 300; i++ {
		got, ok := r.SelectNextHop(0.2, r.Config().MaxHopsToLive, exclude)
		require.True(t, ok)
		seen[got.Peer]++
	}
	assert.Len(t, seen, 2)
	assert.NotContains(t, seen, peer.ID("a"))
	assert.NotContains(t, seen, peer.ID("c"))
	assert.NotContains(t, seen, peer.ID("e"))

	_, ok := r.SelectNextHop(0.2, r.Config().MaxHopsToLive, NewPeerSet("a", "b", "c", "d"))
	assert.False(t, ok)
}

func TestShouldAccept(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 2
	r, err := New("self", cfg)
	require.NoError(t, err)
	r.SetLocation(0.5)

	assert.False(t, r.ShouldAccept(0.4, "self"))
	assert.True(t, r.ShouldAccept(0.1, "a"))
	r.AddConnection(contact("a", loc(0.1)))
	assert.False(t, r.ShouldAccept(0.1, "a"), "already connected")
	r.AddConnection(contact("b", loc(0.45)))

	assert.True(t, r.ShouldAccept(0.6, "c"), "closer than the farthest neighbor")
	assert.False(t, r.ShouldAccept(0.05, "c"))
}

func TestEvictionCandidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 2
	cfg.FailureThreshold = 1
	r, err := New("self", cfg)
	require.NoError(t, err)
	r.SetLocation(0.5)

	r.AddConnection(contact("a", loc(0.1)))
	r.AddConnection(contact("b", loc(0.45)))
	_, ok := r.EvictionCandidate()
	assert.False(t, ok, "at capacity, nothing to evict")

	r.AddConnection(contact("c", loc(0.55)))
	got, ok := r.EvictionCandidate()
	require.True(t, ok)
	assert.Equal(t, peer.ID("a"), got.Peer, "farthest goes first")

	err = r.Execute("c", func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	got, ok = r.EvictionCandidate()
	require.True(t, ok)
	assert.Equal(t, peer.ID("c"), got.Peer, "unhealthy goes before farthest")

	assert.ErrorIs(t, r.Execute("zz", func() error { return nil }), ErrNotConnected)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.MinConnections = 30
	assert.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.RandomPeerThreshold = 11
	assert.Error(t, bad.Validate())
	_, err := New("x", bad)
	assert.Error(t, err)
}
