package ring

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sony/gobreaker"
)

const (
	DefaultMaxHopsToLive       = 10
	DefaultRandomPeerThreshold = 7
	DefaultMinConnections      = 10
	DefaultMaxConnections      = 20
)

// ErrNotConnected is returned by Execute for unknown peers.
var ErrNotConnected = errors.New("ring: peer not connected")

// Config holds the routing policy. It is fixed for the life of a Ring.
type Config struct {
	MaxHopsToLive int
	// RandomPeerThreshold: while hops left is at or above this value the
	// next hop is picked at random instead of greedily.
	RandomPeerThreshold int
	MinConnections      int
	MaxConnections      int

	// FailureThreshold consecutive send failures open a connection's breaker.
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

// DefaultConfig returns the stock routing policy.
func DefaultConfig() Config {
	return Config{
		MaxHopsToLive:       DefaultMaxHopsToLive,
		RandomPeerThreshold: DefaultRandomPeerThreshold,
		MinConnections:      DefaultMinConnections,
		MaxConnections:      DefaultMaxConnections,
		FailureThreshold:    3,
		BreakerTimeout:      30 * time.Second,
	}
}

// Validate checks the policy for internal consistency.
func (c Config) Validate() error {
	switch {
	case c.MaxHopsToLive <= 0:
		return fmt.Errorf("ring: max hops to live must be positive, got %d", c.MaxHopsToLive)
	case c.RandomPeerThreshold < 0 || c.RandomPeerThreshold > c.MaxHopsToLive:
		return fmt.Errorf("ring: random peer threshold %d outside [0, %d]", c.RandomPeerThreshold, c.MaxHopsToLive)
	case c.MinConnections < 0 || c.MaxConnections <= 0:
		return fmt.Errorf("ring: connection bounds must be positive")
	case c.MinConnections > c.MaxConnections:
		return fmt.Errorf("ring: min connections %d above max %d", c.MinConnections, c.MaxConnections)
	}
	return nil
}

// Connection is one neighbor in the table.
type Connection struct {
	Contact Contact
	Opened  time.Time

	breaker *gobreaker.CircuitBreaker
}

// Peer returns the neighbor's identity and location.
func (c *Connection) Peer() PeerKeyLocation { return c.Contact.Peer }

// Healthy reports whether sends to the neighbor are currently succeeding.
func (c *Connection) Healthy() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// Ring is the neighbor table of one node.
type Ring struct {
	cfg Config

	mu    sync.RWMutex
	self  PeerKeyLocation
	conns map[peer.ID]*Connection
}

// New creates an empty Ring for self. The location may be set later.
func New(self peer.ID, cfg Config) (*Ring, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	return &Ring{
		cfg:   cfg,
		self:  PeerKeyLocation{Peer: self},
		conns: make(map[peer.ID]*Connection),
	}, nil
}

// Config returns the routing policy.
func (r *Ring) Config() Config { return r.cfg }

// OwnLocation returns this node's identity and location.
func (r *Ring) OwnLocation() PeerKeyLocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

// SetLocation places this node on the ring.
func (r *Ring) SetLocation(l Location) {
	r.mu.Lock()
	r.self = r.self.WithLocation(l)
	r.mu.Unlock()
}

// AddConnection registers a neighbor. Returns false if it was already
// present or is this node.
func (r *Ring) AddConnection(c Contact) bool {
	id := c.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.self.Peer {
		return false
	}
	if _, ok := r.conns[id]; ok {
		return false
	}
	r.conns[id] = &Connection{
		Contact: c,
		Opened:  time.Now(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    id.String(),
			Timeout: r.cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
			},
		}),
	}
	return true
}

// RemoveConnection drops a neighbor. Returns false if it was not present.
func (r *Ring) RemoveConnection(id peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Has reports whether id is a neighbor.
func (r *Ring) Has(id peer.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// Len returns the number of neighbors.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Contact returns the stored contact for a neighbor.
func (r *Ring) Contact(id peer.ID) (Contact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Contact{}, false
	}
	return c.Contact, true
}

// Connections returns a snapshot of the neighbors ordered by peer id.
func (r *Ring) Connections() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, *c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].Contact.ID(), out[j].Contact.ID()) })
	return out
}

// SelectNextHop picks the neighbor a request for target should go to next.
// While hopsLeft >= RandomPeerThreshold the choice is uniformly random;
// below it, the neighbor closest to target wins with ties going to the
// lower peer id. Excluded peers and this node are never returned.
func (r *Ring) SelectNextHop(target Location, hopsLeft int, exclude PeerSet) (PeerKeyLocation, bool) {
	if hopsLeft >= r.cfg.RandomPeerThreshold {
		return r.randomPeer(exclude)
	}
	return r.Closest(target, exclude)
}

func (r *Ring) randomPeer(exclude PeerSet) (PeerKeyLocation, bool) {
	cands := r.eligible(exclude, false)
	if len(cands) == 0 {
		return PeerKeyLocation{}, false
	}
	return cands[rand.Intn(len(cands))], true
}

// Closest returns the located neighbor nearest to target.
func (r *Ring) Closest(target Location, exclude PeerSet) (PeerKeyLocation, bool) {
	cands := r.eligible(exclude, true)
	if len(cands) == 0 {
		return PeerKeyLocation{}, false
	}
	best := cands[0]
	bestDist := Distance(*best.Location, target)
	for _, c := range cands[1:] {
		d := Distance(*c.Location, target)
		if d < bestDist || (d == bestDist && lessID(c.Peer, best.Peer)) {
			best, bestDist = c, d
		}
	}
	return best, true
}

func (r *Ring) eligible(exclude PeerSet, located bool) []PeerKeyLocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerKeyLocation, 0, len(r.conns))
	for id, c := range r.conns {
		if id == r.self.Peer || exclude.Has(id) {
			continue
		}
		if located && c.Contact.Peer.Location == nil {
			continue
		}
		out = append(out, c.Contact.Peer)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].Peer, out[j].Peer) })
	return out
}

// ShouldAccept decides whether a joiner at loc becomes a neighbor. Below
// MaxConnections every new peer is accepted; at capacity only a peer
// closer to this node than the current farthest neighbor is.
func (r *Ring) ShouldAccept(loc Location, id peer.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == r.self.Peer {
		return false
	}
	if _, ok := r.conns[id]; ok {
		return false
	}
	if len(r.conns) < r.cfg.MaxConnections {
		return true
	}
	if r.self.Location == nil {
		return false
	}
	own := *r.self.Location
	worst := 0.0
	for _, c := range r.conns {
		if c.Contact.Peer.Location == nil {
			return true
		}
		if d := Distance(own, *c.Contact.Peer.Location); d > worst {
			worst = d
		}
	}
	return Distance(own, loc) < worst
}

// EvictionCandidate returns the neighbor to drop when the table is over
// MaxConnections: an unhealthy one if any, otherwise the one farthest
// from this node.
func (r *Ring) EvictionCandidate() (PeerKeyLocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.conns) <= r.cfg.MaxConnections {
		return PeerKeyLocation{}, false
	}
	ids := make([]peer.ID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })

	for _, id := range ids {
		if !r.conns[id].Healthy() {
			return r.conns[id].Contact.Peer, true
		}
	}

	var (
		worst     PeerKeyLocation
		worstDist = -1.0
	)
	for _, id := range ids {
		p := r.conns[id].Contact.Peer
		d := 1.0 // unplaced peers go first
		if p.Location != nil && r.self.Location != nil {
			d = Distance(*p.Location, *r.self.Location)
		}
		if d > worstDist {
			worst, worstDist = p, d
		}
	}
	return worst, true
}

// Execute runs fn through the neighbor's circuit breaker so repeated send
// failures mark the connection unhealthy.
func (r *Ring) Execute(id peer.ID, fn func() error) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func lessID(a, b peer.ID) bool {
	return bytes.Compare([]byte(a), []byte(b)) < 0
}
