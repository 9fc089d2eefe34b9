package ring

import (
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerKeyLocation pairs a peer identity with its ring location.
// Location stays nil until the peer has been placed on the ring.
type PeerKeyLocation struct {
	Peer     peer.ID   `msgpack:"peer"`
	Location *Location `msgpack:"location,omitempty"`
}

// HasLocation reports whether the location is known.
func (p PeerKeyLocation) HasLocation() bool { return p.Location != nil }

func (p PeerKeyLocation) String() string {
	if p.Location == nil {
		return p.Peer.String() + "@?"
	}
	return p.Peer.String() + "@" + p.Location.String()
}

// WithLocation returns a copy of p placed at l.
func (p PeerKeyLocation) WithLocation(l Location) PeerKeyLocation {
	p.Location = &l
	return p
}

// Contact is everything needed to open a transport connection to a peer.
type Contact struct {
	Peer      PeerKeyLocation `msgpack:"peer"`
	PublicKey []byte          `msgpack:"pub"` // X25519 transport key
	Addr      string          `msgpack:"addr"`
}

// TransportKey returns the X25519 key as a fixed array.
func (c Contact) TransportKey() [32]byte {
	var k [32]byte
	copy(k[:], c.PublicKey)
	return k
}

// ID is shorthand for c.Peer.Peer.
func (c Contact) ID() peer.ID { return c.Peer.Peer }

// PeerSet is a set of peer identities, used for visited and excluded peers.
type PeerSet map[peer.ID]struct{}

// NewPeerSet builds a set from ids.
func NewPeerSet(ids ...peer.ID) PeerSet {
	s := make(PeerSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s PeerSet) Add(id peer.ID) { s[id] = struct{}{} }

func (s PeerSet) Has(id peer.ID) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the members in no particular order.
func (s PeerSet) Slice() []peer.ID {
	out := make([]peer.ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
